// Package engine wires the storage stack into a single database session.
package engine

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"reldb/internal/buffer"
	"reldb/internal/catalog"
	"reldb/internal/config"
	"reldb/internal/executor"
	"reldb/pkg/dberr"
)

// Engine owns one database directory for the lifetime of a session: the
// directory lock, the buffer pool, the catalog, and the executor.
type Engine struct {
	cfg  *config.Config
	log  *zap.Logger
	lock *sessionLock

	pool     *buffer.Pool
	catalog  *catalog.Catalog
	executor *executor.Executor
}

// Open acquires the session lock on cfg.DataDir and loads the catalog. A
// corrupt catalog (FormatError) or failing I/O aborts start-up.
func Open(cfg *config.Config, log *zap.Logger) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if log == nil {
		log = NewLogger(cfg)
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, dberr.Wrap(dberr.KindIO, err, "creating data directory %s", cfg.DataDir)
	}

	lock, err := acquireLock(cfg.DataDir, cfg.LockTimeout)
	if err != nil {
		return nil, err
	}

	cat, err := catalog.Open(cfg.DataDir)
	if err != nil {
		_ = lock.release()
		return nil, err
	}

	pool := buffer.NewPool(cfg.BufferPoolSize)
	exec := executor.New(cfg.DataDir, cfg, cat, pool, log)

	log.Info("database opened",
		zap.String("data_dir", cfg.DataDir),
		zap.String("session", lock.sessionID.String()),
		zap.Int("tables", len(cat.ListTables())))

	return &Engine{
		cfg:      cfg,
		log:      log,
		lock:     lock,
		pool:     pool,
		catalog:  cat,
		executor: exec,
	}, nil
}

// Execute runs one command record.
func (e *Engine) Execute(cmd executor.Command) (*executor.Result, error) {
	return e.executor.Execute(cmd)
}

// Executor returns the underlying executor.
func (e *Engine) Executor() *executor.Executor { return e.executor }

// Catalog returns the catalog for inspection.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// PoolStats returns buffer pool statistics.
func (e *Engine) PoolStats() buffer.Stats { return e.pool.Stats() }

// Close flushes all dirty pages, persists the catalog, and releases the
// session lock.
func (e *Engine) Close() error {
	flushErr := e.executor.Close()
	if err := e.lock.release(); err != nil && flushErr == nil {
		flushErr = dberr.Wrap(dberr.KindIO, err, "releasing session lock")
	}
	if flushErr != nil {
		e.log.Error("close failed", zap.Error(flushErr))
		return flushErr
	}
	e.log.Info("database closed", zap.String("data_dir", e.cfg.DataDir))
	_ = e.log.Sync()
	return nil
}

// NewLogger builds the engine logger from the configuration: console output
// by default, a rotating file when log_file is set.
func NewLogger(cfg *config.Config) *zap.Logger {
	level := zapcore.InfoLevel
	if err := level.Set(cfg.LogLevel); err != nil {
		level = zapcore.InfoLevel
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var sink zapcore.WriteSyncer
	if cfg.LogFile != "" {
		sink = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    50, // MiB
			MaxBackups: 3,
			MaxAge:     14, // days
		})
	} else {
		sink = zapcore.Lock(os.Stderr)
	}

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), sink, level)
	return zap.New(core)
}
