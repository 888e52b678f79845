package engine

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"reldb/pkg/dberr"
)

// LockFileName is the session lock sentinel inside the data directory.
const LockFileName = ".lock"

// sessionLock guards a data directory against concurrent sessions. One
// process owns the directory for the lifetime of the lock.
type sessionLock struct {
	fl        *flock.Flock
	sessionID uuid.UUID
}

// acquireLock takes the directory lock, retrying with backoff until the
// timeout elapses. The lock file stays a zero-byte sentinel; ownership lives
// in the flock itself and the session id only in the log.
func acquireLock(dataDir string, timeout time.Duration) (*sessionLock, error) {
	path := filepath.Join(dataDir, LockFileName)
	fl := flock.New(path)

	policy := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(50*time.Millisecond),
		backoff.WithMaxInterval(time.Second),
		backoff.WithMaxElapsedTime(timeout),
	)
	err := backoff.Retry(func() error {
		ok, err := fl.TryLock()
		if err != nil {
			return backoff.Permanent(err)
		}
		if !ok {
			return fmt.Errorf("lock held by another session")
		}
		return nil
	}, policy)
	if err != nil {
		return nil, dberr.Wrap(dberr.KindIO, err,
			"could not lock data directory %s within %s", dataDir, timeout)
	}

	return &sessionLock{fl: fl, sessionID: uuid.New()}, nil
}

func (l *sessionLock) release() error {
	return l.fl.Unlock()
}
