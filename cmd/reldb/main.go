// reldb is the admin CLI for a reldb data directory. Statement execution
// lives behind the external SQL front end; this binary covers inspection and
// maintenance.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"reldb/internal/config"
	"reldb/internal/engine"
	"reldb/internal/executor"
)

var (
	flagDataDir string
	flagConfig  string
)

func main() {
	root := &cobra.Command{
		Use:           "reldb",
		Short:         "reldb database administration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagDataDir, "data-dir", "", "data directory (overrides config)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "config file path")

	root.AddCommand(
		initCmd(),
		tablesCmd(),
		statsCmd(),
		analyzeCmd(),
		vacuumCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func openEngine() (*engine.Engine, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDataDir != "" {
		cfg.DataDir = flagDataDir
	}
	return engine.Open(cfg, nil)
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialise an empty database directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()
			fmt.Println("Database initialised")
			return nil
		},
	}
}

func tablesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List tables and their indexes",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			cat := eng.Catalog()
			for _, table := range cat.ListTables() {
				schema, err := cat.GetTable(table)
				if err != nil {
					return err
				}
				cols := make([]string, len(schema.Columns))
				for i, c := range schema.Columns {
					cols[i] = c.Name + " " + c.Type.String()
				}
				fmt.Printf("%s (%s)\n", table, strings.Join(cols, ", "))
				for _, idx := range cat.GetIndexesForTable(table) {
					kind := "index"
					if idx.Unique {
						kind = "unique index"
					}
					fmt.Printf("  %s %s on (%s)\n", kind, idx.Name, strings.Join(idx.Columns, ", "))
				}
			}
			return nil
		},
	}
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [table]",
		Short: "Show table statistics and buffer pool counters",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			cat := eng.Catalog()
			tables := cat.ListTables()
			if len(args) == 1 {
				tables = args[:1]
			}
			for _, table := range tables {
				st := cat.GetStatistics(table)
				fmt.Printf("%s: rows=%d pages=%d dead=%d modifications=%d\n",
					table, st.RowCount, st.PageCount, st.DeadTuples, st.ModCount)
				if len(st.Distinct) > 0 {
					fmt.Printf("  distinct: %s\n", executor.DistinctSummary(st))
				}
			}

			ps := eng.PoolStats()
			fmt.Printf("buffer pool: %d/%d resident, %d dirty, hit rate %.1f%%\n",
				ps.Resident, ps.Capacity, ps.Dirty, ps.HitRate()*100)
			return nil
		},
	}
}

func analyzeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "analyze [table]",
		Short: "Recompute table statistics",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			table := ""
			if len(args) == 1 {
				table = args[0]
			}
			res, err := eng.Execute(&executor.AnalyzeCmd{Table: table})
			if err != nil {
				return err
			}
			fmt.Println(res.Message)
			return nil
		},
	}
}

func vacuumCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "vacuum [table]",
		Short: "Compact tombstoned tuples",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			table := ""
			if len(args) == 1 {
				table = args[0]
			}
			res, err := eng.Execute(&executor.VacuumCmd{Table: table})
			if err != nil {
				return err
			}
			fmt.Println(res.Message)
			return nil
		},
	}
}
