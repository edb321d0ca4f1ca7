package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/schollz/progressbar/v3"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"regionpack.ai/internal/config"
	"regionpack.ai/internal/driver"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgPath    string
		catalogDir string
		workers    int
		progress   bool
		journalDir string
		indexDB    string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "regionpack <version> <region-dir> <output-dir>",
		Short: "Pack Anvil region files into flat block id arrays",
		Long: `regionpack converts every r.<x>.<z>.mca file in <region-dir> into
<output-dir>/<x>.<z>.bin using the block state catalog <catalog-dir>/<version>.json.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true

			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			flags := cmd.Flags()
			if flags.Changed("catalog-dir") {
				cfg.CatalogDir = catalogDir
			}
			if flags.Changed("workers") {
				cfg.Workers = workers
			}
			if flags.Changed("progress") {
				cfg.Progress = progress
			}
			if flags.Changed("journal-dir") {
				cfg.JournalDir = journalDir
			}
			if flags.Changed("index-db") {
				cfg.IndexDB = indexDB
			}
			if flags.Changed("log-level") {
				cfg.LogLevel = logLevel
			}
			cfg.Normalize()
			if err := cfg.Validate(); err != nil {
				return err
			}

			log := logrus.New()
			log.Formatter = &logrus.TextFormatter{FullTimestamp: true}
			log.Level = cfg.Level()

			opts := driver.Options{
				Version:    args[0],
				RegionDir:  args[1],
				OutputDir:  args[2],
				CatalogDir: cfg.CatalogDir,
				Workers:    cfg.Workers,
				JournalDir: cfg.JournalDir,
				IndexDB:    cfg.IndexDB,
				Logger:     log,
			}
			var bar *progressbar.ProgressBar
			if cfg.Progress {
				var once sync.Once
				opts.Progress = func(done, total int, region string) {
					once.Do(func() {
						bar = progressbar.Default(int64(total), "regions")
					})
					bar.Describe(region)
					_ = bar.Set(done)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			sum, err := driver.New(opts).Run(ctx)
			if bar != nil {
				_ = bar.Finish()
			}
			if err != nil {
				return err
			}
			if sum.Journal != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "journal: %s\n", sum.Journal)
			}
			return nil
		},
	}

	f := root.Flags()
	f.StringVar(&cfgPath, "config", "", "YAML or TOML config file")
	f.StringVar(&catalogDir, "catalog-dir", "blocks", "directory holding <version>.json catalogs")
	f.IntVar(&workers, "workers", 1, "regions converted in parallel (0 = one per CPU)")
	f.BoolVar(&progress, "progress", false, "show a progress bar")
	f.StringVar(&journalDir, "journal-dir", "", "write a compressed run journal into this directory")
	f.StringVar(&indexDB, "index-db", "", "record runs in this SQLite database")
	f.StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(newInspectCmd())
	root.SetContext(context.Background())
	return root
}
