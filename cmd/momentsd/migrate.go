package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/celerix-dev/celerix-moments/internal/config"
	"github.com/celerix-dev/celerix-moments/internal/engine"
	"github.com/celerix-dev/celerix-moments/internal/logger"
)

func newMigrateCommand(opts *rootOptions) *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Upgrade the data file to the current schema version and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.LogMode)
			if err != nil {
				return err
			}
			defer log.Sync()

			p, err := openPersistence(cfg, log)
			if err != nil {
				return err
			}

			env, res, err := p.Load()
			if err != nil {
				var lerr *engine.LoadError
				if errors.As(err, &lerr) && engine.IsNotExist(lerr.Err) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s does not exist, nothing to migrate\n", cfg.DataFile)
					return nil
				}
				return err
			}
			m := res.Migration
			out := cmd.OutOrStdout()
			if !m.Changed() {
				fmt.Fprintf(out, "%s is at schema version %d\n", cfg.DataFile, m.To)
				return nil
			}
			fmt.Fprintf(out, "%s: schema %d -> %d (%d steps)\n", cfg.DataFile, m.From, m.To, m.Applied)
			if len(m.Missing) > 0 {
				fmt.Fprintf(out, "missing collections created empty: %v\n", m.Missing)
			}
			if dryRun {
				fmt.Fprintln(out, "dry run, file not written")
				return nil
			}
			return p.Save(env, 0)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would change without writing")
	return cmd
}
