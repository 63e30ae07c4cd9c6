package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newRunCommand(opts *options) *cobra.Command {
	var once bool

	cmd := &cobra.Command{
		Use:   "run [unit...]",
		Short: "Start units and run until interrupted",
		Long: `Install and start the named units, then wait for an interrupt
signal and stop them.

Requirements are installed first, in dependency order. A #tag requirement
is satisfied by the unit that already provides it, or by one of the named
units that declares it. Without arguments the units listed in the config
are started.`,
		Example: `  # Start an app backed by SQLite storage
  unitctl run app sqlstore

  # Start, then stop immediately
  unitctl run app memstore --once

  # Start the units listed in the config
  unitctl run -c unitkernel.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			names := args
			if len(names) == 0 {
				names = cfg.Units
			}
			if len(names) == 0 {
				return fmt.Errorf("no units to run: pass unit names or set units in the config")
			}

			ctx := cmd.Context()
			h, err := newHost(ctx, cfg)
			if err != nil {
				return err
			}
			defer h.close(context.WithoutCancel(ctx))

			runCtx, cancel := context.WithCancel(ctx)
			defer cancel()

			if err := h.watchPolicies(runCtx); err != nil {
				return fmt.Errorf("failed to watch policies: %w", err)
			}
			if err := h.tel.Metrics.Serve(runCtx, h.logger); err != nil {
				return err
			}

			startCtx, cancelStart := h.withTimeout(runCtx)
			err = h.kernel.Start(startCtx, names...)
			cancelStart()
			if err != nil {
				return fmt.Errorf("failed to start units: %w", err)
			}

			if err := printUnits(cmd.OutOrStdout(), opts.jsonOutput, installedRows(h.kernel)); err != nil {
				return err
			}

			if !once {
				<-ctx.Done()
				h.logger.Info().Msg("Received interrupt signal, shutting down...")
			}

			stopCtx, cancelStop := h.withTimeout(context.WithoutCancel(ctx))
			defer cancelStop()
			if err := h.kernel.Stop(stopCtx); err != nil {
				return fmt.Errorf("failed to stop units: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&once, "once", false, "stop right after starting")

	return cmd
}
