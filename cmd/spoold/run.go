package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRunCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process the spool until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			srv, cfg, err := open(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			cfg.Logging.Logger(cmd.ErrOrStderr()).Info("spoold starting",
				"driver", cfg.Spool.Driver,
				"threads", cfg.Workers.Threads,
				"processors", srv.Processors().Names(),
			)
			return srv.Run(ctx)
		},
	}
}
