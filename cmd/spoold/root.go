package main

import (
	"fmt"

	"github.com/spf13/cobra"

	mailspool "github.com/jdziat/simple-mail-spool"
)

// newRootCmd assembles the command tree.
func newRootCmd() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:   "spoold",
		Short: "Durable mail spool with matcher/mailet processors",
		Long: `spoold stores incoming mail in a spool and runs it through named
processors made of matcher/mailet stages until every recipient has been
delivered, relayed or bounced.

Configuration is read from spoold.yaml in the working directory or
/etc/spoold, and SPOOLD_ environment variables override any key
(e.g. SPOOLD_WORKERS_THREADS for workers.threads).`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./spoold.yaml or /etc/spoold/spoold.yaml)")

	open := func(cmd *cobra.Command) (*mailspool.Server, *mailspool.Config, error) {
		cfg, err := mailspool.LoadConfig(cfgFile)
		if err != nil {
			return nil, nil, err
		}
		srv, err := mailspool.NewServer(cmd.Context(), cfg,
			mailspool.WithServerLogger(cfg.Logging.Logger(cmd.ErrOrStderr())),
		)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open spool: %w", err)
		}
		return srv, cfg, nil
	}

	root.AddCommand(
		newRunCmd(open),
		newEnqueueCmd(open),
		newListCmd(open),
		newShowCmd(open),
		newStatsCmd(open),
	)
	return root
}

// openFunc loads the configuration and opens the server it describes.
type openFunc func(cmd *cobra.Command) (*mailspool.Server, *mailspool.Config, error)
