package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	mailspool "github.com/jdziat/simple-mail-spool"
)

func newEnqueueCmd(open openFunc) *cobra.Command {
	var (
		from string
		to   []string
	)

	cmd := &cobra.Command{
		Use:   "enqueue [file]",
		Short: "Add a message to the spool",
		Long: `Add a message to the spool. The message is read from file, or from
standard input when no file is given. An empty --from is the null sender.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				content []byte
				err     error
			)
			if len(args) == 1 {
				content, err = os.ReadFile(args[0])
			} else {
				content, err = io.ReadAll(cmd.InOrStdin())
			}
			if err != nil {
				return fmt.Errorf("failed to read message: %w", err)
			}

			srv, _, err := open(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			m := mailspool.NewMail(from, to, content)
			if err := srv.Enqueue(cmd.Context(), m); err != nil {
				return fmt.Errorf("failed to enqueue: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), m.Name)
			return nil
		},
	}
	cmd.Flags().StringVarP(&from, "from", "f", "", "envelope sender")
	cmd.Flags().StringSliceVarP(&to, "to", "t", nil, "envelope recipients (repeatable or comma separated)")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}
