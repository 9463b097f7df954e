package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	mailspool "github.com/jdziat/simple-mail-spool"
)

func newListCmd(open openFunc) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the mails in the spool",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv, _, err := open(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			ctx := cmd.Context()
			names, err := srv.Spool().List(ctx)
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tSTATE\tSENDER\tRECIPIENTS\tUPDATED")
			for _, name := range names {
				m, err := srv.Spool().Retrieve(ctx, name)
				if errors.Is(err, mailspool.ErrNotFound) {
					continue
				}
				if err != nil {
					fmt.Fprintf(tw, "%s\t?\t\t\t%v\n", name, err)
					continue
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n",
					m.Name, m.State, sender(m), len(m.Recipients), m.LastUpdated.Format(time.RFC3339))
			}
			return tw.Flush()
		},
	}
}

func newShowCmd(open openFunc) *cobra.Command {
	var headersOnly bool

	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Print one spooled mail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srv, _, err := open(cmd)
			if err != nil {
				return err
			}
			defer srv.Close()

			m, err := srv.Spool().Retrieve(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Name:       %s\n", m.Name)
			fmt.Fprintf(out, "State:      %s\n", m.State)
			fmt.Fprintf(out, "Sender:     %s\n", sender(m))
			fmt.Fprintf(out, "Recipients: %s\n", strings.Join(m.Recipients, ", "))
			if m.ErrorMessage != "" {
				fmt.Fprintf(out, "Error:      %s\n", m.ErrorMessage)
			}
			if m.RemoteHost != "" || m.RemoteAddr != "" {
				fmt.Fprintf(out, "Remote:     %s [%s]\n", m.RemoteHost, m.RemoteAddr)
			}
			fmt.Fprintf(out, "Updated:    %s\n", m.LastUpdated.Format(time.RFC3339))
			if !headersOnly {
				fmt.Fprintf(out, "\n%s", m.Content)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&headersOnly, "envelope", false, "print only the envelope")
	return cmd
}

func sender(m *mailspool.Mail) string {
	if !m.HasSender() {
		return "<>"
	}
	return m.Sender
}
