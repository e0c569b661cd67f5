package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/domain-intel/internal/session"
)

var (
	sessionsOwner  string
	sessionsStatus string
	sessionsLimit  int
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage research sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		sessions, err := st.List(ctx, session.Filter{
			Owner:  sessionsOwner,
			Status: session.Status(sessionsStatus),
			Limit:  sessionsLimit,
		})
		if err != nil {
			return eris.Wrap(err, "list sessions")
		}

		for _, s := range sessions {
			fmt.Printf("%s  %-24s %-12s %-18s %s\n",
				s.ID, s.Domain, s.CurrentPhase, s.Status, s.UpdatedAt.Format("2006-01-02 15:04"))
		}
		fmt.Printf("%d session(s)\n", len(sessions))
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show one session in full",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		sess, err := st.Get(ctx, args[0])
		if err != nil {
			return eris.Wrapf(err, "load session %s", args[0])
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(sess)
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		if err := st.Delete(ctx, args[0]); err != nil {
			return eris.Wrapf(err, "delete session %s", args[0])
		}
		fmt.Println("deleted", args[0])
		return nil
	},
}

func init() {
	sessionsListCmd.Flags().StringVar(&sessionsOwner, "owner", "", "filter by owner")
	sessionsListCmd.Flags().StringVar(&sessionsStatus, "status", "", "filter by status")
	sessionsListCmd.Flags().IntVar(&sessionsLimit, "limit", 0, "max sessions to list")
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	rootCmd.AddCommand(sessionsCmd)
}
