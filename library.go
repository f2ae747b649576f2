package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
)

func newLibraryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "library",
		Short: "Resolve a change of the server's library",
		Long: `When the server reports a different library than the one this client
synced from, syncing stops until one of these is chosen:

  reset   discard queued local changes, clear the catalog and re-download
  resync  clear the catalog and re-download, but keep queued local changes
          and push them to the new library`,
	}

	cmd.AddCommand(newLibraryResetCmd())
	cmd.AddCommand(newLibraryResyncCmd())

	return cmd
}

func newLibraryResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Discard local state and adopt the server's library",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLibraryReset(cmd, true)
		},
	}

	cmd.Flags().String("identity", "", "library id to adopt (default: ask the server)")
	cmd.Flags().Bool("yes", false, "discard queued local changes without asking")

	return cmd
}

func newLibraryResyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resync",
		Short: "Re-download the catalog, keeping queued local changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLibraryReset(cmd, false)
		},
	}

	cmd.Flags().String("identity", "", "library id to adopt (default: ask the server)")

	return cmd
}

func runLibraryReset(cmd *cobra.Command, discard bool) error {
	cc := mustCLIContext(cmd.Context())

	if watcherAlive(cc.Cfg.DataDir) {
		return fmt.Errorf("stop the running watch process first (PID file %s)", watchPIDPath(cc.Cfg.DataDir))
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	sess, err := newSession(ctx, cc, sessionOptions{})
	if err != nil {
		return err
	}
	defer sess.Close()

	identity, _ := cmd.Flags().GetString("identity")

	if discard {
		yes, _ := cmd.Flags().GetBool("yes")

		n, err := sess.Orch.Queue().Count(ctx)
		if err != nil {
			return err
		}

		if n > 0 && !yes {
			return fmt.Errorf("%d queued local change(s) would be discarded; pass --yes, or use 'library resync' to keep them", n)
		}

		err = sess.Orch.ResetForNewLibrary(ctx, identity)
		if err != nil {
			return err
		}
	} else if err := sess.Orch.ResyncLibrary(ctx, identity); err != nil {
		return err
	}

	st, err := sess.Orch.Status(ctx)
	if err != nil {
		return err
	}

	cc.Logger.Info("library adopted",
		slog.String("library_id", st.LibraryIdentity),
		slog.Bool("discarded_pending", discard),
	)

	if cc.Flags.JSON {
		return writeJSON(cc.Out, map[string]any{
			"library_id": st.LibraryIdentity,
			"pending":    st.Pending,
			"failed":     st.Failed,
		})
	}

	cc.Statusf("Now synced with library %s. %d pending, %d failed.\n", st.LibraryIdentity, st.Pending, st.Failed)

	return nil
}
