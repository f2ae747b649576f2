package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/ListenUpApp/client-sub012/internal/sync"
)

// exitLibraryMismatch is the exit status when the server's library changed
// and the user must choose between `library reset` and `library resync`.
const exitLibraryMismatch = 3

func newSyncCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Run one sync cycle",
		Long: `Push queued local changes, then pull server changes since the last sync.

If a watch process is running for the same data directory, it is asked to
sync instead (via SIGHUP) and this command returns right away. Use --here to
always sync in this process.`,
		Args: cobra.NoArgs,
		RunE: runSync,
	}

	cmd.Flags().Bool("push-only", false, "only push queued local changes")
	cmd.Flags().Bool("if-needed", false, "sync only if no sync has ever completed")
	cmd.Flags().Bool("here", false, "sync in this process even if a watch process is running")
	cmd.MarkFlagsMutuallyExclusive("push-only", "if-needed")

	return cmd
}

// syncOutput is the JSON schema for `sync --json`.
type syncOutput struct {
	Delegated bool   `json:"delegated,omitempty"`
	PID       int    `json:"pid,omitempty"`
	Pushed    int    `json:"pushed"`
	Retrying  int    `json:"retrying"`
	Failed    int    `json:"failed"`
	Deferred  int    `json:"deferred"`
	State     string `json:"state"`
	Pending   int    `json:"pending"`
}

func runSync(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())

	pushOnly, _ := cmd.Flags().GetBool("push-only")
	ifNeeded, _ := cmd.Flags().GetBool("if-needed")
	here, _ := cmd.Flags().GetBool("here")

	if !here {
		pid, err := signalWatcher(watchPIDPath(cc.Cfg.DataDir))
		if err == nil {
			cc.Logger.Info("delegated sync to watch process", slog.Int("pid", pid))

			if cc.Flags.JSON {
				return writeJSON(cc.Out, syncOutput{Delegated: true, PID: pid, State: "delegated"})
			}

			cc.Statusf("Asked running watch process (PID %d) to sync.\n", pid)

			return nil
		}

		if !errors.Is(err, errNoWatcher) {
			return err
		}
	}

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	sess, err := newSession(ctx, cc, sessionOptions{})
	if err != nil {
		return err
	}
	defer sess.Close()

	var out syncOutput

	switch {
	case pushOnly:
		report, flushErr := sess.Orch.Flush(ctx)
		out.Pushed, out.Retrying, out.Failed, out.Deferred = report.Pushed, report.Retrying, report.Failed, report.Deferred
		err = flushErr
	case ifNeeded:
		err = sess.Orch.SyncIfNeeded(ctx)
	default:
		err = sess.Orch.Sync(ctx)
	}

	if err != nil {
		return syncError(err)
	}

	st, err := sess.Orch.Status(ctx)
	if err != nil {
		return err
	}

	out.State = st.State.String()
	out.Pending = st.Pending + st.Failed

	if cc.Flags.JSON {
		return writeJSON(cc.Out, out)
	}

	if pushOnly {
		cc.Statusf("Pushed %d, retrying %d, failed %d, deferred %d.\n", out.Pushed, out.Retrying, out.Failed, out.Deferred)
	}

	cc.Statusf("Sync complete. %d pending operation(s)", st.Pending)

	if st.Failed > 0 {
		cc.Statusf(", %d failed (see 'listenup-sync pending')", st.Failed)
	}

	cc.Statusf(".\n")

	return nil
}

// syncError maps a library mismatch to its own exit status and a hint.
func syncError(err error) error {
	if errors.Is(err, sync.ErrLibraryMismatch) {
		return &exitError{
			code: exitLibraryMismatch,
			err: fmt.Errorf("%w\nrun 'listenup-sync library resync' to keep queued changes "+
				"or 'listenup-sync library reset' to discard them", err),
		}
	}

	return err
}
