package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local sync state",
		Long: `Show the library this client is bound to, when it last synced, the
size of the local catalog and the mutation queue, and whether a watch
process is running. Reads local state only; the server is not contacted.`,
		Args: cobra.NoArgs,
		RunE: runStatus,
	}
}

// statusOutput is the JSON schema for `status --json`.
type statusOutput struct {
	Server      string    `json:"server"`
	LibraryID   string    `json:"library_id,omitempty"`
	LastSyncAt  time.Time `json:"last_sync_at,omitzero"`
	HasCursor   bool      `json:"has_cursor"`
	Entities    int       `json:"entities"`
	Pending     int       `json:"pending"`
	Failed      int       `json:"failed"`
	WatchPID    int       `json:"watch_pid,omitempty"`
	StateDB     string    `json:"state_db"`
	CatalogPath string    `json:"catalog_path"`
}

func runStatus(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	sess, err := newSession(ctx, cc, sessionOptions{offline: true})
	if err != nil {
		return err
	}
	defer sess.Close()

	st, err := sess.Orch.Status(ctx)
	if err != nil {
		return err
	}

	entities, err := sess.Store.Count(ctx)
	if err != nil {
		return err
	}

	out := statusOutput{
		Server:      cc.Cfg.Server.URL,
		LibraryID:   st.LibraryIdentity,
		LastSyncAt:  st.LastSyncAt,
		HasCursor:   st.HasCursor,
		Entities:    entities,
		Pending:     st.Pending,
		Failed:      st.Failed,
		StateDB:     cc.Cfg.StateDBPath,
		CatalogPath: cc.Cfg.Catalog.Path,
	}

	if pid, err := readPIDFile(watchPIDPath(cc.Cfg.DataDir)); err == nil {
		out.WatchPID = pid
	}

	if cc.Flags.JSON {
		return writeJSON(cc.Out, out)
	}

	printStatusText(cc, &out)

	return nil
}

func printStatusText(cc *CLIContext, out *statusOutput) {
	w := cc.Out

	server := out.Server
	if server == "" {
		server = "(not configured)"
	}

	library := out.LibraryID
	if library == "" {
		library = "(never synced)"
	}

	fmt.Fprintf(w, "Server:     %s\n", server)
	fmt.Fprintf(w, "Library:    %s\n", library)
	fmt.Fprintf(w, "Last sync:  %s\n", formatTime(out.LastSyncAt, time.Now()))
	fmt.Fprintf(w, "Catalog:    %d entities (%s)\n", out.Entities, out.CatalogPath)
	fmt.Fprintf(w, "Queue:      %d pending, %d failed\n", out.Pending, out.Failed)

	if out.WatchPID != 0 {
		fmt.Fprintf(w, "Watch:      running (PID %d)\n", out.WatchPID)
	} else {
		fmt.Fprintln(w, "Watch:      not running")
	}

	if out.Failed > 0 {
		cc.Statusf("\n%d operation(s) failed. Run 'listenup-sync pending' to inspect, then 'retry' or 'dismiss'.\n", out.Failed)
	}
}
