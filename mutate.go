package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ListenUpApp/client-sub012/internal/catalog"
	"github.com/ListenUpApp/client-sub012/internal/sync"
)

func newMutateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mutate <create|update|delete> <entity-type> <entity-id>",
		Short: "Queue a change to an entity for the server",
		Long: `Queue a change to an entity. The local catalog is updated once the
server accepts it and returns the entity, so a rejected change never
overwrites the server's copy.

The payload is JSON, given with --payload or read from --payload-file ("-"
for stdin); delete takes none. --base-version is the entity version the
edit was made against; the server rejects the push as a conflict if the
entity has moved on. The change is pushed by the next sync; --push sends it
right away, and a running watch process is asked to sync otherwise.`,
		Args: cobra.ExactArgs(3),
		RunE: runMutate,
	}

	cmd.Flags().String("payload", "", "entity JSON")
	cmd.Flags().String("payload-file", "", "read entity JSON from a file (- for stdin)")
	cmd.Flags().Int64("base-version", 0, "entity version the change is based on")
	cmd.Flags().Bool("push", false, "push the queue now instead of waiting for the next sync")
	cmd.MarkFlagsMutuallyExclusive("payload", "payload-file")

	return cmd
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <entity-type> <entity-id>",
		Short: "Print an entity from the local catalog",
		Args:  cobra.ExactArgs(2),
		RunE:  runGet,
	}
}

func runMutate(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	kind, err := sync.ParseOpKind(args[0])
	if err != nil {
		return err
	}

	entityType := catalog.EntityType(args[1])
	if !entityType.IsKnown() {
		cc.Logger.Warn("unknown entity type; queuing anyway", slog.String("entity_type", args[1]))
	}

	payload, err := readPayload(cmd, kind)
	if err != nil {
		return err
	}

	baseVersion, _ := cmd.Flags().GetInt64("base-version")
	push, _ := cmd.Flags().GetBool("push")

	sess, err := newSession(ctx, cc, sessionOptions{offline: !push})
	if err != nil {
		return err
	}
	defer sess.Close()

	op, err := sess.Orch.Enqueue(ctx, sync.NewOperation{
		EntityType:  entityType,
		EntityID:    args[2],
		Kind:        kind,
		Payload:     payload,
		BaseVersion: baseVersion,
	})
	if err != nil {
		return err
	}

	cc.Statusf("Queued %s of %s as %s.\n", kind, op.Key(), shortID(op.ID))

	if push {
		report, err := sess.Orch.Flush(ctx)
		if err != nil {
			return syncError(err)
		}

		cc.Statusf("Pushed %d, retrying %d, failed %d, deferred %d.\n", report.Pushed, report.Retrying, report.Failed, report.Deferred)
	} else if pid, err := signalWatcher(watchPIDPath(cc.Cfg.DataDir)); err == nil {
		cc.Logger.Debug("asked watch process to push", slog.Int("pid", pid))
	}

	if cc.Flags.JSON {
		return writeJSON(cc.Out, op)
	}

	return nil
}

func readPayload(cmd *cobra.Command, kind sync.OpKind) (json.RawMessage, error) {
	inline, _ := cmd.Flags().GetString("payload")
	file, _ := cmd.Flags().GetString("payload-file")

	var data []byte

	switch {
	case inline != "":
		data = []byte(inline)
	case file == "-":
		read, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return nil, fmt.Errorf("reading payload from stdin: %w", err)
		}

		data = read
	case file != "":
		read, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading payload: %w", err)
		}

		data = read
	}

	data = bytes.TrimSpace(data)

	if kind == sync.OpDelete {
		if len(data) > 0 {
			return nil, errors.New("delete takes no payload")
		}

		return nil, nil
	}

	if len(data) == 0 {
		return nil, fmt.Errorf("%s needs a payload (--payload or --payload-file)", kind)
	}

	if !json.Valid(data) {
		return nil, errors.New("payload is not valid JSON")
	}

	return json.RawMessage(data), nil
}

func runGet(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	sess, err := newSession(ctx, cc, sessionOptions{offline: true})
	if err != nil {
		return err
	}
	defer sess.Close()

	payload, err := sess.Store.Get(ctx, catalog.EntityType(args[0]), args[1])
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if err := json.Indent(&buf, payload, "", "  "); err != nil {
		return fmt.Errorf("formatting entity: %w", err)
	}

	buf.WriteByte('\n')

	_, err = cc.Out.Write(buf.Bytes())

	return err
}
