package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ListenUpApp/client-sub012/internal/sync"
)

func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List queued local changes",
		Long: `List operations waiting to be pushed: pending ones are retried
automatically, failed ones wait for 'retry' or 'dismiss'. IDs may be
abbreviated to any unique prefix in other commands.`,
		Args: cobra.NoArgs,
		RunE: runPending,
	}
}

func newRetryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry [operation-id]",
		Short: "Reset failed operations and push them now",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRetry,
	}

	cmd.Flags().Bool("all", false, "retry every failed operation")

	return cmd
}

func newDismissCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dismiss [operation-id]",
		Short: "Drop queued operations without sending them",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runDismiss,
	}

	cmd.Flags().Bool("all", false, "dismiss every queued operation")

	return cmd
}

func runPending(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	sess, err := newSession(ctx, cc, sessionOptions{offline: true})
	if err != nil {
		return err
	}
	defer sess.Close()

	ops, err := sess.Orch.Queue().List(ctx)
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		if ops == nil {
			ops = []sync.PendingOperation{}
		}

		return writeJSON(cc.Out, ops)
	}

	if len(ops) == 0 {
		cc.Statusf("No queued operations.\n")
		return nil
	}

	now := time.Now()
	rows := make([][]string, 0, len(ops))

	for i := range ops {
		op := &ops[i]
		rows = append(rows, []string{
			shortID(op.ID),
			string(op.Kind),
			op.Key().String(),
			string(op.Status),
			fmt.Sprintf("%d", op.RetryCount),
			formatSize(len(op.Payload)),
			formatTime(op.EnqueuedAt, now),
			truncate(op.LastError, 60),
		})
	}

	printTable(cc.Out, []string{"ID", "KIND", "ENTITY", "STATUS", "RETRIES", "PAYLOAD", "QUEUED", "LAST ERROR"}, rows)

	return nil
}

func runRetry(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	all, _ := cmd.Flags().GetBool("all")
	if err := requireTargetOrAll(args, all); err != nil {
		return err
	}

	sess, err := newSession(ctx, cc, sessionOptions{})
	if err != nil {
		return err
	}
	defer sess.Close()

	if all {
		n, err := sess.Orch.RetryAll(ctx)
		if err != nil {
			return pushAfterResetError(n, err)
		}

		cc.Statusf("Retried %d operation(s).\n", n)

		return reportRemaining(ctx, cc, sess)
	}

	id, err := resolveOpID(ctx, sess.Orch.Queue(), args[0])
	if err != nil {
		return err
	}

	if err := sess.Orch.RetryOperation(ctx, id); err != nil {
		return pushAfterResetError(1, err)
	}

	cc.Statusf("Retried %s.\n", shortID(id))

	return reportRemaining(ctx, cc, sess)
}

// pushAfterResetError distinguishes a failed reset from a failed push after
// a successful reset; in the second case the operations stay pending.
func pushAfterResetError(n int, err error) error {
	if errors.Is(err, sync.ErrOperationNotFound) {
		return err
	}

	return fmt.Errorf("reset %d operation(s) to pending, but pushing failed (will retry on next sync): %w", n, err)
}

func reportRemaining(ctx context.Context, cc *CLIContext, sess *Session) error {
	st, err := sess.Orch.Status(ctx)
	if err != nil {
		return err
	}

	if st.Failed > 0 || st.Pending > 0 {
		cc.Statusf("%d pending, %d failed.\n", st.Pending, st.Failed)
	}

	return nil
}

func runDismiss(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd.Context())
	ctx := cmd.Context()

	all, _ := cmd.Flags().GetBool("all")
	if err := requireTargetOrAll(args, all); err != nil {
		return err
	}

	sess, err := newSession(ctx, cc, sessionOptions{offline: true})
	if err != nil {
		return err
	}
	defer sess.Close()

	if all {
		n, err := sess.Orch.DismissAll(ctx)
		if err != nil {
			return err
		}

		cc.Statusf("Dismissed %d operation(s).\n", n)

		return nil
	}

	id, err := resolveOpID(ctx, sess.Orch.Queue(), args[0])
	if err != nil {
		return err
	}

	if err := sess.Orch.DismissOperation(ctx, id); err != nil {
		return err
	}

	cc.Statusf("Dismissed %s.\n", shortID(id))

	return nil
}

func requireTargetOrAll(args []string, all bool) error {
	switch {
	case all && len(args) > 0:
		return errors.New("give an operation id or --all, not both")
	case !all && len(args) == 0:
		return errors.New("an operation id or --all is required")
	default:
		return nil
	}
}

// resolveOpID expands a unique id prefix to the full operation id.
func resolveOpID(ctx context.Context, q *sync.MutationQueue, prefix string) (string, error) {
	ops, err := q.List(ctx)
	if err != nil {
		return "", err
	}

	var matches []string

	for i := range ops {
		if ops[i].ID == prefix {
			return prefix, nil
		}

		if strings.HasPrefix(ops[i].ID, prefix) {
			matches = append(matches, ops[i].ID)
		}
	}

	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", sync.ErrOperationNotFound, prefix)
	case 1:
		return matches[0], nil
	default:
		return "", fmt.Errorf("operation id prefix %q is ambiguous (%d matches)", prefix, len(matches))
	}
}
