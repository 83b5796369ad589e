package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/store"
)

// NotificationsOptions holds flags for the notifications command.
type NotificationsOptions struct {
	*RootOptions
	RunID       string
	Resource    string
	AfterSeq    int64
	Undelivered bool
	Limit       int
	Replay      bool
}

// NewNotificationsCommand creates the notifications command.
func NewNotificationsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &NotificationsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "notifications",
		Short: "List or replay the notification outbox",
		Long: `Print notifications stored in the outbox in seq order.

With --replay, undelivered notifications are printed one run at a time
and marked delivered.

Examples:
  changeset notifications --outbox outbox.db
  changeset notifications --outbox outbox.db --resource Counter --after 10
  changeset notifications --outbox outbox.db --replay`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNotifications(cmd.Context(), opts, newFormatter(rootOpts, cmd))
		},
	}

	cmd.Flags().StringVar(&opts.RunID, "run", "", "only notifications of this run")
	cmd.Flags().StringVar(&opts.Resource, "resource", "", "only notifications of this resource")
	cmd.Flags().Int64Var(&opts.AfterSeq, "after", 0, "only notifications after this seq")
	cmd.Flags().BoolVar(&opts.Undelivered, "undelivered", false, "only notifications not yet delivered")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "maximum number of notifications")
	cmd.Flags().BoolVar(&opts.Replay, "replay", false, "deliver pending notifications and mark them delivered")

	return cmd
}

func runNotifications(ctx context.Context, opts *NotificationsOptions, f *OutputFormatter) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.Config.Outbox == "" {
		return NewExitError(ExitCommandError, "no outbox configured (use --outbox or outbox in config.yaml)")
	}
	outbox, err := store.Open(opts.Config.Outbox)
	if err != nil {
		return WrapExitError(ExitCommandError, "open outbox", err)
	}
	defer outbox.Close()

	if opts.Replay {
		return replayOutbox(ctx, outbox, opts.Limit, f)
	}

	stored, err := outbox.Read(ctx, store.Filter{
		RunID:       opts.RunID,
		Resource:    opts.Resource,
		AfterSeq:    opts.AfterSeq,
		Undelivered: opts.Undelivered,
		Limit:       opts.Limit,
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "read outbox", err)
	}

	if f.JSON() {
		return f.Success(stored)
	}
	if len(stored) == 0 {
		fmt.Fprintln(f.Writer, "No notifications.")
		return nil
	}
	for _, s := range stored {
		mark := " "
		if s.Delivered {
			mark = "✓"
		}
		writeNotification(f.Writer, mark, s.Notification)
	}
	return nil
}

// printDeliverer writes replayed notifications to an output stream.
type printDeliverer struct {
	w    io.Writer
	json bool
	runs [][]changeset.Notification
}

func (p *printDeliverer) Notify(_ context.Context, notes []changeset.Notification) error {
	if p.json {
		p.runs = append(p.runs, notes)
		return nil
	}
	for _, n := range notes {
		writeNotification(p.w, "→", n)
	}
	return nil
}

func replayOutbox(ctx context.Context, outbox *store.Store, limit int, f *OutputFormatter) error {
	d := &printDeliverer{w: f.Writer, json: f.JSON()}
	result, err := outbox.Replay(ctx, d, limit)
	if err != nil {
		return WrapExitError(ExitFailure, "replay", err)
	}

	if f.JSON() {
		return f.Success(map[string]any{
			"runs":      result.Runs,
			"delivered": result.Delivered,
			"batches":   d.runs,
		})
	}
	fmt.Fprintf(f.Writer, "Replayed %d notification(s) from %d run(s)\n", result.Delivered, result.Runs)
	return nil
}

func writeNotification(w io.Writer, mark string, n changeset.Notification) {
	fmt.Fprintf(w, "%s %6d %-7s %s.%s run=%s changed=%v\n", mark, n.Seq, n.Kind, n.Resource, n.Action, n.RunID, n.Changed)
}
