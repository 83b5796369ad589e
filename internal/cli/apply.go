package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/changeset/internal/action"
	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/engine"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/store"
)

// ApplyOptions holds flags for the apply command.
type ApplyOptions struct {
	*RootOptions
	Resource string
	Action   string
	ID       string
	Key      []string
	Set      []string
	Actor    []string
}

// ApplyResult is the outcome of one applied action.
type ApplyResult struct {
	Resource      string                   `json:"resource"`
	Action        string                   `json:"action"`
	Record        ir.IRObject              `json:"record"`
	Notifications []changeset.Notification `json:"notifications"`
}

// NewApplyCommand creates the apply command.
func NewApplyCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ApplyOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "apply <specs-dir>",
		Short: "Run an action against the configured backend",
		Long: `Create the resource tables if needed and run one action.

Prints the written record and the notifications released by the run.
With an outbox configured, notifications are also appended to it.

Examples:
  changeset apply ./specs --resource Counter --action create --set id=c1
  changeset apply ./specs --resource Counter --action increment --id c1 --set by=2
  changeset apply ./specs --resource Counter --action increment --id c1 --outbox outbox.db`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(cmd.Context(), opts, args[0], newFormatter(rootOpts, cmd))
		},
	}

	cmd.Flags().StringVar(&opts.Resource, "resource", "", "resource name")
	cmd.Flags().StringVar(&opts.Action, "action", "", "action name")
	cmd.Flags().StringVar(&opts.ID, "id", "", "primary key value of the row (update and destroy)")
	cmd.Flags().StringArrayVar(&opts.Key, "key", nil, "primary key field (k=v, repeatable)")
	cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "attribute or argument (k=v, repeatable)")
	cmd.Flags().StringArrayVar(&opts.Actor, "actor", nil, "actor field (k=v, repeatable)")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("action")

	return cmd
}

func runApply(ctx context.Context, opts *ApplyOptions, specsDir string, f *OutputFormatter) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.Config

	dl, closer, err := openDataLayer(ctx, cfg)
	if err != nil {
		_ = f.Error(ErrCodeBackend, err.Error(), nil)
		return WrapExitError(ExitCommandError, "open backend", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	cat, err := loadCatalog(specsDir, dl)
	if err != nil {
		return err
	}
	if err := cat.Migrate(ctx); err != nil {
		return WrapExitError(ExitCommandError, "migrate", err)
	}
	res, act, err := cat.Action(opts.Resource, opts.Action)
	if err != nil {
		_ = f.Error(ErrCodeUnknown, err.Error(), nil)
		return WrapExitError(ExitCommandError, "apply", err)
	}

	params, err := parseAssignments(opts.Set)
	if err != nil {
		return WrapExitError(ExitCommandError, "--set", err)
	}
	var runOpts action.Options
	if len(opts.Actor) > 0 {
		raw, err := parseAssignments(opts.Actor)
		if err != nil {
			return WrapExitError(ExitCommandError, "--actor", err)
		}
		actor, err := ir.FromGo(raw)
		if err != nil {
			return WrapExitError(ExitCommandError, "--actor", err)
		}
		runOpts.Actor = actor.(ir.IRObject)
	}

	engineOpts := []engine.EngineOption{engine.WithDefaultTimeout(cfg.Timeout)}
	if cfg.Outbox != "" {
		outbox, err := store.Open(cfg.Outbox)
		if err != nil {
			return WrapExitError(ExitCommandError, "open outbox", err)
		}
		defer outbox.Close()

		last, err := outbox.MaxSeq(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "read outbox", err)
		}
		f.VerboseLog("Outbox %s continues after seq %d", cfg.Outbox, last)
		engineOpts = append(engineOpts,
			engine.WithNotifier(outbox),
			engine.WithClock(engine.NewClockAt(last)))
	}
	eng := engine.New(engineOpts...)

	var out changeset.Result
	switch act.Kind {
	case changeset.KindCreate:
		out, err = eng.Create(ctx, res, act, action.Params(params), runOpts)
	default:
		key, kerr := primaryKey(res.PrimaryKey, opts.ID, opts.Key)
		if kerr != nil {
			return WrapExitError(ExitCommandError, "key", kerr)
		}
		if act.Kind == changeset.KindDestroy {
			out, err = eng.Destroy(ctx, res, key, act, action.Params(params), runOpts)
		} else {
			out, err = eng.Update(ctx, res, key, act, action.Params(params), runOpts)
		}
	}
	if err != nil {
		return outputApplyError(f, err)
	}

	result := ApplyResult{
		Resource:      res.Name,
		Action:        act.Name,
		Record:        out.Record,
		Notifications: out.Notifications,
	}
	if result.Notifications == nil {
		result.Notifications = []changeset.Notification{}
	}
	if f.JSON() {
		return f.Success(result)
	}

	fmt.Fprintf(f.Writer, "✓ %s.%s\n", result.Resource, result.Action)
	for _, k := range result.Record.SortedKeys() {
		fmt.Fprintf(f.Writer, "  %s: %s\n", k, ir.String(result.Record[k]))
	}
	for _, n := range result.Notifications {
		fmt.Fprintf(f.Writer, "  notification %d %s %s.%s changed=%v\n", n.Seq, n.Kind, n.Resource, n.Action, n.Changed)
	}
	return nil
}

func outputApplyError(f *OutputFormatter, err error) error {
	code := ErrCodeGeneric
	var details any
	if changeset.IsInvalid(err) {
		code = ErrCodeInvalid
		details = invalidDetails(err)
	}
	_ = f.Error(code, err.Error(), details)
	return WrapExitError(ExitFailure, "apply failed", err)
}

// invalidDetails lists the field errors of an invalid run.
func invalidDetails(err error) []map[string]string {
	var out []map[string]string
	for _, e := range unwrapInvalid(err) {
		switch fe := e.(type) {
		case *changeset.InvalidFieldError:
			out = append(out, map[string]string{"field": fe.Field, "message": fe.Message})
		case *changeset.RequiredFieldMissingError:
			out = append(out, map[string]string{"field": fe.Field, "message": "is required"})
		default:
			out = append(out, map[string]string{"message": e.Error()})
		}
	}
	return out
}

func unwrapInvalid(err error) []error {
	var inv *changeset.InvalidError
	if errors.As(err, &inv) {
		return inv.Errors
	}
	return nil
}
