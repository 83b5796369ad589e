package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/changeset/internal/action"
	"github.com/roach88/changeset/internal/atomic"
	"github.com/roach88/changeset/internal/changeset"
	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/datalayer/sqldl"
	"github.com/roach88/changeset/internal/expr"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/querysql"
)

// PlanOptions holds flags for the plan command.
type PlanOptions struct {
	*RootOptions
	Resource string
	Action   string
	ID       string
	Key      []string
	Set      []string
}

// Fragment is one compiled field expression.
type Fragment struct {
	Field string `json:"field"`
	Expr  string `json:"expr"`
}

// PlanResult describes how an action would be written.
type PlanResult struct {
	Resource  string      `json:"resource"`
	Action    string      `json:"action"`
	Atomic    bool        `json:"atomic"`
	Reason    string      `json:"reason,omitempty"`
	Values    ir.IRObject `json:"values,omitempty"`
	Fragments []Fragment  `json:"fragments,omitempty"`
	Filter    string      `json:"filter,omitempty"`
	Errors    []string    `json:"errors,omitempty"`
	SQL       string      `json:"sql,omitempty"`
	Params    []any       `json:"params,omitempty"`
	Hash      string      `json:"hash,omitempty"`

	EngineVersion string `json:"engine_version"`
	IRVersion     string `json:"ir_version"`
}

// NewPlanCommand creates the plan command.
func NewPlanCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PlanOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "plan <specs-dir>",
		Short: "Show the atomic write an action compiles to",
		Long: `Compile an update or destroy action without touching any row.

Prints the field fragments, the filter and the SQL the write would run,
or the reason the action has to load the row and run the phased pipeline.

Examples:
  changeset plan ./specs --resource Counter --action increment --id c1 --set by=2
  changeset plan ./specs --resource Counter --action increment --id c1 --backend postgres --dsn ...`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPlan(cmd.Context(), opts, args[0], newFormatter(rootOpts, cmd))
		},
	}

	cmd.Flags().StringVar(&opts.Resource, "resource", "", "resource name")
	cmd.Flags().StringVar(&opts.Action, "action", "", "action name")
	cmd.Flags().StringVar(&opts.ID, "id", "", "primary key value of the row")
	cmd.Flags().StringArrayVar(&opts.Key, "key", nil, "primary key field (k=v, repeatable)")
	cmd.Flags().StringArrayVar(&opts.Set, "set", nil, "attribute or argument (k=v, repeatable)")
	_ = cmd.MarkFlagRequired("resource")
	_ = cmd.MarkFlagRequired("action")

	return cmd
}

func runPlan(ctx context.Context, opts *PlanOptions, specsDir string, f *OutputFormatter) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg := opts.Config

	// SQLite plans compile against a scratch in-memory database.
	var dl datalayer.DataLayer
	switch cfg.Backend {
	case BackendSQLite:
		scratch, err := sqldl.OpenSQLite(":memory:")
		if err != nil {
			return WrapExitError(ExitCommandError, "open scratch database", err)
		}
		defer scratch.Close()
		dl = scratch
	default:
		opened, closer, err := openDataLayer(ctx, cfg)
		if err != nil {
			return WrapExitError(ExitCommandError, "open backend", err)
		}
		if closer != nil {
			defer closer.Close()
		}
		dl = opened
	}

	cat, err := loadCatalog(specsDir, dl)
	if err != nil {
		return err
	}
	res, act, err := cat.Action(opts.Resource, opts.Action)
	if err != nil {
		_ = f.Error(ErrCodeUnknown, err.Error(), nil)
		return WrapExitError(ExitCommandError, "plan", err)
	}
	params, err := parseAssignments(opts.Set)
	if err != nil {
		return WrapExitError(ExitCommandError, "--set", err)
	}

	result := PlanResult{
		Resource:      res.Name,
		Action:        act.Name,
		EngineVersion: ir.EngineVersion,
		IRVersion:     ir.IRVersion,
	}
	if act.Kind == changeset.KindCreate {
		result.Reason = fmt.Sprintf("%s is a create action", act.Name)
		return outputPlan(f, result)
	}

	key, err := primaryKey(res.PrimaryKey, opts.ID, opts.Key)
	if err != nil {
		return WrapExitError(ExitCommandError, "key", err)
	}

	c, err := atomic.Compile(ctx, res, act, key, action.Params(params), action.Options{})
	var na *changeset.NotAtomicError
	switch {
	case errors.As(err, &na):
		result.Reason = na.Reason
		return outputPlan(f, result)
	case err != nil:
		return WrapExitError(ExitFailure, "compile", err)
	}

	result.Atomic = true
	for _, e := range c.Errors() {
		result.Errors = append(result.Errors, e.Error())
	}
	if !c.Valid() {
		return outputPlan(f, result)
	}

	w := datalayer.Write{
		Table:   res.TableDef(),
		Key:     c.Key(),
		Atomics: c.Atomics(),
		Filter:  c.Filter(),
	}
	if c.Kind == changeset.KindDestroy {
		w.Op = datalayer.OpDelete
	} else {
		w.Op = datalayer.OpUpdate
		w.Values = c.Attributes()
		if len(w.Values) > 0 {
			result.Values = w.Values
		}
	}
	for _, a := range w.Atomics {
		result.Fragments = append(result.Fragments, Fragment{Field: a.Field, Expr: expr.String(a.Expr)})
	}
	if w.Filter != nil {
		result.Filter = expr.String(w.Filter)
	}

	stmt, err := querysql.NewSQLCompiler(dialectFor(cfg.Backend)).CompileWrite(w)
	if err != nil {
		return WrapExitError(ExitFailure, "render SQL", err)
	}
	result.SQL = stmt.SQL
	result.Params = stmt.Params
	if result.Hash, err = planHash(result); err != nil {
		return WrapExitError(ExitFailure, "hash plan", err)
	}
	return outputPlan(f, result)
}

// planHash fingerprints the rendered write so two plans can be compared.
// Plans from different engine or schema versions never share a hash.
func planHash(result PlanResult) (string, error) {
	fragments := make(ir.IRArray, len(result.Fragments))
	for i, fr := range result.Fragments {
		fragments[i] = ir.IRObject{"field": ir.IRString(fr.Field), "expr": ir.IRString(fr.Expr)}
	}
	values := make(ir.IRArray, 0, len(result.Values))
	for _, k := range result.Values.SortedKeys() {
		values = append(values, ir.IRString(k))
	}
	return ir.PlanHash(ir.IRObject{
		"resource":  ir.IRString(result.Resource),
		"action":    ir.IRString(result.Action),
		"fragments": fragments,
		"values":    values,
		"filter":    ir.IRString(result.Filter),
		"sql":       ir.IRString(result.SQL),
		"engine":    ir.IRString(result.EngineVersion),
		"ir":        ir.IRString(result.IRVersion),
	})
}

func outputPlan(f *OutputFormatter, result PlanResult) error {
	if f.JSON() {
		if err := f.Success(result); err != nil {
			return err
		}
	} else {
		w := f.Writer
		fmt.Fprintf(w, "%s.%s (engine %s, ir %s)\n", result.Resource, result.Action, result.EngineVersion, result.IRVersion)
		if !result.Atomic {
			fmt.Fprintf(w, "  not atomic: %s\n", result.Reason)
			return nil
		}
		for _, k := range result.Values.SortedKeys() {
			fmt.Fprintf(w, "  set %s = %s\n", k, ir.String(result.Values[k]))
		}
		for _, fr := range result.Fragments {
			fmt.Fprintf(w, "  %s = %s\n", fr.Field, fr.Expr)
		}
		if result.Filter != "" {
			fmt.Fprintf(w, "  filter: %s\n", result.Filter)
		}
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  error: %s\n", e)
		}
		if result.SQL != "" {
			fmt.Fprintf(w, "  sql: %s\n", result.SQL)
			fmt.Fprintf(w, "  params: %v\n", result.Params)
			fmt.Fprintf(w, "  hash: %s\n", result.Hash)
		}
	}
	if len(result.Errors) > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%s.%s is invalid", result.Resource, result.Action))
	}
	return nil
}
