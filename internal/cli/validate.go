package cli

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// ResourceSummary describes one loaded resource.
type ResourceSummary struct {
	Name       string   `json:"name"`
	Table      string   `json:"table"`
	PrimaryKey []string `json:"primary_key"`
	Attributes []string `json:"attributes"`
	Actions    []string `json:"actions"`
}

// ValidationResult holds validation results.
type ValidationResult struct {
	Valid     bool              `json:"valid"`
	Resources []ResourceSummary `json:"resources,omitempty"`
	Errors    []*LoadError      `json:"errors,omitempty"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	var collectAll bool

	cmd := &cobra.Command{
		Use:   "validate <specs-dir>",
		Short: "Compile and validate resource definitions",
		Long: `Compile the CUE resource definitions in a directory and check every
attribute, action and step. Prints the resources and their actions.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mode := LoadModeFailFast
			if collectAll {
				mode = LoadModeCollectAll
			}
			return runValidate(newFormatter(rootOpts, cmd), args[0], mode)
		},
	}
	cmd.Flags().BoolVar(&collectAll, "all", false, "report every error instead of stopping at the first")
	return cmd
}

func runValidate(f *OutputFormatter, specsDir string, mode LoadMode) error {
	loadResult, loadErrors := LoadSpecs(specsDir, mode)
	if loadResult == nil {
		loadErr := asLoadError(loadErrors[0])
		_ = f.Error(loadErr.Code, loadErr.Message, nil)
		return NewExitError(ExitCommandError, loadErr.Error())
	}
	f.VerboseLog("Found %d CUE file(s) in %s", loadResult.FileCount, specsDir)

	if len(loadErrors) > 0 {
		errs := make([]*LoadError, len(loadErrors))
		for i, err := range loadErrors {
			errs[i] = asLoadError(err)
		}
		return outputValidationErrors(f, errs)
	}

	result := ValidationResult{Valid: true}
	for _, spec := range loadResult.Specs {
		s := ResourceSummary{Name: spec.Name, Table: spec.Table, PrimaryKey: spec.PrimaryKey}
		for _, a := range spec.Attributes {
			s.Attributes = append(s.Attributes, a.Name)
		}
		for _, a := range spec.Actions {
			s.Actions = append(s.Actions, a.Name)
		}
		result.Resources = append(result.Resources, s)
	}

	if f.JSON() {
		return f.Success(result)
	}
	for _, s := range result.Resources {
		fmt.Fprintf(f.Writer, "%s (%s)\n", s.Name, s.Table)
		fmt.Fprintf(f.Writer, "  primary key: %v\n", s.PrimaryKey)
		fmt.Fprintf(f.Writer, "  attributes:  %v\n", s.Attributes)
		fmt.Fprintf(f.Writer, "  actions:     %v\n", s.Actions)
	}
	fmt.Fprintf(f.Writer, "✓ %d resource(s) valid\n", len(result.Resources))
	return nil
}

func asLoadError(err error) *LoadError {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return loadErr
	}
	return &LoadError{Code: ErrCodeGeneric, Message: err.Error()}
}

// outputValidationErrors outputs multiple validation errors.
func outputValidationErrors(f *OutputFormatter, errs []*LoadError) error {
	failure := NewExitError(ExitFailure, fmt.Sprintf("validation failed with %d error(s)", len(errs)))

	if f.JSON() {
		if err := f.Encode(CLIResponse{
			Status: "error",
			Data:   ValidationResult{Valid: false, Errors: errs},
			Error:  &CLIError{Code: errs[0].Code, Message: errs[0].Message},
		}); err != nil {
			return err
		}
		return failure
	}

	fmt.Fprintln(f.Writer, "✗ Validation failed")
	fmt.Fprintln(f.Writer)
	for _, err := range errs {
		if err.Pos.IsValid() {
			fmt.Fprintf(f.Writer, "%s line %d\n", err.Pos.Filename(), err.Pos.Line())
		}
		if err.Field != "" {
			fmt.Fprintf(f.Writer, "  %s: %s: %s\n\n", err.Code, err.Field, err.Message)
		} else {
			fmt.Fprintf(f.Writer, "  %s: %s\n\n", err.Code, err.Message)
		}
	}
	return failure
}
