package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/token"

	"github.com/roach88/changeset/internal/compiler"
	"github.com/roach88/changeset/internal/ir"
)

// LoadMode controls how errors are handled during spec loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the resources loaded from a directory.
type LoadResult struct {
	Specs     []ir.ResourceSpec
	CUEValue  cue.Value
	FileCount int
}

// LoadError represents an error that occurred during spec loading.
type LoadError struct {
	Code    string    `json:"code"`
	Field   string    `json:"field,omitempty"`
	Message string    `json:"message"`
	Line    int       `json:"line,omitempty"`
	Pos     token.Pos `json:"-"`
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes for failures before or during compilation. Validation codes
// (E100-E199) come from the compiler package.
const (
	ErrCodeGeneric     = "E001"
	ErrCodeScanError   = "E002"
	ErrCodeNoFiles     = "E003"
	ErrCodeLoadFailed  = "E004"
	ErrCodeNotFound    = "E005"
	ErrCodeBuildFailed = "E006"
	ErrCodeUnknown     = "E007" // unknown resource or action
	ErrCodeBackend     = "E008" // backend could not be opened
	ErrCodeInvalid     = "E009" // the changeset was invalid
)

// LoadSpecs compiles the CUE resources in dir and validates each one.
// Directory and CUE build failures return a nil result. Compile and
// validation failures are returned alongside the resources that did load.
func LoadSpecs(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if os.IsNotExist(err) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("specs directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing specs directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	cueFiles, err := compiler.FindCUEFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScanError, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(cueFiles) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no CUE files found in %s", dir)}}
	}

	value, err := compiler.BuildDir(dir)
	if err != nil {
		return nil, []error{convertCompileError(err, ErrCodeBuildFailed)}
	}

	result := &LoadResult{CUEValue: value, FileCount: len(cueFiles)}

	specs, compileErrs := compiler.CompileAll(value, mode == LoadModeFailFast)
	var errs []error
	for _, err := range compileErrs {
		errs = append(errs, convertCompileError(err, ErrCodeGeneric))
	}
	if len(errs) > 0 && mode == LoadModeFailFast {
		return result, errs
	}

	for i := range specs {
		verrs := compiler.Validate(&specs[i])
		for _, v := range verrs {
			errs = append(errs, &LoadError{
				Code:    v.Code,
				Field:   specs[i].Name + "." + v.Field,
				Message: v.Message,
			})
		}
		if len(verrs) > 0 {
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		result.Specs = append(result.Specs, specs[i])
	}
	return result, errs
}

// convertCompileError converts a compiler error to a LoadError with
// position info.
func convertCompileError(err error, fallback string) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		loadErr := &LoadError{
			Code:    MapFieldToErrorCode(compileErr.Field),
			Field:   compileErr.Field,
			Message: compileErr.Message,
			Pos:     compileErr.Pos,
		}
		if compileErr.Pos.IsValid() {
			loadErr.Line = compileErr.Pos.Line()
		}
		return loadErr
	}
	return &LoadError{Code: fallback, Message: err.Error()}
}

// MapFieldToErrorCode maps the field of a compile error to a validation
// code.
func MapFieldToErrorCode(field string) string {
	switch {
	case strings.HasSuffix(field, ".type") || field == "type":
		return compiler.ErrInvalidType
	case strings.HasSuffix(field, ".kind") || field == "kind":
		return compiler.ErrInvalidKind
	case strings.Contains(field, "steps"):
		return compiler.ErrInvalidStep
	case strings.HasSuffix(field, ".timeout"):
		return compiler.ErrInvalidTimeout
	case field == "":
		return ErrCodeGeneric
	default:
		return compiler.ErrSchema
	}
}
