package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

// Scenario defines a test scenario: definitions, setup, a flow of actions
// with expectations and assertions on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Specs is the directory of CUE resource definitions, relative to the
	// scenario file.
	Specs string `yaml:"specs"`

	// Backend is "memory" (default) or "sqlite".
	Backend string `yaml:"backend,omitempty"`

	// Setup actions establish initial state and must succeed.
	Setup []Step `yaml:"setup,omitempty"`

	// Flow contains the steps under test.
	Flow []Step `yaml:"flow"`

	// Assertions validate the final state and the released notifications.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// Step runs one action.
type Step struct {
	Resource string `yaml:"resource"`
	Action   string `yaml:"action"`

	// ID is the primary key value of a single-key resource. Key is used
	// for composite keys. Create steps need neither.
	ID  any            `yaml:"id,omitempty"`
	Key map[string]any `yaml:"key,omitempty"`

	// Params are attribute values and arguments.
	Params map[string]any `yaml:"params,omitempty"`

	// Actor is passed to the changeset as the acting identity.
	Actor map[string]any `yaml:"actor,omitempty"`

	// Repeat runs the step this many times; Concurrent runs the repeats
	// in parallel.
	Repeat     int  `yaml:"repeat,omitempty"`
	Concurrent bool `yaml:"concurrent,omitempty"`

	// Expect is checked against every repeat. Nil means outcome ok.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect specifies the expected result of a step.
type Expect struct {
	// Outcome is one of ok, invalid, not_found, stale, timeout,
	// hook_failure or error.
	Outcome string `yaml:"outcome"`

	// Record is a subset of the returned record.
	Record map[string]any `yaml:"record,omitempty"`

	// Errors lists fields expected to carry errors when invalid.
	Errors []string `yaml:"errors,omitempty"`
}

// Assertion validates final state or notifications.
type Assertion struct {
	// Type is final_state, row_absent, notification_count or
	// notification_order.
	Type string `yaml:"type"`

	Resource string         `yaml:"resource,omitempty"`
	Action   string         `yaml:"action,omitempty"`
	ID       any            `yaml:"id,omitempty"`
	Key      map[string]any `yaml:"key,omitempty"`

	// Expect is a subset of the stored row (final_state).
	Expect map[string]any `yaml:"expect,omitempty"`

	// Count is the expected number of notifications (notification_count).
	Count int `yaml:"count,omitempty"`

	// Actions is the expected action order (notification_order).
	Actions []string `yaml:"actions,omitempty"`
}

// Assertion type constants.
const (
	AssertFinalState        = "final_state"
	AssertRowAbsent         = "row_absent"
	AssertNotificationCount = "notification_count"
	AssertNotificationOrder = "notification_order"
)

var validOutcomes = map[string]bool{
	OutcomeOK:          true,
	OutcomeInvalid:     true,
	OutcomeNotFound:    true,
	OutcomeStale:       true,
	OutcomeTimeout:     true,
	OutcomeHookFailure: true,
	OutcomeError:       true,
}

// LoadScenario reads and parses a scenario YAML file. The specs directory
// is resolved relative to the file. Unknown fields are rejected.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}

	scenario, err := ParseScenario(data)
	if err != nil {
		return nil, err
	}
	if scenario.Specs != "" && !filepath.IsAbs(scenario.Specs) {
		scenario.Specs = filepath.Join(filepath.Dir(path), scenario.Specs)
	}
	return scenario, nil
}

// ParseScenario parses and validates scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files in dir, sorted.
func FindScenarios(dir string) ([]string, error) {
	var paths []string
	for _, pattern := range []string{"*.yaml", "*.yml"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, err
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)
	return paths, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Specs == "" {
		return fmt.Errorf("specs is required")
	}
	switch s.Backend {
	case "", BackendMemory, BackendSQLite:
	default:
		return fmt.Errorf("backend %q: must be memory or sqlite", s.Backend)
	}
	if len(s.Flow) == 0 {
		return fmt.Errorf("flow must have at least one step")
	}

	for i, step := range s.Setup {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("setup[%d]: %w", i, err)
		}
	}
	for i, step := range s.Flow {
		if err := validateStep(step); err != nil {
			return fmt.Errorf("flow[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func validateStep(step Step) error {
	if step.Resource == "" || step.Action == "" {
		return fmt.Errorf("resource and action are required")
	}
	if step.ID != nil && step.Key != nil {
		return fmt.Errorf("id and key are mutually exclusive")
	}
	if step.Repeat < 0 {
		return fmt.Errorf("repeat must not be negative")
	}
	if step.Expect != nil && !validOutcomes[step.Expect.Outcome] {
		return fmt.Errorf("unknown outcome %q", step.Expect.Outcome)
	}
	return nil
}

func validateAssertion(a Assertion) error {
	switch a.Type {
	case AssertFinalState, AssertRowAbsent:
		if a.Resource == "" || (a.ID == nil && a.Key == nil) {
			return fmt.Errorf("%s requires resource and id or key", a.Type)
		}
	case AssertNotificationCount:
	case AssertNotificationOrder:
		if len(a.Actions) == 0 {
			return fmt.Errorf("notification_order requires actions")
		}
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
