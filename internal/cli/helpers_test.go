package cli

import (
	"bytes"
	"io"
	"testing"
)

const (
	specsDir    = "../harness/testdata/specs"
	brokenDir   = "../compiler/testdata/broken"
	scenarioDir = "../harness/testdata/scenarios"
)

// execute runs the root command with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}
