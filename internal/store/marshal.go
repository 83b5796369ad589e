package store

import (
	"fmt"

	"github.com/goccy/go-json"

	"github.com/roach88/changeset/internal/ir"
)

// marshalData converts a record to canonical JSON TEXT for storage.
func marshalData(data ir.IRObject) (string, error) {
	if data == nil {
		data = ir.IRObject{}
	}
	b, err := ir.MarshalCanonical(data)
	if err != nil {
		return "", fmt.Errorf("marshal data: %w", err)
	}
	return string(b), nil
}

// marshalChanged stores the changed field list as a JSON array.
func marshalChanged(changed []string) (string, error) {
	if changed == nil {
		changed = []string{}
	}
	b, err := json.Marshal(changed)
	if err != nil {
		return "", fmt.Errorf("marshal changed: %w", err)
	}
	return string(b), nil
}

// unmarshalData parses canonical JSON TEXT. IRObject's own decoder keeps
// large integers exact.
func unmarshalData(data string) (ir.IRObject, error) {
	if data == "" || data == "{}" {
		return ir.IRObject{}, nil
	}
	var obj ir.IRObject
	if err := obj.UnmarshalJSON([]byte(data)); err != nil {
		return nil, fmt.Errorf("unmarshal data: %w", err)
	}
	return obj, nil
}

func unmarshalChanged(data string) ([]string, error) {
	changed := []string{}
	if data == "" {
		return changed, nil
	}
	if err := json.Unmarshal([]byte(data), &changed); err != nil {
		return nil, fmt.Errorf("unmarshal changed: %w", err)
	}
	return changed, nil
}
