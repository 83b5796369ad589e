package ir

// Version constants for the resource definition schema and engine.
const (
	// IRVersion is the resource definition schema version.
	IRVersion = "1"

	// EngineVersion is the changeset engine version.
	EngineVersion = "0.1.0"
)
