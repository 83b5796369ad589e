package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/roach88/changeset/internal/catalog"
	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/datalayer/memory"
	"github.com/roach88/changeset/internal/datalayer/sqldl"
	"github.com/roach88/changeset/internal/ir"
	"github.com/roach88/changeset/internal/querysql"
)

// openDataLayer opens the configured backend. The returned closer is nil
// for the memory backend.
func openDataLayer(ctx context.Context, cfg *Config) (datalayer.DataLayer, io.Closer, error) {
	switch cfg.Backend {
	case BackendMemory:
		return memory.New(), nil, nil
	case BackendSQLite:
		dl, err := sqldl.OpenSQLite(cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		return dl, dl, nil
	case BackendPostgres:
		dl, err := sqldl.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, nil, err
		}
		return dl, dl, nil
	}
	return nil, nil, fmt.Errorf("unknown backend %q", cfg.Backend)
}

// dialectFor returns the SQL dialect plans are rendered in. Memory plans
// are shown as SQLite.
func dialectFor(backend string) querysql.Dialect {
	if backend == BackendPostgres {
		return querysql.Postgres
	}
	return querysql.SQLite
}

// loadCatalog loads specsDir and binds every resource to dl.
func loadCatalog(specsDir string, dl datalayer.DataLayer) (*catalog.Catalog, error) {
	loadResult, loadErrors := LoadSpecs(specsDir, LoadModeFailFast)
	if len(loadErrors) > 0 {
		loadErr := asLoadError(loadErrors[0])
		code := ExitCommandError
		if loadResult != nil {
			code = ExitFailure
		}
		return nil, WrapExitError(code, "load specs", loadErr)
	}
	cat, err := catalog.Build(loadResult.Specs, dl)
	if err != nil {
		return nil, WrapExitError(ExitFailure, "build catalog", err)
	}
	return cat, nil
}

// parseAssignments turns k=v pairs into a map. Values are read as YAML
// scalars, so 3 is an integer, true a boolean and null a nil.
func parseAssignments(pairs []string) (map[string]any, error) {
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		k, raw, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("%q: expected key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, fmt.Errorf("%s: %w", k, err)
		}
		if _, isFloat := v.(float64); isFloat {
			v = raw
		}
		out[k] = v
	}
	return out, nil
}

// primaryKey builds the key of the targeted row from --id or --key pairs.
func primaryKey(pk []string, id string, pairs []string) (ir.IRObject, error) {
	if id != "" && len(pairs) > 0 {
		return nil, errors.New("--id and --key are mutually exclusive")
	}
	raw := map[string]any{}
	switch {
	case id != "":
		if len(pk) != 1 {
			return nil, fmt.Errorf("composite primary key %v needs --key", pk)
		}
		raw[pk[0]] = id
	case len(pairs) > 0:
		var err error
		if raw, err = parseAssignments(pairs); err != nil {
			return nil, err
		}
	default:
		return nil, errors.New("--id or --key is required")
	}

	key := make(ir.IRObject, len(raw))
	for _, f := range pk {
		v, ok := raw[f]
		if !ok {
			return nil, fmt.Errorf("key is missing %s", f)
		}
		iv, err := ir.FromGo(v)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", f, err)
		}
		key[f] = iv
	}
	return key, nil
}
