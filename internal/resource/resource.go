package resource

import (
	"fmt"
	"sort"

	"github.com/roach88/changeset/internal/datalayer"
	"github.com/roach88/changeset/internal/ir"
)

// NoSuchFieldError is returned when a field name is not declared on a
// resource.
type NoSuchFieldError struct {
	Resource string
	Field    string
}

func (e *NoSuchFieldError) Error() string {
	return fmt.Sprintf("no such field %q on %s", e.Field, e.Resource)
}

// Resource is an entity type: its attributes, table and data layer.
type Resource struct {
	Name       string
	Table      string
	PrimaryKey []string
	Attributes []*Attribute
	DataLayer  datalayer.DataLayer

	byName map[string]*Attribute
}

// New builds a resource and checks that every primary key is an attribute.
func New(name, table string, primaryKey []string, attrs []*Attribute, dl datalayer.DataLayer) (*Resource, error) {
	r := &Resource{
		Name:       name,
		Table:      table,
		PrimaryKey: primaryKey,
		Attributes: attrs,
		DataLayer:  dl,
		byName:     make(map[string]*Attribute, len(attrs)),
	}
	for _, a := range attrs {
		if _, dup := r.byName[a.Name]; dup {
			return nil, fmt.Errorf("resource %s: duplicate attribute %q", name, a.Name)
		}
		r.byName[a.Name] = a
	}
	if len(primaryKey) == 0 {
		return nil, fmt.Errorf("resource %s: primary key is required", name)
	}
	for _, pk := range primaryKey {
		a, ok := r.byName[pk]
		if !ok {
			return nil, fmt.Errorf("resource %s: primary key %q is not an attribute", name, pk)
		}
		a.PrimaryKey = true
	}
	return r, nil
}

// Attribute returns the attribute named name.
func (r *Resource) Attribute(name string) (*Attribute, bool) {
	a, ok := r.byName[name]
	return a, ok
}

// Lookup returns the attribute named name or a *NoSuchFieldError.
func (r *Resource) Lookup(name string) (*Attribute, error) {
	a, ok := r.byName[name]
	if !ok {
		return nil, &NoSuchFieldError{Resource: r.Name, Field: name}
	}
	return a, nil
}

// HasField reports whether name is an attribute. It lets a resource serve as
// an expression schema.
func (r *Resource) HasField(name string) bool {
	_, ok := r.byName[name]
	return ok
}

// TableDef returns the storage shape of the resource.
func (r *Resource) TableDef() datalayer.Table {
	cols := make([]datalayer.Column, len(r.Attributes))
	for i, a := range r.Attributes {
		cols[i] = a.Column()
	}
	return datalayer.Table{Name: r.Table, PrimaryKey: r.PrimaryKey, Columns: cols}
}

// Key extracts the primary key of row.
func (r *Resource) Key(row ir.IRObject) ir.IRObject {
	return datalayer.KeyOf(r.TableDef(), row)
}

// Registry indexes resources by name.
type Registry struct {
	resources map[string]*Resource
}

// NewRegistry creates a registry holding resources.
func NewRegistry(resources ...*Resource) (*Registry, error) {
	reg := &Registry{resources: make(map[string]*Resource)}
	for _, r := range resources {
		if err := reg.Register(r); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// Register adds r. Names must be unique.
func (reg *Registry) Register(r *Resource) error {
	if _, dup := reg.resources[r.Name]; dup {
		return fmt.Errorf("resource %q already registered", r.Name)
	}
	reg.resources[r.Name] = r
	return nil
}

// Get returns the resource named name.
func (reg *Registry) Get(name string) (*Resource, bool) {
	r, ok := reg.resources[name]
	return r, ok
}

// Lookup resolves a field of a resource.
func (reg *Registry) Lookup(resourceName, field string) (*Attribute, error) {
	r, ok := reg.resources[resourceName]
	if !ok {
		return nil, fmt.Errorf("unknown resource %q", resourceName)
	}
	return r.Lookup(field)
}

// Names returns the registered resource names, sorted.
func (reg *Registry) Names() []string {
	names := make([]string, 0, len(reg.resources))
	for n := range reg.resources {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
