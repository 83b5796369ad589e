package action

import "sort"

var changeModules = map[string]*ChangeModule{}

var validationModules = map[string]*ValidationModule{}

func init() {
	for _, m := range []*ChangeModule{SetAttribute, AtomicUpdate, Increment, SetContext, Filter} {
		changeModules[m.Name] = m
	}
	for _, m := range []*ValidationModule{Present, Absent, Compare, OneOf, StringLength, Changing, Expression, AttributeEquals} {
		validationModules[m.Name] = m
	}
}

// LookupChange returns the builtin change called name.
func LookupChange(name string) (*ChangeModule, bool) {
	m, ok := changeModules[name]
	return m, ok
}

// LookupValidation returns the builtin validation called name.
func LookupValidation(name string) (*ValidationModule, bool) {
	m, ok := validationModules[name]
	return m, ok
}

// ChangeNames returns the builtin change names, sorted.
func ChangeNames() []string {
	return sortedNames(changeModules)
}

// ValidationNames returns the builtin validation names, sorted.
func ValidationNames() []string {
	return sortedNames(validationModules)
}

func sortedNames[M any](m map[string]M) []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
