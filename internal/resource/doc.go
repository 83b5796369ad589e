// Package resource is the field registry: resources, their attributes, the
// builtin attribute types and the defaults and constraints attached to them.
package resource
