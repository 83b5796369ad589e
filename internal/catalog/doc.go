// Package catalog binds compiled resource definitions to runtime values.
//
// Build turns each ir.ResourceSpec into a *resource.Resource on a data layer
// and each of its actions into an *action.Action: type names resolve to
// resource types, expression strings are parsed, and change and validation
// names resolve to modules. Unknown names fail the build, so a Catalog that
// exists is runnable.
package catalog
