// Package expr implements the expression language used for atomic updates,
// validation conditions and action option templates.
//
// Expressions are immutable trees of sealed node types. The same tree is
// evaluated in memory by Eval, compiled to SQL by package querysql, and
// rendered back to DSL syntax by String.
package expr
