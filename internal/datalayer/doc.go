// Package datalayer defines the storage boundary: the DataLayer interface,
// capability names and the Write shape that carries concrete values and
// atomic expressions to a backend.
//
// Backends live in subpackages: memory (in-process, evaluates expressions
// itself) and sqldl (SQLite and Postgres, compiles expressions to SQL).
package datalayer
