// Package ir provides the value model and resource definition types shared
// by every other package.
//
// This package imports nothing internal. Key constraints:
//   - NO float types anywhere; numbers are int64
//   - IRNull is an explicit value so nullable attributes round-trip
//   - All JSON tags use snake_case
//   - Content-addressed ids use canonical JSON (RFC 8785) with domain separation
package ir
