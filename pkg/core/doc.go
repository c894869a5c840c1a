// Package core holds the data model shared by every conceptdb component.
//
// It defines concepts and associations, the error taxonomy used on the wire, the
// similarity metrics of the vector index and the pluggable Logger interface.
//
// # Key Components
//
//   - Concept: a knowledge node with content, optional embedding and an adaptive strength in [1, 10].
//   - Association: a directed, typed edge with confidence and weight, reinforced on traversal.
//   - Error / Kind: operation-scoped errors classified as NotFound, AuthFailed, Timeout, ...
//   - Logger: structured logging, backed by charmbracelet/log by default.
package core
