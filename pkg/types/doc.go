// Package types is the data model shared across Ralph's components. It
// holds the record shapes the store, queue driver, and workers exchange,
// plus the small derivations (status/label mapping, lease validity)
// that are cheap to keep next to the struct definitions they operate on.
package types
