// Package schema defines the data model shared by the replication layer:
// the replicated row envelope, pending mutations, per-table sync metadata,
// and the registry of replicated tables.
//
// Rows are stored with flat fields and last-write-wins semantics. The server
// clock on updated_at is authoritative for conflict resolution; the version
// counter breaks ties when timestamps compare equal.
package schema
