// Package store provides durable persistence for conversation mappings.
//
// # Architecture
//
// The Store interface is the backend contract consumed by the mapping
// repository. Two implementations ship with deskbridge:
//
//   - SQLiteStore: single-instance deployments (modernc.org/sqlite, no cgo)
//   - PostgresStore: shared deployments, including hosted Postgres such as Supabase
//
// MockStore is an in-memory implementation for tests, with call counting
// and failure injection per operation.
//
// # Identity
//
// A mapping is identified by (ClientConversationID, Platform). Upserts on that
// pair update the existing row, so recreating a platform conversation for a
// resolved mapping replaces its platform ids in place. Reverse lookups match
// either the primary or the alternate platform conversation id.
//
// # Errors
//
// Lookups return ErrNotFound when no row matches. All other failures are
// wrapped with the operation that produced them.
package store
