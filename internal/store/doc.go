// Package store provides persistent coordination state for entropy-core using SQLite.
//
// # Architecture
//
// All cross-agent coordination flows through this package. The Store interface
// exposes atomic conditional-update primitives; SQLiteStore implements them as
// single UPDATE statements so that claim and the owner-checked mutations can
// never interleave with a competing writer.
//
// # Data Models
//
//   - Task: a unit of work with lease fields (owner, lease_expiry). The lease
//     is modeled as columns on the task row, not a separate entity, so a claim
//     is one atomic write.
//   - Agent: a registered worker identity with role, status, and heartbeat.
//   - AuditEvent: immutable trail of task/agent/system actions.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA busy_timeout=5000;
//
// Task and agent timestamps are stored as unix nanoseconds so lease deadline
// comparisons are exact; audit timestamps are RFC 3339 text.
//
// # Error Handling
//
//   - ErrNotFound: requested entity does not exist
//   - ErrDuplicateTask: task id already enqueued (callers treat as success)
//   - ErrNotOwner: mutation attempted by a non-owner or after reclaim
//
// All methods accept context.Context for cancellation support.
//
// # Testing
//
// Use NewSQLiteStore(":memory:") or a t.TempDir path for tests with real SQLite.
package store
