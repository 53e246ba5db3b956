// Package core provides the connection manager and shared types of the agent
// store.
//
// A Manager owns one database handle for either the embedded SQLite engine
// (modernc.org/sqlite) or a PostgreSQL server (lib/pq). Init opens the
// handle, applies pending schema migrations and is safe to call repeatedly.
// Entity stores (memory, knowledge, goal, room, relationship, cache) run
// every statement through the Manager.
//
// # Key Components
//
//   - Manager: lifecycle, read/write serialization and transactions.
//   - Conn: the handle a callback runs on, either the pool or the open transaction.
//   - Dialect: placeholder rebinding, DSN and DDL for each driver.
//   - StoreError: operation tagged errors with sentinels for errors.Is.
//
// # Transactions
//
// WithTransaction stores the transaction in the context it passes to the
// callback. Store calls made with that context join the transaction, so a
// caller can group several store operations into one atomic unit.
//
// # Observability
//
// Logging goes through the Logger interface (charmbracelet/log by default).
// An Observer receives the duration and outcome of every operation.
package core
