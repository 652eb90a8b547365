// Package state provides the persistence contract for resource state
// and three implementations: an in-memory store for tests and offline
// runs, a file store keeping one JSON document per resource, and a
// SQLite store with WAL mode and embedded schema migrations.
//
// A store holds one serialized record per resource identifier, scoped
// to a single logical deployment stage. Implementations guarantee
// read-after-write consistency for a single writer; cross-process
// readers rely on the engine's polling protocol.
package state
