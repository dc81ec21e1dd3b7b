// Package mongo provides a MongoDB-backed implementation of delivery.Store.
// Build the low-level client via features/delivery/mongo/clients/mongo and
// pass it to NewStore so ledgers and session managers in separate processes
// share request records and per-pair sequence counters.
package mongo
