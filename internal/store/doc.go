// Package store is the Event Store: the single owner of all durable rows
// (calendar events, bots, bot events, capacity requests).
//
// All other components hold identifiers only and re-read current state
// before acting; nothing caches authoritative state across scheduling
// cycles.
package store
