// Package storage persists what survives between pipeline runs.
//
// It holds:
//   - The last normalized snapshot per catalog kind (plus the raw page data)
//   - The dedup ledger of delivered notification events
//   - Run reports (deltas, counts, notify outcome)
//
// Snapshots are load-or-empty: a missing or corrupt snapshot reads as an
// empty list. The ledger is not: a corrupt ledger is an error.
package storage
