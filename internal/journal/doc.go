// Package journal records channel state transitions in PostgreSQL.
//
// Each transition observed on a channel becomes one row in
// channel_transitions. Rows are buffered and written in batches so a slow
// database never blocks a channel. This is connection diagnostics, not message
// history; message payloads are never stored.
package journal
