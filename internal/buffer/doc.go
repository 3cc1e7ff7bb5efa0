// Package buffer provides a generic growable FIFO ring buffer.
//
// The channel client uses it twice:
//   - as the actor mailbox (unbounded, blocking Receive)
//   - as the outbound envelope queue (bounded, oldest-drop, PushFront on failed writes)
package buffer
