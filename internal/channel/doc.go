// Package channel implements a resilient real-time connection to one server
// endpoint.
//
// A Channel:
//   - Dials with a bearer token attached to the URL
//   - Queues outbound envelopes while not connected and flushes them in order
//   - Probes liveness with ping/pong and force-closes stale connections
//   - Reconnects with bounded exponential backoff until the budget runs out
//   - Dispatches inbound envelopes to handlers registered by type
//
// The duel and notify packages build their channels on top of this one.
package channel
