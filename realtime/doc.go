// Package realtime provides a pub/sub client that keeps one WebSocket
// connection to the messaging service and multiplexes named channels over it.
//
// The primary lifecycle is:
//   - construct a client with NewRealtime
//   - Connect, which completes when the service sends CONNECTED
//   - obtain channels with Channel and Attach or Subscribe to them
//   - Detach channels and Close the client when finished
//
// Connect joins an attempt already in flight, and Attach joins a negotiation
// already in flight, so concurrent callers share one outcome and one frame.
// Attach and Detach are guarded by a pending-state timer of
// ClientOptions.RealtimeRequestTimeout: an attach that is not acknowledged in
// time leaves the channel Suspended, a detach that is not acknowledged returns
// it to Attached.
//
// Listeners registered on a Connection, a Channel or a subscription run on an
// emitter goroutine, never inside the call that caused the event. A listener
// that panics is logged and does not affect other listeners.
//
// Errors are *ErrorInfo values carrying the service status code and error code
// where the service supplied them.
//
// Integration tests run against the in-process fake server in
// internal/fakeserver. Tests against a live service are gated on
// REALTIME_TEST_KEY and REALTIME_TEST_HOST.
package realtime
