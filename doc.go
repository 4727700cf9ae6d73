// Package relay lets a process without a browser complete an OAuth
// authorization-code flow. An HTTP endpoint receives the provider's redirect
// callback and a coordinator correlates it, by the opaque state parameter,
// with a process blocked in WaitForCode on a local socket.
//
// The three moving parts:
//
//   - Coordinator: owns the table of pending waits, keyed by state (or a
//     single-slot sentinel when no state is used), and the local transport
//     waiters register over. Delivery is exactly-once per key; replayed
//     callbacks observe an unmatched outcome because the entry is removed on
//     first resolution.
//   - Handler: the HTTP ingress that normalizes query, form and JSON
//     callbacks into one payload, extracts the authorization code, and calls
//     Deliver. 200 on a match, 404 when no waiter is registered.
//   - WaitForCode: the consumer-side call that registers and suspends until
//     delivery, timeout, supersession or caller cancellation.
//
// The transport is a unix domain socket by default with a loopback TCP
// fallback, carrying newline-delimited JSON in both directions. The
// coordinator never validates state for CSRF purposes; it is an opaque
// correlation key only.
package relay
