// Package fanout distributes one conversation's inbound events to any number
// of independent consumer callbacks without duplicating the underlying
// transport.
//
// Subscriptions are identified by issued handles rather than callback
// identity, delivery happens in registration order, and a panicking callback
// is isolated from the rest. Subscribing can lazily open the push connection
// through a Connector, which is how consumers drive reconnection: the session
// layer never retries on its own.
package fanout
