package bus

import "time"

// Event represents a domain event published on the bus.
//
// Kinds are dot-namespaced: "conn." for connection lifecycle, "rt." for
// decoded push events from the transport, "conversation." and "message."
// for state changes produced by the engine, "typing." for indicator
// changes, "unread." for badge totals and "engine." for consumer-facing
// errors.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}
