// Package client is the client side of the live connection.
//
// WebSocket is a Connection that dials, names its flavor, keeps itself alive
// with text pings and reconnects after failures. Multiplexer layers live
// function channels over a Connection: one channel per (name, args) key,
// single-flight fetches, reference-counted observers, and automatic
// resubscription whenever the connection reopens.
package client
