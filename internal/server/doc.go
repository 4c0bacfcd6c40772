// Package server exposes the live function cache over websocket
// connections.
//
// Each connection owns one Mux mapping client subscription ids to cache
// entries. Messages are msgpack arrays (see package codec):
//
//	client -> server  [subId, "subscribe", name, {user, args}]
//	client -> server  [subId, "unsubscribe"]
//	server -> client  ["subscribed", subId, entryId, value]
//	server -> client  ["data", entryId, value]
//	server -> client  ["error", subId, code, message]
//
// The first message on a connection names its flavor; only "functions" is
// served. Text frames carry the "ping"/"pong" keepalive.
package server
