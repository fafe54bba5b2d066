// Cavalier is an anonymous, ephemeral group chat where every keystroke is
// live. Participants see each other typing, backspaces included, as it
// happens; there is no "send".
//
//     cavalier -addr=127.0.0.1:3000
//
// Everything is as ephemeral as can be. Messages live in process memory and
// are forgotten on restart. Everyone is Anon.
//
// Start a message by requesting /api/msg/new. The response is the new
// message and the session cookie is now bound to it.
//     curl -c jar -b jar localhost:3000/api/msg/new
//
// Type by opening a websocket to /api/ws/key with the same session cookie
// and sending 4-byte binary frames, each a little-endian Unicode code point.
// Backspace is 08 00 00 00.
//
// Every keystroke accepted by the server is sent to every /api/ws/key
// connection, the author's own included, as an 8-byte binary frame: the
// little-endian code point followed by the little-endian message id.
//
// New messages are announced as JSON text frames on /api/ws/events.
//     {"event":"MessageNew","data":{"id":7,"text":""}}
//
// The full message log, backspaces included, is served by /api/msg/get.
// Rendering a message means popping one code point per backspace.
//
// /api/session/new forgets the caller's session and its message binding.
package main

const (
	// Slots retained by each broadcast bus before slow subscribers lag.
	defaultBusCapacity = 10000

	apiPrefix = "/api"
)
