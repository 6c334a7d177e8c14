// Package realtime pushes entity change events to browser clients over
// WebSocket, scoped by group membership.
//
// A client connects, then sends its bearer token as the first message. The
// Manager authenticates it through an auth.Checker within the handshake
// timeout and replies on the "auth" channel with "authenticated" or the
// failure message. An authenticated connection becomes a Listener that joins
// one room per group of its user. A rejected connection stays open but never
// joins a room; later messages are discarded. A connection that does not
// authenticate in time is told "authentication timed out" and closed.
//
// Every frame sent to clients has the shape
//
//	{"channel": "<channel>", "message": <message>}
//
// where message is a string on the auth channel and
// {"entity": "<id>", "action": "created|updated|deleted", "data": {...}} on
// the entity channels.
//
// The Dispatcher serializes an event once and delivers it to every listener
// in the targeted rooms, at most once per listener even when the listener
// belongs to several of them. With a broker attached, broadcasts travel
// through the broker so that listeners on every replica receive them.
package realtime
