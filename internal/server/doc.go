// Package server accepts protocol connections and runs one session per
// connection against the vDC registry.
//
// Each session moves through Connected, Handshaking, Active, Closing and
// Closed. The first frame must be a Hello; afterwards requests are answered
// in order by a dedicated writer goroutine. A malformed frame gets an Error
// reply and ends that session only.
//
// Stop closes the listener, interrupts every blocking read, lets sessions
// flush a Bye within the shutdown grace period and force-closes whatever is
// left, so it always returns with no live sessions.
package server
