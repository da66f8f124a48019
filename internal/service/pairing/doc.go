// Package pairing runs the browser side of an editor session: it verifies
// signed frames arriving over a relay channel, asks the operator to trust
// unknown browser keys, and forwards authenticated change requests to a
// ChangeHandler.
//
// A Socket moves through CONNECTING, OPEN, UNTRUSTED_PENDING, TRUSTED and
// CLOSED. Frames are handled one at a time on the socket's own goroutine;
// change requests are applied on a second goroutine so a slow upload never
// delays a ping.
package pairing
