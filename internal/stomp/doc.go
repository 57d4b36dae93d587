// Package stomp implements the text frame codec for the upstream feed:
// a command line, colon-delimited headers, a blank line, an optional body,
// and a NUL terminator. A bare newline is a heartbeat.
package stomp
