// Package session tracks the SSE sessions a relay instance is serving. The
// Registry maps client supplied session ids to live sessions in process; the
// Redis backed Directory records which instance owns each id so that a
// cluster of relays can route messages to the right one.
package session
