/*
Package session carries RPCs between consensus servers.

A Registry holds one outbound session per known peer plus transient inbound
connections. Outbound sessions redial forever with capped backoff and send
a Hello both on connect and as keepalive; inbound connections are promoted
to peer sessions on the first message that names its sender. Messages to a
disconnected peer are dropped, never queued: every consensus RPC is
retried by its own protocol.

Received messages are framed as self-delimited JSON objects and queued on
the Incoming channel for the consensus loop; objects that are not valid
messages are logged and dropped without killing the stream, while a JSON
syntax error or read error closes the connection.
*/
package session
