/*
Package rpc defines the consensus wire messages and their JSON codec.

Every message embeds a Common envelope: type, sender, receiver, and
cluster id. Receivers reject misaddressed messages, adopt the cluster id
if they have none, and otherwise require a match; only Hello and
AddServerRequest may omit it, since a joining server sends those before it
knows the cluster. Messages travel as a stream of self-delimited JSON
objects; an object that is not a valid message surfaces as a ParseError
that the session layer drops without closing the connection, while a JSON
syntax error ends the connection.
*/
package rpc
