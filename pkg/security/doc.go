/*
Package security manages the TLS material behind ssl peer addresses.

A cluster has one self-signed certificate authority; every server holds a
certificate issued by it. Peer sessions use mutual TLS: both ends present
a cluster-issued certificate and verify the other against the cluster CA,
which replaces hostname verification as the trust anchor (peer addresses
come from the replicated membership, not from certificate subjects).
*/
package security
