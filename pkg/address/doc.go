// Package address parses and renders peer addresses of the form
// "tcp:HOST[:PORT]" and "ssl:HOST[:PORT]", including the passive listen
// form ("ptcp:PORT:HOST") and dial/listen helpers.
package address
