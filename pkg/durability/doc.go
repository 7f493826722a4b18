/*
Package durability runs the background fsync worker.

The worker holds the only handle allowed to call Commit on the log store.
The consensus task bumps the requested counter whenever new writes must
become durable; the worker fsyncs and advances the committed counter. Both
counters are monotone and shared under one mutex with a condition variable
for wake-ups. A reply gated on sequence number s may be sent only once
committed >= s; failed fsyncs are logged and retried without advancing
committed.
*/
package durability
