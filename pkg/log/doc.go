/*
Package log provides structured logging for Corral using zerolog.

The log package wraps the zerolog library to provide JSON-structured logging
with component-specific child loggers, configurable log levels, and helper
functions for common logging patterns. All logs include timestamps and
support filtering by severity for production debugging.

Initializing the logger:

	log.Init(log.Config{
		Level:      log.InfoLevel,
		JSONOutput: true,
		Output:     os.Stderr,
	})

Component loggers:

	raftLog := log.WithServerID(sid.Short()).With().
		Str("component", "consensus").Logger()
	raftLog.Info().Uint64("term", 3).Msg("became leader")

	storeLog := log.WithComponent("storage")
	storeLog.Error().Err(err).Msg("fsync failed")

Top-level code without a component context uses the plain helpers:

	log.Info("shutting down")
	log.Errorf("metrics endpoint failed", err)

Use typed fields (.Str, .Uint64, .Err) rather than string interpolation so
logs stay queryable by aggregation tools.
*/
package log
