/*
Package log provides structured logging for swarmfuzz using zerolog.

It wraps a single global zerolog.Logger configured once via Init, with
component-scoped child loggers (WithComponent, WithSenderID,
WithGeneration) so broker, client, and supervisor output can be filtered
and correlated across a multi-process run.

	import "github.com/cuemby/swarmfuzz/pkg/log"

	log.Init(log.Config{Level: log.InfoLevel, JSONOutput: true})
	logger := log.WithComponent("broker").With().Uint32("sender_id", id).Logger()
	logger.Info().Msg("client connected")
*/
package log
