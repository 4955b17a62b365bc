package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger tags the global logger with the app and node role. Call it
// after the logging profile is configured.
func InitLogger(app, role string) zerolog.Logger {
	logger := log.Logger.With().Str("app", app).Str("role", role).Logger()
	log.Logger = logger
	return logger
}
