package logging

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init initializes the global logger. The level comes from the settings debug
// flag, with an ANALYZER_LOG_LEVEL environment override: debug, info, warn,
// error (default: info, or debug when the settings flag is set).
func Init(debug bool) {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	SetLevel(os.Getenv("ANALYZER_LOG_LEVEL"))
}

// SetLevel overrides the global level by name: debug, info, warn, error.
// Empty or unknown names leave the level unchanged.
func SetLevel(name string) {
	switch name {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	}
}

// Emitter receives a copy of every log record at Info level or above.
// The dashboard registers one to mirror logs to connected browsers.
type Emitter func(level string, message string)

type emitterHook struct {
	emit Emitter
}

func (h emitterHook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if level < zerolog.InfoLevel || message == "" {
		return
	}
	h.emit(level.String(), message)
}

// SetEmitter installs an emitter on the global logger. The emitter must not
// block: it runs inline on every logging call site.
func SetEmitter(emit Emitter) {
	log.Logger = log.Logger.Hook(emitterHook{emit: emit})
}
