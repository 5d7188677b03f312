package grace

import (
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// LogConfig is a set of logging options shared by all binaries
type LogConfig struct {
	LogLevel  string `help:"Minimal level of log messages" enum:"debug,info,warn,error" default:"info" env:"SKULD_LOG_LEVEL"`
	LogFormat string `help:"Log output format" enum:"logfmt,json" default:"logfmt"`
}

func levelFilter(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}

// NewLogger creates a structured logger writing to w
func (c LogConfig) NewLogger(w io.Writer) log.Logger {
	var logger log.Logger
	if c.LogFormat == "json" {
		logger = log.NewJSONLogger(log.NewSyncWriter(w))
	} else {
		logger = log.NewLogfmtLogger(log.NewSyncWriter(w))
	}

	logger = level.NewFilter(logger, levelFilter(c.LogLevel))
	return log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)
}
