// Package logging configures the process-wide logrus logger.
package logging

import (
	"io"
	"os"

	"github.com/natefinch/lumberjack"
	log "github.com/sirupsen/logrus"
)

// LogConfig selects the log level and an optional rotating log file.
type LogConfig struct {
	Level   string `yaml:"level" toml:"level"`
	Logfile string `yaml:"logfile" toml:"logfile"`
	MaxSize int    `yaml:"maxLogSize" toml:"max_log_size"` // megabytes
	MaxAge  int    `yaml:"maxLogAge" toml:"max_log_age"`   // days
	// JSON switches to the logrus JSON formatter.
	JSON bool `yaml:"json" toml:"json"`
}

// SetLogger applies c to the standard logrus logger. With a log file, entries
// go both to stderr and to the rotating file; the returned closer releases
// the file. An unknown level falls back to info.
func (c *LogConfig) SetLogger() io.Closer {
	level := log.InfoLevel
	if c != nil && c.Level != "" {
		l, err := log.ParseLevel(c.Level)
		if err != nil {
			log.WithField("level", c.Level).Warn("Unknown log level, using info")
		} else {
			level = l
		}
	}
	log.SetLevel(level)

	if c != nil && c.JSON {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}

	if c == nil || c.Logfile == "" {
		log.SetOutput(os.Stderr)
		log.Debug("Sending log messages to stderr since no log file specified")
		return nopCloser{}
	}
	l := &lumberjack.Logger{
		Filename: c.Logfile,
		MaxSize:  c.MaxSize,
		MaxAge:   c.MaxAge,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, l))
	log.WithField("file", c.Logfile).Info("Sending log messages to rotating log file")
	return l
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
