package logging

import (
	"strings"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
)

const (
	FormatText = "text"
	FormatJson = "json"
)

var validLogFormats = map[string]bool{
	FormatText: true,
	FormatJson: true,
}

// Config defines dispatcher logging configuration.
type Config struct {
	// Log level, e.g. INFO, ERROR etc
	Level string
	// Logging format, either text or json
	Format string
	// If true, the number of log lines per level is exported as a prometheus counter.
	ExportMetrics bool
	// Defines configuration for file logging, in addition to stdout.
	File struct {
		Enabled bool
		// The Location of the logfile on disk
		LogFile string
		// Maximum size in megabytes of the log file before it gets rotated
		MaxSizeMb int
		// Maximum number of old log files to retain
		MaxBackups int
		// Maximum number of days to retain old log files
		MaxAgeDays int
		// Whether to compress rotated log files
		Compress bool
	}
}

func validate(c Config) error {
	if _, err := parseLogLevel(c.Level); err != nil {
		return err
	}
	if err := validateLogFormat(c.Format); err != nil {
		return err
	}
	if c.File.Enabled {
		if c.File.LogFile == "" {
			return errors.New("file.logFile must be set when file logging is enabled")
		}
		if c.File.MaxSizeMb <= 0 {
			return errors.New("file.maxSizeMb must be greater than zero")
		}
	}
	return nil
}

func validateLogFormat(f string) error {
	if _, ok := validLogFormats[f]; !ok {
		return errors.Errorf("unknown log format: %s.  Valid formats are %s", f, maps.Keys(validLogFormats))
	}
	return nil
}

func parseLogLevel(level string) (log.Level, error) {
	if strings.TrimSpace(level) == "" {
		return log.InfoLevel, nil
	}
	l, err := log.ParseLevel(level)
	if err != nil {
		return log.InfoLevel, errors.Errorf("unknown level: %s", level)
	}
	return l, nil
}
