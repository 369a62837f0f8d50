package logging

import (
	"fmt"
	"io"
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/weaveworks/promrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// MustConfigureApplicationLogging sets up the standard logger from config.
// Note that this function will immediately shut down the application if it fails.
func MustConfigureApplicationLogging(config Config) {
	if err := ConfigureApplicationLogging(log.StandardLogger(), config); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Error initializing logging: "+err.Error())
		os.Exit(1)
	}
}

// ConfigureApplicationLogging applies config to logger: level, formatter, an optional rotated log file and an
// optional prometheus hook.
func ConfigureApplicationLogging(logger *log.Logger, config Config) error {
	if err := validate(config); err != nil {
		return err
	}
	level, err := parseLogLevel(config.Level)
	if err != nil {
		return err
	}
	logger.SetLevel(level)
	logger.SetFormatter(formatter(config.Format))

	var out io.Writer = os.Stdout
	if config.File.Enabled {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   config.File.LogFile,
			MaxSize:    config.File.MaxSizeMb,
			MaxBackups: config.File.MaxBackups,
			MaxAge:     config.File.MaxAgeDays,
			Compress:   config.File.Compress,
		})
	}
	logger.SetOutput(out)

	if config.ExportMetrics {
		hook, err := promrus.NewPrometheusHook()
		if err != nil {
			return err
		}
		logger.AddHook(hook)
	}
	return nil
}

func formatter(format string) log.Formatter {
	if format == FormatJson {
		return &log.JSONFormatter{TimestampFormat: RFC3339Milli}
	}
	return &log.TextFormatter{FullTimestamp: true, TimestampFormat: RFC3339Milli}
}
