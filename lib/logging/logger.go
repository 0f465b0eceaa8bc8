// Package logging provides the logger setup for the hazel store.
// All packages obtain named loggers through the dragonboat logger facade,
// e.g. logger.GetLogger("store").
package logging

import (
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/lni/dragonboat/v4/logger"
)

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboat's logger.ILogger)
// --------------------------------------------------------------------------

// hazelLogger implements the ILogger interface with custom formatting
type hazelLogger struct {
	name   string
	level  logger.LogLevel
	logger *log.Logger
}

func (l *hazelLogger) SetLevel(level logger.LogLevel) {
	l.level = level
}

func (l *hazelLogger) Debugf(format string, args ...interface{}) {
	if l.level >= logger.DEBUG {
		l.log("DEBUG", format, args...)
	}
}

func (l *hazelLogger) Infof(format string, args ...interface{}) {
	if l.level >= logger.INFO {
		l.log("INFO", format, args...)
	}
}

func (l *hazelLogger) Warningf(format string, args ...interface{}) {
	if l.level >= logger.WARNING {
		l.log("WARN", format, args...)
	}
}

func (l *hazelLogger) Errorf(format string, args ...interface{}) {
	if l.level >= logger.ERROR {
		l.log("ERROR", format, args...)
	}
}

func (l *hazelLogger) Panicf(format string, args ...interface{}) {
	if l.level >= logger.CRITICAL {
		panic(fmt.Sprintf(format, args...))
	}
}

// log formats and writes a log message. this internal helper is used by the public methods
func (l *hazelLogger) log(levelStr string, format string, args ...interface{}) {
	message := fmt.Sprintf(format, args...)
	l.logger.Printf("%-5s | %-15s | %s", levelStr, l.name, message)
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the dragonboat logger Factory interface
func CreateLogger(pkgName string) logger.ILogger {
	stdLogger := log.New(os.Stdout, "", log.Ldate|log.Ltime)

	return &hazelLogger{
		name:   pkgName,
		level:  logger.INFO,
		logger: stdLogger,
	}
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) logger.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG
	case "info":
		return logger.INFO
	case "warning", "warn":
		return logger.WARNING
	case "error":
		return logger.ERROR
	default:
		panic(fmt.Sprintf("invalid log level: %s. must be one of debug, info, warn, error", level))
	}
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

// InitLoggers installs the custom factory and configures the named loggers
// used across the store packages.
func InitLoggers(level string) {
	logger.SetLoggerFactory(CreateLogger)

	logger.GetLogger("store").SetLevel(ParseLogLevel(level))
	logger.GetLogger("hlog").SetLevel(ParseLogLevel(level))
	logger.GetLogger("readcache").SetLevel(ParseLogLevel(level))
	logger.GetLogger("index").SetLevel(ParseLogLevel(level))
	logger.GetLogger("locktable").SetLevel(ParseLogLevel(level))
	logger.GetLogger("epoch").SetLevel(ParseLogLevel(level))
	logger.GetLogger("device").SetLevel(ParseLogLevel(level))
}
