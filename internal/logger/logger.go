// Package logger provides a minimal leveled wrapper over the standard
// library logger, configured from the LOG_LEVEL environment variable.
package logger

import (
	"log"
	"os"
	"strings"
)

// Level represents the logging verbosity.
type Level int

const (
	LevelError Level = iota
	LevelInfo
	LevelDebug
)

var currentLevel Level = LevelInfo

// Init initializes the logger level from the LOG_LEVEL environment variable.
func Init() {
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		currentLevel = LevelDebug
	case "info":
		currentLevel = LevelInfo
	case "error":
		currentLevel = LevelError
	default:
		currentLevel = LevelInfo
	}
}

// Debug logs a debug message (only if LOG_LEVEL=debug).
func Debug(format string, v ...interface{}) {
	if currentLevel >= LevelDebug {
		log.Printf("[DEBUG] "+format, v...)
	}
}

// Info logs an info message (if LOG_LEVEL=info or debug).
func Info(format string, v ...interface{}) {
	if currentLevel >= LevelInfo {
		log.Printf("[INFO] "+format, v...)
	}
}

// Error logs an error message. Always logged.
func Error(format string, v ...interface{}) {
	log.Printf("[ERROR] "+format, v...)
}

// Component logs a structured background-task failure: component name,
// a short code, and a message. Used by lifecycle and cache code that
// must log-and-continue per the error handling policy for background
// tasks.
func Component(component, code, format string, v ...interface{}) {
	Error("[%s:%s] "+format, append([]interface{}{component, code}, v...)...)
}
