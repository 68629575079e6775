// Package logging provides the leveled print-style helpers used across
// every tier of the delivery pipeline: plain stdlib log.Printf gated by
// package-level toggles, rather than a structured logging dependency.
package logging

import (
	"fmt"
	"log"
	"time"
)

// Levels are independently toggled so a single binary can run with, say,
// ShowWarn on and ShowTrace off.
var (
	ShowDebug = false
	ShowTrace = false
	ShowWarn  = true
)

func timestamp() string {
	return time.Now().Format("15:04:05.000")
}

// Debugf logs operational detail: state transitions, retries, dequeues.
func Debugf(format string, a ...interface{}) {
	if ShowDebug {
		log.Printf(timestamp()+" <---> "+format, a...)
	}
}

// Tracef logs high-volume per-message detail, off by default.
func Tracef(format string, a ...interface{}) {
	if ShowTrace {
		log.Printf(timestamp()+" <---> "+format, a...)
	}
}

// Warnf logs a recoverable anomaly: a retried transport error, a refused
// queue insert. Not a failure of the calling operation.
func Warnf(format string, a ...interface{}) {
	if ShowWarn {
		log.Printf("[WARN] "+format, a...)
	}
}

// Fatal logs an unrecoverable startup fault (bad config, storage refused
// to open) and terminates. Never called from the steady-state request
// path — those errors must propagate as errors, not panics.
func Fatal(format string, a ...interface{}) {
	log.Fatalf(format, a...)
}

// String renders a value for a log line via fmt, used for the occasional
// one-off diagnostic where a JSON dump is unnecessary.
func String(v interface{}) string {
	return fmt.Sprintf("%+v", v)
}
