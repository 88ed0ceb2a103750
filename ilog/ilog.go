// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

// Package ilog fronts the process-wide logger. Fatalf is the abort path
// for invariant violations: it never returns.
package ilog

import (
	"io"

	"github.com/sirupsen/logrus"
)

var logger = newLogger()

func newLogger() (l *logrus.Logger) {
	l = logrus.New()
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000000Z07:00",
	})
	l.SetLevel(logrus.InfoLevel)
	return
}

// SetOutput redirects all logging; used by tests to capture or discard.
func SetOutput(w io.Writer) {
	logger.SetOutput(w)
}

// SetTraceEnabled toggles trace-level verbosity.
func SetTraceEnabled(enabled bool) {
	if enabled {
		logger.SetLevel(logrus.TraceLevel)
	} else {
		logger.SetLevel(logrus.InfoLevel)
	}
}

// WithField returns an entry carrying a structured field (typically
// "volume") for all subsequent lines.
func WithField(key string, value interface{}) (entry *logrus.Entry) {
	entry = logger.WithField(key, value)
	return
}

func Tracef(format string, args ...interface{}) {
	logger.Tracef(format, args...)
}

func Infof(format string, args ...interface{}) {
	logger.Infof(format, args...)
}

func Warnf(format string, args ...interface{}) {
	logger.Warnf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	logger.Errorf(format, args...)
}

// Fatalf logs and aborts the process.
func Fatalf(format string, args ...interface{}) {
	logger.Fatalf(format, args...)
}
