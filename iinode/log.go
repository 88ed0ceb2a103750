// Copyright (c) 2020-2026, The MetaFS Authors.
// SPDX-License-Identifier: Apache-2.0

package iinode

import (
	"github.com/metafs/metafs/ilog"
)

func logFatalf(format string, args ...interface{}) {
	ilog.Fatalf(format, args...)
}

func logWarnf(format string, args ...interface{}) {
	ilog.Warnf(format, args...)
}

func logInfof(format string, args ...interface{}) {
	ilog.Infof(format, args...)
}

func logTracef(format string, args ...interface{}) {
	ilog.Tracef(format, args...)
}
