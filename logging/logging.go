// Discordvoice - Discord voice transport for Go
// Derived from Discordgo, https://github.com/bwmarrin/discordgo

// Copyright 2015-2016 Bruce Marriner <bruce@sqls.net>.  All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package logging configures the logrus standard logger used by every
// discordvoice package.
package logging

import (
	"fmt"
	"runtime"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Output formats accepted by Setup.
const (
	FormatText = "text"
	FormatJSON = "json"
)

var hookOnce sync.Once

// Setup sets the level and formatter of the standard logger and installs
// the SourceCodeHook once.
func Setup(level, format string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}

	formatter, err := newFormatter(format)
	if err != nil {
		return err
	}

	log.SetLevel(lvl)
	log.SetFormatter(formatter)
	hookOnce.Do(func() {
		log.AddHook(&SourceCodeHook{})
	})
	return nil
}

func newFormatter(format string) (log.Formatter, error) {
	switch strings.ToLower(format) {
	case "", FormatText:
		return &log.TextFormatter{FullTimestamp: true}, nil
	case FormatJSON:
		return &log.JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
}

// SourceCodeHook prefixes every message with the file, line and function
// of the logging call.
type SourceCodeHook struct {
}

func (sch *SourceCodeHook) Levels() []log.Level {
	return log.AllLevels
}

func (sch *SourceCodeHook) Fire(e *log.Entry) error {
	frame, ok := callerFrame()
	if !ok {
		return nil
	}
	e.Message = fmt.Sprintf("%s:%d:%s() ", shortFile(frame.File), frame.Line, frame.Function) + e.Message
	return nil
}

const logrusPackage = "github.com/sirupsen/logrus."

// callerFrame returns the first frame above Fire outside logrus.
func callerFrame() (runtime.Frame, bool) {
	pcs := make([]uintptr, 32)
	// skip runtime.Callers, callerFrame and Fire
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	for {
		frame, more := frames.Next()
		if frame.PC != 0 && !strings.HasPrefix(frame.Function, logrusPackage) {
			return frame, true
		}
		if !more {
			return runtime.Frame{}, false
		}
	}
}

// shortFile keeps the last two elements of a source path.
func shortFile(file string) string {
	i := strings.LastIndexByte(file, '/')
	if i <= 0 {
		return file
	}
	if j := strings.LastIndexByte(file[:i], '/'); j >= 0 {
		return file[j+1:]
	}
	return file
}
