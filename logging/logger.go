// Copyright (c) 2023 The Woodpeckers Authors. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package logging provides the leveled, multi-sink logging facility
// used across the module, powered by go.uber.org/zap.
//
// Four sinks can be enabled independently and are composed behind one
// zapcore.Tee: the console (stderr, on by default), the system log
// (syslog), a local file with rotation, and a user callback receiving
// level, tag and message. Every logging call carries a tag naming the
// subsystem it originates from.
//
// The environment variable `WOODPECKERS_LOGGING_LEVEL` overrides the
// initial logging level (integer, zapcore.Level values).
package logging

import (
	"fmt"
	"log/syslog"
	"os"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Level is the alias of zapcore.Level.
type Level = zapcore.Level

const (
	// DebugLevel logs are typically voluminous, and are usually disabled in
	// production.
	DebugLevel Level = iota - 1
	// InfoLevel is the default logging priority.
	InfoLevel
	// WarnLevel logs are more important than Info, but don't need individual
	// human review.
	WarnLevel
	// ErrorLevel logs are high-priority. If an application is running smoothly,
	// it shouldn't generate any error-level logs.
	ErrorLevel
)

// Callback receives every record delivered to the callback sink.
type Callback func(level Level, tag string, message string)

var (
	loggingLevel   Level
	consoleEnabled = true
	systemWriter   *syslog.Writer
	fileSink       *lumberjack.Logger
	callback       Callback

	logger *zap.SugaredLogger
)

func init() {
	lvl := os.Getenv("WOODPECKERS_LOGGING_LEVEL")
	if len(lvl) > 0 {
		parsed, err := strconv.ParseInt(lvl, 10, 8)
		if err != nil {
			panic("invalid WOODPECKERS_LOGGING_LEVEL, " + err.Error())
		}
		loggingLevel = Level(parsed)
	}
	rebuild()
}

func getEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.RFC3339NanoTimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

func levelEnabler() zap.LevelEnablerFunc {
	return func(level Level) bool {
		return level >= loggingLevel
	}
}

func rebuild() {
	var cores []zapcore.Core
	if consoleEnabled {
		ws := zapcore.Lock(os.Stderr)
		cores = append(cores, zapcore.NewCore(getEncoder(), ws, levelEnabler()))
	}
	if systemWriter != nil {
		ws := zapcore.Lock(zapcore.AddSync(systemWriter))
		cores = append(cores, zapcore.NewCore(getEncoder(), ws, levelEnabler()))
	}
	if fileSink != nil {
		// lumberjack.Logger is already safe for concurrent use, so we don't need to lock it.
		ws := zapcore.AddSync(fileSink)
		cores = append(cores, zapcore.NewCore(getEncoder(), ws, levelEnabler()))
	}
	if callback != nil {
		cores = append(cores, &callbackCore{enab: levelEnabler(), cb: callback})
	}
	logger = zap.New(zapcore.NewTee(cores...)).Sugar()
}

// SetLevel adjusts the threshold applied to every sink.
func SetLevel(level Level) {
	loggingLevel = level
	rebuild()
}

// LogLevel tells what the current logging level is.
func LogLevel() string {
	return loggingLevel.String()
}

// EnableConsoleOutput switches the stderr sink on or off.
func EnableConsoleOutput(enabled bool) {
	consoleEnabled = enabled
	rebuild()
}

// EnableSystemOutput switches the syslog sink on or off.
func EnableSystemOutput(enabled bool) error {
	if !enabled {
		if systemWriter != nil {
			_ = systemWriter.Close()
			systemWriter = nil
			rebuild()
		}
		return nil
	}
	if systemWriter != nil {
		return nil
	}
	w, err := syslog.New(syslog.LOG_DAEMON|syslog.LOG_INFO, "woodpeckers")
	if err != nil {
		return err
	}
	systemWriter = w
	rebuild()
	return nil
}

// EnableFileOutput directs records into a rotated local file. An empty
// path switches the file sink off.
func EnableFileOutput(path string) {
	if len(path) == 0 {
		fileSink = nil
		rebuild()
		return
	}
	fileSink = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    100, // megabytes
		MaxBackups: 2,
		MaxAge:     15, // days
	}
	rebuild()
}

// EnableCallbackOutput delivers records to cb. A nil cb switches the
// callback sink off.
func EnableCallbackOutput(cb Callback) {
	callback = cb
	rebuild()
}

// Cleanup flushes buffered records in every sink.
func Cleanup() {
	_ = logger.Sync()
}

// Debugf logs messages at DEBUG level under tag.
func Debugf(tag, format string, args ...interface{}) {
	logger.Named(tag).Debugf(format, args...)
}

// Infof logs messages at INFO level under tag.
func Infof(tag, format string, args ...interface{}) {
	logger.Named(tag).Infof(format, args...)
}

// Warnf logs messages at WARN level under tag.
func Warnf(tag, format string, args ...interface{}) {
	logger.Named(tag).Warnf(format, args...)
}

// Errorf logs messages at ERROR level under tag.
func Errorf(tag, format string, args ...interface{}) {
	logger.Named(tag).Errorf(format, args...)
}

// Errnof logs a failed system call at ERROR level, appending err the
// way strerror output reads.
func Errnof(tag string, err error, format string, args ...interface{}) {
	logger.Named(tag).Errorf("%s: %v", fmt.Sprintf(format, args...), err)
}

// callbackCore adapts a Callback into a zapcore.Core.
type callbackCore struct {
	enab zap.LevelEnablerFunc
	cb   Callback
}

func (c *callbackCore) Enabled(level Level) bool {
	return c.enab(level)
}

func (c *callbackCore) With(_ []zapcore.Field) zapcore.Core {
	return c
}

func (c *callbackCore) Check(entry zapcore.Entry, checked *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return checked.AddCore(entry, c)
	}
	return checked
}

func (c *callbackCore) Write(entry zapcore.Entry, _ []zapcore.Field) error {
	c.cb(entry.Level, entry.LoggerName, entry.Message)
	return nil
}

func (c *callbackCore) Sync() error {
	return nil
}
