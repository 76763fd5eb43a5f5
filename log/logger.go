// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package log

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
)

type LogLevel int32

const (
	LogLevelFatal LogLevel = iota
	LogLevelError
	LogLevelWarn
	// LogLevelInfo log messages for info
	LogLevelInfo
	// LogLevelDebug log messages for info and debug
	LogLevelDebug
	// LogLevelTrace log messages info, debug and trace
	LogLevelTrace
)

const (
	LOG_LEVEL_FATAL_STR string = "Fatal"
	LOG_LEVEL_ERROR_STR string = "Error"
	LOG_LEVEL_WARN_STR  string = "Warn"
	LOG_LEVEL_INFO_STR  string = "Info"
	LOG_LEVEL_DEBUG_STR string = "Debug"
	LOG_LEVEL_TRACE_STR string = "Trace"
)

const engineLogFileName = "memcached.ep.log"

type CommonLogger struct {
	logger  *log.Logger
	module  string
	context *LoggerContext
}

// LoggerContext is shared by every logger created from it, so a level change
// applies to all of them at once
type LoggerContext struct {
	Log_file  io.Writer
	Log_level LogLevel
}

func (ctx *LoggerContext) level() LogLevel {
	return LogLevel(atomic.LoadInt32((*int32)(&ctx.Log_level)))
}

func (ctx *LoggerContext) SetLogLevel(level LogLevel) {
	atomic.StoreInt32((*int32)(&ctx.Log_level), int32(level))
}

func CopyCtx(ctx_to_copy *LoggerContext) *LoggerContext {
	return &LoggerContext{Log_file: ctx_to_copy.Log_file,
		Log_level: ctx_to_copy.level()}
}

var DefaultLoggerContext = &LoggerContext{os.Stdout, LogLevelInfo}

var initOnce sync.Once

// Init redirects the default logger context to a rotating log file under logFileDir.
// Only the first call has any effect.
func Init(logFileDir string, maxLogFileSize, maxNumberOfLogFiles uint64) error {
	var err error
	initOnce.Do(func() {
		var writer *RotatingLogFileWriter
		writer, err = NewRotatingLogFileWriter(filepath.Join(logFileDir, engineLogFileName), maxLogFileSize, maxNumberOfLogFiles)
		if err != nil {
			return
		}
		DefaultLoggerContext.Log_file = writer
	})
	return err
}

func NewLogger(module string, logger_context *LoggerContext) *CommonLogger {
	context := DefaultLoggerContext
	if logger_context != nil {
		context = logger_context
	}
	l := log.New(context.Log_file, "", log.Ldate|log.Lmicroseconds)
	return &CommonLogger{logger: l, module: module, context: context}
}

func (l *CommonLogger) logMsgf(level LogLevel, prefix string, format string, v ...interface{}) {
	if l.context.level() >= level {
		l.logger.Printf(prefix+l.module+": "+format, v...)
	}
}

func (l *CommonLogger) logMsg(level LogLevel, prefix string, msg string) {
	if l.context.level() >= level {
		l.logger.Println(prefix + l.module + ": " + msg)
	}
}

// Fatalf logs unconditionally and panics. Reserved for broken internal invariants.
func (l *CommonLogger) Fatalf(format string, v ...interface{}) {
	msg := fmt.Sprintf(format, v...)
	l.logMsg(LogLevelFatal, "[FATAL] ", msg)
	panic(l.module + ": " + msg)
}

func (l *CommonLogger) Errorf(format string, v ...interface{}) {
	l.logMsgf(LogLevelError, "[ERROR] ", format, v...)
}

func (l *CommonLogger) Warnf(format string, v ...interface{}) {
	l.logMsgf(LogLevelWarn, "[WARN] ", format, v...)
}

func (l *CommonLogger) Infof(format string, v ...interface{}) {
	l.logMsgf(LogLevelInfo, "[INFO] ", format, v...)
}

func (l *CommonLogger) Debugf(format string, v ...interface{}) {
	l.logMsgf(LogLevelDebug, "[DEBUG] ", format, v...)
}

func (l *CommonLogger) Tracef(format string, v ...interface{}) {
	l.logMsgf(LogLevelTrace, "[TRACE] ", format, v...)
}

func (l *CommonLogger) Error(msg string) {
	l.logMsg(LogLevelError, "[ERROR] ", msg)
}

func (l *CommonLogger) Warn(msg string) {
	l.logMsg(LogLevelWarn, "[WARN] ", msg)
}

func (l *CommonLogger) Info(msg string) {
	l.logMsg(LogLevelInfo, "[INFO] ", msg)
}

func (l *CommonLogger) Debug(msg string) {
	l.logMsg(LogLevelDebug, "[DEBUG] ", msg)
}

func (l *CommonLogger) GetLogLevel() LogLevel {
	return l.context.level()
}

func (l *CommonLogger) LoggerContext() *LoggerContext {
	return l.context
}

func LogLevelFromStr(levelStr string) (LogLevel, error) {
	var level LogLevel
	switch levelStr {
	case LOG_LEVEL_FATAL_STR:
		level = LogLevelFatal
	case LOG_LEVEL_ERROR_STR:
		level = LogLevelError
	case LOG_LEVEL_WARN_STR:
		level = LogLevelWarn
	case LOG_LEVEL_INFO_STR:
		level = LogLevelInfo
	case LOG_LEVEL_DEBUG_STR:
		level = LogLevelDebug
	case LOG_LEVEL_TRACE_STR:
		level = LogLevelTrace
	default:
		return -1, fmt.Errorf("%v is not a valid log level", levelStr)
	}
	return level, nil
}

func (level LogLevel) String() string {
	switch level {
	case LogLevelFatal:
		return LOG_LEVEL_FATAL_STR
	case LogLevelError:
		return LOG_LEVEL_ERROR_STR
	case LogLevelWarn:
		return LOG_LEVEL_WARN_STR
	case LogLevelInfo:
		return LOG_LEVEL_INFO_STR
	case LogLevelDebug:
		return LOG_LEVEL_DEBUG_STR
	case LogLevelTrace:
		return LOG_LEVEL_TRACE_STR
	}
	return ""
}
