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
	"os"
	"sync"
)

// RotatingLogFileWriter is an io.Writer that rolls the engine log over to
// <name>.1 ... <name>.N-1 once the current file would exceed maxLogFileSize
type RotatingLogFileWriter struct {
	logFile             *os.File
	fileName            string
	maxLogFileSize      uint64
	maxNumberOfLogFiles uint64
	mu                  sync.Mutex
}

func NewRotatingLogFileWriter(fileName string, maxLogFileSize, maxNumberOfLogFiles uint64) (*RotatingLogFileWriter, error) {
	if maxNumberOfLogFiles == 0 {
		maxNumberOfLogFiles = 1
	}
	logFile, err := os.OpenFile(fileName, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0660)
	if err != nil {
		return nil, err
	}
	return &RotatingLogFileWriter{
		logFile:             logFile,
		fileName:            fileName,
		maxLogFileSize:      maxLogFileSize,
		maxNumberOfLogFiles: maxNumberOfLogFiles,
	}, nil
}

func (writer *RotatingLogFileWriter) Write(data []byte) (n int, err error) {
	writer.mu.Lock()
	defer writer.mu.Unlock()

	fi, err := writer.logFile.Stat()
	if err != nil {
		return
	}
	if uint64(fi.Size())+uint64(len(data)) < writer.maxLogFileSize {
		return writer.logFile.Write(data)
	}

	if err = writer.rotateLogFiles(); err != nil {
		return
	}
	writer.logFile, err = os.Create(writer.fileName)
	if err != nil {
		return
	}
	return writer.logFile.Write(data)
}

func (writer *RotatingLogFileWriter) Close() error {
	writer.mu.Lock()
	defer writer.mu.Unlock()
	return writer.logFile.Close()
}

func (writer *RotatingLogFileWriter) rotatedName(i uint64) string {
	if i == 0 {
		return writer.fileName
	}
	return fmt.Sprintf("%v.%v", writer.fileName, i)
}

func (writer *RotatingLogFileWriter) rotateLogFiles() error {
	if err := writer.logFile.Close(); err != nil {
		return err
	}

	if writer.maxNumberOfLogFiles == 1 {
		// os.Create truncates the only file
		return nil
	}

	// the oldest file is overwritten once the limit is reached
	highest := uint64(0)
	for i := writer.maxNumberOfLogFiles - 1; i > 0; i-- {
		if fileExists(writer.rotatedName(i)) {
			highest = i
			break
		}
	}
	if highest == writer.maxNumberOfLogFiles-1 {
		highest--
	}
	for i := highest + 1; i > 0; i-- {
		if err := os.Rename(writer.rotatedName(i-1), writer.rotatedName(i)); err != nil {
			return err
		}
	}
	return nil
}

func fileExists(fileName string) bool {
	_, err := os.Stat(fileName)
	return err == nil || !os.IsNotExist(err)
}
