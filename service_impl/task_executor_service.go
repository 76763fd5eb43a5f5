// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package service_impl

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/couchbase/goep/log"
	"github.com/couchbase/goep/service_def"
	"github.com/rcrowley/go-metrics"
)

const (
	TasksScheduledMetric = "tasks_scheduled"
	TaskRunsMetric       = "task_runs"
	TaskPanicsMetric     = "task_panics"
)

// TaskExecutorSvc runs every scheduled task on its own goroutine. A task's
// first run is immediate.
type TaskExecutorSvc struct {
	name string

	// guards stopped against Schedule racing with Stop
	lock    sync.RWMutex
	stopped bool
	finch   chan bool
	waitGrp sync.WaitGroup

	registry metrics.Registry
	logger   *log.CommonLogger
}

func NewTaskExecutorSvc(name string, logger_ctx *log.LoggerContext) *TaskExecutorSvc {
	executor := &TaskExecutorSvc{
		name:     name,
		finch:    make(chan bool),
		registry: metrics.NewRegistry(),
		logger:   log.NewLogger("TaskExecutor", logger_ctx),
	}
	executor.registry.Register(TasksScheduledMetric, metrics.NewCounter())
	executor.registry.Register(TaskRunsMetric, metrics.NewCounter())
	executor.registry.Register(TaskPanicsMetric, metrics.NewCounter())
	return executor
}

func (e *TaskExecutorSvc) Schedule(task service_def.Task, snooze time.Duration) {
	e.lock.RLock()
	defer e.lock.RUnlock()
	if e.stopped {
		e.logger.Warnf("%v is stopped, dropping %v", e.name, task.Description())
		return
	}
	e.counter(TasksScheduledMetric).Inc(1)
	e.waitGrp.Add(1)
	go e.runTask(task, snooze)
}

func (e *TaskExecutorSvc) runTask(task service_def.Task, snooze time.Duration) {
	defer e.waitGrp.Done()

	timer := time.NewTimer(snooze)
	defer timer.Stop()
	for {
		select {
		case <-e.finch:
			e.logger.Debugf("%v stopping %v", e.name, task.Description())
			return
		default:
		}

		if !e.runOnce(task) {
			return
		}

		timer.Reset(snooze)
		select {
		case <-e.finch:
			return
		case <-timer.C:
		}
	}
}

// runOnce reports whether task wants to run again. A panicking task is
// logged and dropped.
func (e *TaskExecutorSvc) runOnce(task service_def.Task) (again bool) {
	defer func() {
		if r := recover(); r != nil {
			e.counter(TaskPanicsMetric).Inc(1)
			e.logger.Errorf("%v task %v panicked: %v\n%s", e.name, task.Description(), r, debug.Stack())
			again = false
		}
	}()
	e.counter(TaskRunsMetric).Inc(1)
	return task.Run()
}

// Stop stops scheduling and waits for running tasks to return from Run
func (e *TaskExecutorSvc) Stop() {
	e.lock.Lock()
	if e.stopped {
		e.lock.Unlock()
		return
	}
	e.stopped = true
	close(e.finch)
	e.lock.Unlock()

	e.waitGrp.Wait()
	e.logger.Infof("%v stopped", e.name)
}

func (e *TaskExecutorSvc) IsStopped() bool {
	e.lock.RLock()
	defer e.lock.RUnlock()
	return e.stopped
}

func (e *TaskExecutorSvc) counter(name string) metrics.Counter {
	return e.registry.Get(name).(metrics.Counter)
}

func (e *TaskExecutorSvc) AddStats(addStat func(key, value string)) {
	e.registry.Each(func(name string, metric interface{}) {
		if counter, ok := metric.(metrics.Counter); ok {
			addStat(e.name+":"+name, fmt.Sprintf("%v", counter.Count()))
		}
	})
}
