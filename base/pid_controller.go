// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package base

import (
	"fmt"
	"sync"
	"time"
)

// PIDController is a discrete proportional-integral-derivative controller.
// Step only recomputes the output once per dt; faster callers get the last output.
type PIDController struct {
	mtx sync.Mutex

	kp, ki, kd float64
	dt         time.Duration
	target     float64

	integral      float64
	previousError float64
	output        float64
	lastStep      time.Time

	now func() time.Time
}

// NewPIDController creates a controller. now may be nil to use the wall clock.
func NewPIDController(target, kp, ki, kd float64, dt time.Duration, now func() time.Time) *PIDController {
	if now == nil {
		now = time.Now
	}
	return &PIDController{
		kp:       kp,
		ki:       ki,
		kd:       kd,
		dt:       dt,
		target:   target,
		now:      now,
		lastStep: now(),
	}
}

func (pid *PIDController) Step(current float64) float64 {
	pid.mtx.Lock()
	defer pid.mtx.Unlock()

	now := pid.now()
	elapsed := now.Sub(pid.lastStep)
	if elapsed < pid.dt {
		return pid.output
	}

	dtMs := float64(elapsed.Milliseconds())
	if dtMs <= 0 {
		// dt of zero: the integral and derivative terms are undefined
		dtMs = 1
	}
	err := pid.target - current
	pid.integral += err * dtMs
	derivative := (err - pid.previousError) / dtMs
	pid.output = pid.kp*err + pid.ki*pid.integral + pid.kd*derivative
	pid.previousError = err
	pid.lastStep = now
	return pid.output
}

// Reset clears the accumulated state. Gains and target are kept.
func (pid *PIDController) Reset() {
	pid.mtx.Lock()
	defer pid.mtx.Unlock()
	pid.integral = 0
	pid.previousError = 0
	pid.output = 0
	pid.lastStep = pid.now()
}

func (pid *PIDController) SetTarget(target float64) {
	pid.mtx.Lock()
	defer pid.mtx.Unlock()
	pid.target = target
}

func (pid *PIDController) Target() float64 {
	pid.mtx.Lock()
	defer pid.mtx.Unlock()
	return pid.target
}

func (pid *PIDController) Output() float64 {
	pid.mtx.Lock()
	defer pid.mtx.Unlock()
	return pid.output
}

func (pid *PIDController) String() string {
	pid.mtx.Lock()
	defer pid.mtx.Unlock()
	return fmt.Sprintf("PIDController{kp:%v ki:%v kd:%v dt:%v target:%v integral:%v prevErr:%v output:%v}",
		pid.kp, pid.ki, pid.kd, pid.dt, pid.target, pid.integral, pid.previousError, pid.output)
}
