// @author Couchbase <info@couchbase.com>
// @copyright 2014 Couchbase, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package common

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/ss-govern/govern/log"
)

/////////////////////////////////////////////////////////////////////////////
// Type Declaration
/////////////////////////////////////////////////////////////////////////////

type RunStatus int32

const (
	RUNNING RunStatus = iota
	FATAL
	STOPPED
)

//
// RunState is the cancellation token shared by every long running loop of
// a process.  It is created once at startup and handed to each component.
// The status only ever moves away from RUNNING; the first transition
// cancels Context() so that blocked goroutines wake up.
//
type RunState struct {
	status atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc

	mutex sync.Mutex
	cause error
}

/////////////////////////////////////////////////////////////////////////////
// Public Function
/////////////////////////////////////////////////////////////////////////////

func NewRunState(parent context.Context) *RunState {
	if parent == nil {
		parent = context.Background()
	}

	s := &RunState{}
	s.ctx, s.cancel = context.WithCancel(parent)

	// A cancelled parent is a request to stop.
	context.AfterFunc(parent, func() {
		s.Stop()
	})

	return s
}

func (s *RunState) Status() RunStatus {
	return RunStatus(s.status.Load())
}

func (s *RunState) IsRunning() bool {
	return s.Status() == RUNNING
}

//
// Move to FATAL.  Return false if the state had already left RUNNING.
//
func (s *RunState) Fatal(cause error) bool {
	if !s.transition(FATAL, cause) {
		return false
	}
	if cause != nil {
		log.Current.Errorf("RunState.Fatal() : %v", cause)
	} else {
		log.Current.Errorf("RunState.Fatal() : no cause given")
	}
	return true
}

//
// Move to STOPPED.  Return false if the state had already left RUNNING.
//
func (s *RunState) Stop() bool {
	if !s.transition(STOPPED, nil) {
		return false
	}
	log.Current.Infof("RunState.Stop() : shutting down")
	return true
}

func (s *RunState) Context() context.Context {
	return s.ctx
}

func (s *RunState) Done() <-chan struct{} {
	return s.ctx.Done()
}

//
// Return the error passed to the transition that ended RUNNING, if any.
//
func (s *RunState) Err() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.cause
}

func (s RunStatus) String() string {
	switch s {
	case RUNNING:
		return "RUNNING"
	case FATAL:
		return "FATAL"
	case STOPPED:
		return "STOPPED"
	}
	return "UNKNOWN"
}

/////////////////////////////////////////////////////////////////////////////
// Private Function
/////////////////////////////////////////////////////////////////////////////

func (s *RunState) transition(to RunStatus, cause error) bool {
	s.mutex.Lock()
	if !s.status.CompareAndSwap(int32(RUNNING), int32(to)) {
		s.mutex.Unlock()
		return false
	}
	s.cause = cause
	s.mutex.Unlock()

	s.cancel()
	return true
}
