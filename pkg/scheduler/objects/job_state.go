/*
 Licensed to the Apache Software Foundation (ASF) under one
 or more contributor license agreements.  See the NOTICE file
 distributed with this work for additional information
 regarding copyright ownership.  The ASF licenses this file
 to you under the Apache License, Version 2.0 (the
 "License"); you may not use this file except in compliance
 with the License.  You may obtain a copy of the License at

     http://www.apache.org/licenses/LICENSE-2.0

 Unless required by applicable law or agreed to in writing, software
 distributed under the License is distributed on an "AS IS" BASIS,
 WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 See the License for the specific language governing permissions and
 limitations under the License.
*/

package objects

import (
	"context"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/log"
)

// ----------------------------------
// job events
// ----------------------------------
type jobEvent int

const (
	MatchJob jobEvent = iota
	DeferJob
	RejectJob
	StartJob
	CompleteJob
	RequeueJob
)

func (je jobEvent) String() string {
	return [...]string{"matchJob", "deferJob", "rejectJob", "startJob", "completeJob", "requeueJob"}[je]
}

// ----------------------------------
// job states, the names are used on the wire and in the durable records
// ----------------------------------
const (
	StatusNeverMatch = "nevermatch"
	StatusWait       = "wait"
	StatusReady      = "ready"
	StatusRun        = "run"
	StatusDone       = "done"
)

// ----------------------------------
// priorities in evaluation order
// ----------------------------------
const (
	PriorityBlock = "block"
	PriorityHigh  = "high"
	PriorityMed   = "med"
	PriorityLow   = "low"
)

// PriorityOrder is the fixed order in which the priority classes are evaluated by a refresh pass.
var PriorityOrder = []string{PriorityBlock, PriorityHigh, PriorityMed, PriorityLow}

func isValidPriority(priority string) bool {
	for _, p := range PriorityOrder {
		if p == priority {
			return true
		}
	}
	return false
}

// newJobState creates the state machine for a job starting in the given state.
func newJobState(initial string) *fsm.FSM {
	return fsm.NewFSM(
		initial, fsm.Events{
			{
				Name: MatchJob.String(),
				Src:  []string{StatusWait},
				Dst:  StatusReady,
			}, {
				Name: DeferJob.String(),
				Src:  []string{StatusReady},
				Dst:  StatusWait,
			}, {
				Name: RejectJob.String(),
				Src:  []string{StatusWait, StatusReady},
				Dst:  StatusNeverMatch,
			}, {
				Name: StartJob.String(),
				Src:  []string{StatusReady},
				Dst:  StatusRun,
			}, {
				Name: CompleteJob.String(),
				Src:  []string{StatusNeverMatch, StatusWait, StatusReady, StatusRun},
				Dst:  StatusDone,
			}, {
				Name: RequeueJob.String(),
				Src:  []string{StatusRun},
				Dst:  StatusWait,
			},
		},
		fsm.Callbacks{
			// The first argument must always be the Job that owns the state machine.
			"enter_state": func(_ context.Context, event *fsm.Event) {
				job := event.Args[0].(*Job) //nolint:errcheck
				log.Log(log.SchedFSM).Debug("job state transition",
					zap.String("pid", job.PID),
					zap.String("source", event.Src),
					zap.String("destination", event.Dst),
					zap.String("event", event.Event))
				job.Status = event.Dst
			},
		},
	)
}
