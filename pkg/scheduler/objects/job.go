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
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/common"
	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/webservice/dao"
)

const (
	KeyCommand     = "command"
	KeyPID         = "pid"
	KeyUser        = "user"
	KeyCommandline = "commandline"
	KeyRequire     = "require"
	KeyPriority    = "priority"
	KeyStatus      = "status"
	KeyHosts       = "hosts"
	KeyReason      = "reason"
	KeyTimeSub     = "time_sub"
	KeyTimeRun     = "time_run"
	KeySpoolFname  = "spool_fname"
	KeySpoolWait   = "spool_wait"

	ReasonUserLimits = "user limits exceeded"
)

// keys owned by the job record, everything else a client sends is passed through untouched
var reservedKeys = map[string]bool{
	KeyCommand:     true,
	KeyPID:         true,
	KeyUser:        true,
	KeyCommandline: true,
	KeyRequire:     true,
	KeyPriority:    true,
	KeyStatus:      true,
	KeyHosts:       true,
	KeyReason:      true,
	KeyTimeSub:     true,
	KeyTimeRun:     true,
	KeySpoolFname:  true,
	KeySpoolWait:   true,
}

// Job is one submitted unit of work, identified by the pid of the process that waits for it.
// A job is only modified by the scheduler while holding its lock.
type Job struct {
	PID         string
	User        string
	Commandline string
	Require     Require
	Priority    string
	Status      string
	Hosts       []string // one entry per reserved core
	Reason      string
	TimeSub     float64
	TimeRun     float64 // zero until the job starts
	SpoolFname  string
	SpoolWait   float64
	Extra       map[string]interface{}

	nevermatchPasses int
	stateMachine     *fsm.FSM
}

// NewJob creates a job from the fields of a submit request.
// A job that misses a required field or uses an unknown priority is created in the nevermatch state with the reason set.
func NewJob(fields map[string]interface{}, now time.Time) *Job {
	job := &Job{
		Status:  StatusWait,
		Require: Require{},
		TimeSub: common.UnixSeconds(now),
		Extra:   make(map[string]interface{}),
	}
	for key, val := range fields {
		if !reservedKeys[key] {
			job.Extra[key] = val
		}
	}
	var reason string
	_, hasRequire := fields[KeyRequire]
	_, hasPID := fields[KeyPID]
	_, hasUser := fields[KeyUser]
	_, hasCommandline := fields[KeyCommandline]
	switch {
	case !hasRequire:
		reason = "'require' field not in message"
	case !hasPID:
		reason = "'pid' field not in message"
	case !hasUser:
		reason = "'user' field not in message"
	case !hasCommandline:
		reason = "'commandline' field not in message"
	}
	if hasRequire {
		req, ok := toRequire(fields[KeyRequire])
		if ok {
			job.Require = req
		} else if reason == "" {
			reason = "'require' field should be a mapping"
		}
	}
	if hasPID {
		job.PID = toString(fields[KeyPID])
		if reason == "" && !isValidPID(job.PID) {
			reason = "'pid' should be a positive integer"
		}
	}
	if hasUser {
		job.User = toString(fields[KeyUser])
	}
	if hasCommandline {
		job.Commandline = toString(fields[KeyCommandline])
	}
	job.Priority = job.Require.Priority()
	if !isValidPriority(job.Priority) {
		reason = "priority must be one of: " + strings.Join(PriorityOrder, ",")
	}
	if reason != "" {
		job.Status = StatusNeverMatch
		job.Reason = reason
	}
	job.stateMachine = newJobState(job.Status)
	return job
}

// RestoreJob rebuilds a job from its durable record. Only waiting and running jobs are ever recorded.
func RestoreJob(record map[string]interface{}) (*Job, error) {
	job := &Job{
		PID:         toString(record[KeyPID]),
		User:        toString(record[KeyUser]),
		Commandline: toString(record[KeyCommandline]),
		Priority:    toString(record[KeyPriority]),
		Status:      toString(record[KeyStatus]),
		Reason:      toString(record[KeyReason]),
		SpoolFname:  toString(record[KeySpoolFname]),
		Extra:       make(map[string]interface{}),
	}
	if record[KeyPID] == nil || job.PID == "" {
		return nil, fmt.Errorf("job record has no pid")
	}
	if !isValidPID(job.PID) {
		return nil, fmt.Errorf("job record has invalid pid '%s'", job.PID)
	}
	if job.Status != StatusWait && job.Status != StatusRun {
		return nil, fmt.Errorf("job record %s has unexpected status '%s'", job.PID, job.Status)
	}
	if !isValidPriority(job.Priority) {
		return nil, fmt.Errorf("job record %s has unexpected priority '%s'", job.PID, job.Priority)
	}
	req, ok := toRequire(record[KeyRequire])
	if !ok {
		return nil, fmt.Errorf("job record %s has no requirements", job.PID)
	}
	job.Require = req
	if hosts, ok := record[KeyHosts]; ok && hosts != nil {
		job.Hosts = Require{KeyHosts: hosts}.List(KeyHosts)
	}
	var err error
	if job.TimeSub, err = optionalFloat(record, KeyTimeSub); err != nil {
		return nil, fmt.Errorf("job record %s: %w", job.PID, err)
	}
	if job.TimeRun, err = optionalFloat(record, KeyTimeRun); err != nil {
		return nil, fmt.Errorf("job record %s: %w", job.PID, err)
	}
	if job.SpoolWait, err = optionalFloat(record, KeySpoolWait); err != nil {
		return nil, fmt.Errorf("job record %s: %w", job.PID, err)
	}
	for key, val := range record {
		if !reservedKeys[key] {
			job.Extra[key] = val
		}
	}
	job.stateMachine = newJobState(job.Status)
	return job, nil
}

// isValidPID accepts process ids only, the pid also names the job's record in the store.
func isValidPID(pid string) bool {
	n, err := strconv.Atoi(pid)
	return err == nil && n > 0 && strconv.Itoa(n) == pid
}

func optionalFloat(record map[string]interface{}, key string) (float64, error) {
	val, ok := record[key]
	if !ok || val == nil {
		return 0, nil
	}
	return toFloat(val)
}

func toRequire(val interface{}) (Require, bool) {
	switch v := val.(type) {
	case Require:
		return v, true
	case map[string]interface{}:
		return v, true
	case map[interface{}]interface{}:
		req := make(Require, len(v))
		for key, item := range v {
			req[toString(key)] = item
		}
		return req, true
	default:
		return nil, false
	}
}

func (j *Job) String() string {
	if j == nil {
		return "job is nil"
	}
	return fmt.Sprintf("PID %s, User %s, Priority %s, Status %s, Hosts %d", j.PID, j.User, j.Priority, j.Status, len(j.Hosts))
}

func (j *Job) IsRunning() bool {
	return j.Status == StatusRun
}

func (j *Job) IsWaiting() bool {
	return j.Status == StatusWait
}

func (j *Job) IsNeverMatch() bool {
	return j.Status == StatusNeverMatch
}

func (j *Job) event(ev jobEvent) error {
	err := j.stateMachine.Event(context.Background(), ev.String(), j)
	if err != nil {
		log.Log(log.SchedFSM).Warn("job state transition failed",
			zap.String("pid", j.PID),
			zap.String("state", j.Status),
			zap.String("event", ev.String()),
			zap.Error(err))
	}
	return err
}

// ApplyMatch records the outcome of a match attempt. Only waiting jobs are changed.
// A match moves the job to ready with the host assignment, an impossible requirement rejects the job
// and anything else leaves the job waiting with the new reason.
func (j *Job) ApplyMatch(possible, matched bool, hosts []string, reason string) error {
	if j.Status != StatusWait {
		return nil
	}
	switch {
	case possible && matched:
		j.Hosts = hosts
		j.Reason = ""
		return j.event(MatchJob)
	case possible:
		j.Reason = reason
		return nil
	default:
		j.Reason = reason
		j.nevermatchPasses = 0
		return j.event(RejectJob)
	}
}

// Defer moves a ready job back to waiting before anything was reserved for it.
func (j *Job) Defer(reason string) error {
	if j.Status != StatusReady {
		j.Reason = reason
		return nil
	}
	j.Hosts = nil
	j.Reason = reason
	return j.event(DeferJob)
}

// Start marks a ready job as running, the reservation has been committed.
func (j *Job) Start(now time.Time) error {
	if err := j.event(StartJob); err != nil {
		return err
	}
	j.TimeRun = common.UnixSeconds(now)
	return nil
}

// Complete marks the job as done, it must be removed from the queue afterwards.
func (j *Job) Complete() error {
	return j.event(CompleteJob)
}

// Requeue moves a running job back to waiting and drops its host assignment.
func (j *Job) Requeue(reason string) error {
	if err := j.event(RequeueJob); err != nil {
		return err
	}
	j.Hosts = nil
	j.TimeRun = 0
	j.Reason = reason
	return nil
}

// NeverMatchPass counts one more refresh pass for a job in the nevermatch state and returns the total.
func (j *Job) NeverMatchPass() int {
	j.nevermatchPasses++
	return j.nevermatchPasses
}

// JobName returns the job_name requirement or the first word of the command line.
func (j *Job) JobName() string {
	if name := j.Require.String("job_name"); name != "" {
		return name
	}
	fields := strings.Fields(j.Commandline)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// ToMap returns the full record of the job: the known fields with the passthrough fields merged in.
func (j *Job) ToMap() map[string]interface{} {
	record := make(map[string]interface{}, len(j.Extra)+len(reservedKeys))
	for key, val := range j.Extra {
		record[key] = val
	}
	hosts := make([]string, len(j.Hosts))
	copy(hosts, j.Hosts)
	record[KeyPID] = j.PID
	record[KeyUser] = j.User
	record[KeyCommandline] = j.Commandline
	record[KeyRequire] = map[string]interface{}(j.Require)
	record[KeyPriority] = j.Priority
	record[KeyStatus] = j.Status
	record[KeyHosts] = hosts
	record[KeyReason] = j.Reason
	record[KeyTimeSub] = j.TimeSub
	record[KeyTimeRun] = j.timeRun()
	if j.SpoolFname != "" {
		record[KeySpoolFname] = j.SpoolFname
	} else {
		record[KeySpoolFname] = nil
	}
	record[KeySpoolWait] = j.SpoolWait
	return record
}

func (j *Job) timeRun() interface{} {
	if j.TimeRun == 0 {
		return nil
	}
	return j.TimeRun
}

// Summary returns the short listing entry, hosts are only listed for running jobs.
func (j *Job) Summary() *dao.JobSummary {
	summary := &dao.JobSummary{
		PID:      j.PID,
		User:     j.User,
		JobName:  j.JobName(),
		Priority: j.Priority,
		Status:   j.Status,
		Hosts:    []string{},
		Reason:   j.Reason,
		TimeSub:  j.TimeSub,
	}
	if j.TimeRun != 0 {
		timeRun := j.TimeRun
		summary.TimeRun = &timeRun
	}
	if j.IsRunning() {
		summary.Hosts = append(summary.Hosts, j.Hosts...)
	}
	return summary
}
