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

package spool

import (
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/ugorji/go/codec"
	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/common/configs"
	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/scheduler/objects"
)

const (
	StageWait = objects.StatusWait
	StageRun  = objects.StatusRun

	usersRecord = "users.yaml"
)

// Store keeps one durable record per queued job, named by pid and stage, and one record with the user limits.
type Store interface {
	// RecordName returns the name of the record for the job in the stage.
	RecordName(pid, stage string) string
	// SaveJob writes the record for the current status of the job and removes the previous record.
	// The new record name is set as the job's SpoolFname.
	SaveJob(job *objects.Job) error
	// DeleteJob removes the current record of the job, if any.
	DeleteJob(job *objects.Job) error
	// LoadJobs returns all recorded jobs in record name order.
	// Unreadable records are skipped and reported in the returned error next to the jobs that could be read.
	LoadJobs() ([]*objects.Job, error)
	SaveUsers(limits map[string]map[string]int) error
	LoadUsers() (map[string]map[string]int, error)
	Close() error
}

// New creates the store configured in the server configuration.
func New(conf *configs.ServerConfig) (Store, error) {
	switch conf.Store.Type {
	case configs.StoreTypeFile, "":
		return NewFileStore(conf.SpoolDir)
	case configs.StoreTypeEtcd:
		return NewEtcdStore(conf.Store.Etcd)
	default:
		return nil, fmt.Errorf("unknown store type '%s'", conf.Store.Type)
	}
}

var msgpackHandle = newMsgpackHandle()

func newMsgpackHandle() *codec.MsgpackHandle {
	h := new(codec.MsgpackHandle)
	h.WriteExt = true
	h.RawToString = true
	h.SignedInteger = true
	h.MapType = reflect.TypeOf(map[string]interface{}(nil))
	return h
}

func encodeJob(job *objects.Job) ([]byte, error) {
	var encoded []byte
	enc := codec.NewEncoderBytes(&encoded, msgpackHandle)
	if err := enc.Encode(job.ToMap()); err != nil {
		return nil, fmt.Errorf("encoding job %s: %w", job.PID, err)
	}
	return encoded, nil
}

func decodeJob(data []byte) (*objects.Job, error) {
	record := make(map[string]interface{})
	dec := codec.NewDecoderBytes(data, msgpackHandle)
	if err := dec.Decode(&record); err != nil {
		return nil, err
	}
	return objects.RestoreJob(record)
}

// stageOf returns the record stage for the job status, only waiting and running jobs are recorded.
func stageOf(job *objects.Job) (string, error) {
	switch job.Status {
	case objects.StatusWait:
		return StageWait, nil
	case objects.StatusRun:
		return StageRun, nil
	default:
		return "", fmt.Errorf("job %s with status '%s' cannot be recorded", job.PID, job.Status)
	}
}

// recordStage returns the stage encoded in the suffix of a record name.
func recordStage(name string) (string, bool) {
	switch {
	case strings.HasSuffix(name, "."+StageRun):
		return StageRun, true
	case strings.HasSuffix(name, "."+StageWait):
		return StageWait, true
	default:
		return "", false
	}
}

// rawRecord is a record as read from the backend before decoding.
type rawRecord struct {
	name string
	data []byte
}

// collectJobs decodes the records in name order. A pid recorded twice, left behind by an interrupted
// stage change, keeps the run record: the names of the superseded records are returned for removal.
func collectJobs(records []rawRecord) ([]*objects.Job, []string, error) {
	sort.Slice(records, func(i, j int) bool {
		return records[i].name < records[j].name
	})
	var errs *multierror.Error
	var jobs []*objects.Job
	byPID := make(map[string]int)
	var stale []string
	for _, rec := range records {
		stage, ok := recordStage(rec.name)
		if !ok {
			continue
		}
		job, err := decodeJob(rec.data)
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("record %s: %w", rec.name, err))
			continue
		}
		if job.Status != stage {
			errs = multierror.Append(errs, fmt.Errorf("record %s: status '%s' does not match the record stage", rec.name, job.Status))
			continue
		}
		job.SpoolFname = rec.name
		if idx, ok := byPID[job.PID]; ok {
			prev := jobs[idx]
			if prev.IsRunning() || !job.IsRunning() {
				stale = append(stale, rec.name)
				continue
			}
			stale = append(stale, prev.SpoolFname)
			jobs[idx] = job
			continue
		}
		byPID[job.PID] = len(jobs)
		jobs = append(jobs, job)
	}
	if len(stale) > 0 {
		log.Log(log.SchedSpool).Warn("duplicate job records found",
			zap.Strings("superseded", stale))
	}
	return jobs, stale, errs.ErrorOrNil()
}

// userEntry is the stored form of one user, only the limits survive a restart.
type userEntry struct {
	User   string         `yaml:"user"`
	Limits map[string]int `yaml:"limits"`
}

func toUserEntries(limits map[string]map[string]int) map[string]userEntry {
	entries := make(map[string]userEntry, len(limits))
	for user, userLimits := range limits {
		if userLimits == nil {
			userLimits = map[string]int{}
		}
		entries[user] = userEntry{User: user, Limits: userLimits}
	}
	return entries
}

func fromUserEntries(entries map[string]userEntry) map[string]map[string]int {
	limits := make(map[string]map[string]int, len(entries))
	for user, entry := range entries {
		userLimits := make(map[string]int, len(entry.Limits))
		for name, value := range entry.Limits {
			userLimits[name] = value
		}
		limits[user] = userLimits
	}
	return limits
}
