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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"gotest.tools/v3/assert"

	"github.com/wq-project/wq/pkg/common/configs"
	"github.com/wq-project/wq/pkg/scheduler/objects"
)

func newTestJob(t *testing.T, pid string) *objects.Job {
	job := objects.NewJob(map[string]interface{}{
		"pid":         pid,
		"user":        "alice",
		"commandline": "sleep 10",
		"require":     map[string]interface{}{"N": 2, "group": []interface{}{"g1"}},
		"tag":         map[string]interface{}{"nested": true},
	}, time.Unix(1700000000, 500000000))
	assert.Equal(t, job.Status, objects.StatusWait)
	job.SpoolWait = 10
	return job
}

func fileNames(t *testing.T, dir string) []string {
	entries, err := os.ReadDir(dir)
	assert.NilError(t, err)
	var names []string
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	return names
}

func TestFileStoreJobLifecycle(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	store, err := NewFileStore(dir)
	assert.NilError(t, err)
	defer store.Close()

	job := newTestJob(t, "100")
	assert.NilError(t, store.SaveJob(job))
	assert.Equal(t, job.SpoolFname, filepath.Join(dir, "100.wait"))
	assert.DeepEqual(t, fileNames(t, dir), []string{"100.wait"})

	// move to run: the wait record is replaced
	assert.NilError(t, job.ApplyMatch(true, true, []string{"a", "a"}, ""))
	assert.NilError(t, job.Start(time.Unix(1700000100, 0)))
	assert.NilError(t, store.SaveJob(job))
	assert.Equal(t, job.SpoolFname, store.RecordName("100", StageRun))
	assert.DeepEqual(t, fileNames(t, dir), []string{"100.run"})

	jobs, err := store.LoadJobs()
	assert.NilError(t, err)
	assert.Equal(t, len(jobs), 1)
	loaded := jobs[0]
	assert.Equal(t, loaded.PID, "100")
	assert.Equal(t, loaded.Status, objects.StatusRun)
	assert.DeepEqual(t, loaded.Hosts, []string{"a", "a"})
	assert.Equal(t, loaded.SpoolFname, job.SpoolFname)
	assert.Equal(t, loaded.TimeSub, job.TimeSub)
	assert.Equal(t, loaded.TimeRun, job.TimeRun)
	assert.Equal(t, loaded.SpoolWait, 10.0)
	assert.DeepEqual(t, loaded.Require.List("group"), []string{"g1"})
	n, reason := loaded.Require.Int("N", 0)
	assert.Equal(t, reason, "")
	assert.Equal(t, n, 2)
	assert.DeepEqual(t, loaded.Extra, job.Extra)

	assert.NilError(t, store.DeleteJob(job))
	assert.Equal(t, job.SpoolFname, "")
	assert.Equal(t, len(fileNames(t, dir)), 0)
	// deleting again is fine
	assert.NilError(t, store.DeleteJob(job))
}

func TestFileStoreRejectsUnrecordableStatus(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	assert.NilError(t, err)
	job := newTestJob(t, "7")
	assert.NilError(t, job.ApplyMatch(true, true, []string{"a"}, ""))
	err = store.SaveJob(job)
	assert.ErrorContains(t, err, "cannot be recorded")
	assert.Equal(t, job.SpoolFname, "")
}

func TestFileStoreLoadSkipsBadRecords(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	assert.NilError(t, err)
	for _, pid := range []string{"3", "1", "2"} {
		assert.NilError(t, store.SaveJob(newTestJob(t, pid)))
	}
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "9.run"), []byte("not a record"), 0o600))
	assert.NilError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("ignored"), 0o600))

	jobs, err := store.LoadJobs()
	assert.ErrorContains(t, err, "9.run")
	var pids []string
	for _, job := range jobs {
		pids = append(pids, job.PID)
	}
	assert.DeepEqual(t, pids, []string{"1", "2", "3"})
}

func TestFileStoreDuplicateRecords(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	assert.NilError(t, err)
	waiting := newTestJob(t, "5")
	assert.NilError(t, store.SaveJob(waiting))
	running := newTestJob(t, "5")
	assert.NilError(t, running.ApplyMatch(true, true, []string{"a"}, ""))
	assert.NilError(t, running.Start(time.Now()))
	assert.NilError(t, store.SaveJob(running))

	jobs, err := store.LoadJobs()
	assert.NilError(t, err)
	assert.Equal(t, len(jobs), 1)
	assert.Equal(t, jobs[0].Status, objects.StatusRun)
	assert.DeepEqual(t, fileNames(t, dir), []string{"5.run"})
}

func TestFileStoreUsers(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	assert.NilError(t, err)

	limits, err := store.LoadUsers()
	assert.NilError(t, err)
	assert.Equal(t, len(limits), 0)

	want := map[string]map[string]int{
		"alice": {"Njobs": 2, "Ncores": 16},
		"bob":   {},
	}
	assert.NilError(t, store.SaveUsers(want))
	limits, err = store.LoadUsers()
	assert.NilError(t, err)
	if diff := cmp.Diff(want, limits); diff != "" {
		t.Errorf("users mismatch (-want +got):\n%s", diff)
	}

	assert.NilError(t, os.WriteFile(filepath.Join(dir, usersRecord), []byte("alice: [1, 2"), 0o600))
	_, err = store.LoadUsers()
	assert.ErrorContains(t, err, "decoding users")
}

func TestNewStore(t *testing.T) {
	conf := configs.DefaultServerConfig()
	conf.SpoolDir = t.TempDir()
	store, err := New(conf)
	assert.NilError(t, err)
	_, ok := store.(*FileStore)
	assert.Assert(t, ok, "expected a file store")

	conf.Store.Type = "s3"
	_, err = New(conf)
	assert.ErrorContains(t, err, "unknown store type 's3'")
}
