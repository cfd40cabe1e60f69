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

package webservice

import (
	"compress/gzip"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/wq-project/wq/pkg/common/configs"
	"github.com/wq-project/wq/pkg/scheduler"
	"github.com/wq-project/wq/pkg/scheduler/objects"
	"github.com/wq-project/wq/pkg/scheduler/spool"
	"github.com/wq-project/wq/pkg/webservice/dao"
)

func newTestScheduler(t *testing.T) *scheduler.Scheduler {
	cluster, err := objects.ParseCluster(strings.NewReader("hostA 4 16 g1\nhostB 4 16 g2\n"))
	assert.NilError(t, err)
	store, err := spool.NewFileStore(t.TempDir())
	assert.NilError(t, err)
	sched := scheduler.NewScheduler(cluster, store, configs.DefaultServerConfig(), func(string) bool { return true })
	assert.NilError(t, sched.Recover())
	_, err = sched.Submit(map[string]interface{}{
		"pid": "100", "user": "alice", "commandline": "sleep 100",
		"require": map[string]interface{}{"N": 5, "job_name": "sleeper"},
	})
	assert.NilError(t, err)
	_, err = sched.Submit(map[string]interface{}{
		"pid": "101", "user": "bob", "commandline": "sleep 100",
		"require": map[string]interface{}{"N": 4},
	})
	assert.NilError(t, err)
	return sched
}

func serve(t *testing.T, path string) *httptest.ResponseRecorder {
	req, err := http.NewRequest("GET", path, nil)
	assert.NilError(t, err)
	resp := httptest.NewRecorder()
	newRouter().ServeHTTP(resp, req)
	return resp
}

func TestGetClusterInfo(t *testing.T) {
	NewWebApp(newTestScheduler(t), ":0")
	resp := serve(t, "/ws/v1/cluster")
	assert.Equal(t, resp.Code, http.StatusOK)
	assert.Equal(t, resp.Header().Get("Content-Type"), "application/json; charset=UTF-8")
	var status dao.ClusterStatus
	assert.NilError(t, json.Unmarshal(resp.Body.Bytes(), &status))
	assert.Equal(t, status.Used, 5)
	assert.Equal(t, status.Cores, 8)
	assert.Equal(t, len(status.Nodes), 2)
	assert.Equal(t, status.Nodes[0].Hostname, "hostA")
	assert.Equal(t, status.Nodes[1].Used, 1)
}

func TestGetJobs(t *testing.T) {
	NewWebApp(newTestScheduler(t), ":0")
	resp := serve(t, "/ws/v1/jobs")
	assert.Equal(t, resp.Code, http.StatusOK)
	var jobs []*dao.JobSummary
	assert.NilError(t, json.Unmarshal(resp.Body.Bytes(), &jobs))
	assert.Equal(t, len(jobs), 2)
	assert.Equal(t, jobs[0].JobName, "sleeper")
	assert.Equal(t, jobs[0].Status, objects.StatusRun)
	assert.Equal(t, jobs[1].Status, objects.StatusWait)
	assert.Assert(t, jobs[1].TimeRun == nil)

	resp = serve(t, "/ws/v1/jobs?full=true")
	var full []map[string]interface{}
	assert.NilError(t, json.Unmarshal(resp.Body.Bytes(), &full))
	assert.Equal(t, full[0]["commandline"], "sleep 100")

	resp = serve(t, "/ws/v1/jobs/101")
	assert.Equal(t, resp.Code, http.StatusOK)
	var job map[string]interface{}
	assert.NilError(t, json.Unmarshal(resp.Body.Bytes(), &job))
	assert.Equal(t, job["user"], "bob")

	resp = serve(t, "/ws/v1/jobs/999")
	assert.Equal(t, resp.Code, http.StatusNotFound)
	var apiErr dao.YAPIError
	assert.NilError(t, json.Unmarshal(resp.Body.Bytes(), &apiErr))
	assert.Equal(t, apiErr.Message, "pid 999 not found")
	assert.Equal(t, apiErr.StatusCode, http.StatusNotFound)
}

func TestGetUsers(t *testing.T) {
	NewWebApp(newTestScheduler(t), ":0")
	resp := serve(t, "/ws/v1/users")
	var users []*dao.UserInfo
	assert.NilError(t, json.Unmarshal(resp.Body.Bytes(), &users))
	assert.Equal(t, len(users), 1)
	assert.Equal(t, users[0].User, "alice")
	assert.Equal(t, users[0].Cores, 5)
}

func TestHealthAndStateDump(t *testing.T) {
	NewWebApp(newTestScheduler(t), ":0")
	resp := serve(t, "/ws/v1/health")
	var health dao.SchedulerHealthDAOInfo
	assert.NilError(t, json.Unmarshal(resp.Body.Bytes(), &health))
	assert.Assert(t, health.Healthy)
	assert.Assert(t, len(health.HealthChecks) > 0)

	resp = serve(t, "/ws/v1/fullstatedump")
	var state dao.StateDumpInfo
	assert.NilError(t, json.Unmarshal(resp.Body.Bytes(), &state))
	assert.Equal(t, len(state.Jobs), 2)
	assert.Equal(t, state.Cluster.Used, 5)
	assert.Assert(t, state.Timestamp > 0)
}

func TestMetricsEndpoint(t *testing.T) {
	NewWebApp(newTestScheduler(t), ":0")
	resp := serve(t, "/ws/v1/metrics")
	assert.Equal(t, resp.Code, http.StatusOK)
	assert.Assert(t, strings.Contains(resp.Body.String(), "wq_scheduler_cores"))
}

func TestCompression(t *testing.T) {
	NewWebApp(newTestScheduler(t), ":0")
	req, err := http.NewRequest("GET", "/ws/v1/cluster", nil)
	assert.NilError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	resp := httptest.NewRecorder()
	newRouter().ServeHTTP(resp, req)
	assert.Equal(t, resp.Header().Get("Content-Encoding"), "gzip")
	reader, err := gzip.NewReader(resp.Body)
	assert.NilError(t, err)
	body, err := io.ReadAll(reader)
	assert.NilError(t, err)
	var status dao.ClusterStatus
	assert.NilError(t, json.Unmarshal(body, &status))
	assert.Equal(t, status.NodeCount, 2)
}
