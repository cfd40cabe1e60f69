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
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/common"
	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/scheduler"
	"github.com/wq-project/wq/pkg/webservice/dao"
)

func getClusterInfo(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	writeJSON(w, schedulerContext.Stat())
}

func getJobs(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	if r.URL.Query().Get("full") == "true" {
		writeJSON(w, schedulerContext.ListFull())
		return
	}
	writeJSON(w, schedulerContext.List())
}

func getJob(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	pid := httprouter.ParamsFromContext(r.Context()).ByName("pid")
	job, err := schedulerContext.GetJob(pid)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, common.ErrUnknownJob) {
			status = http.StatusNotFound
		}
		buildJSONErrorResponse(w, err.Error(), status)
		return
	}
	writeJSON(w, job)
}

func getUsers(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	writeJSON(w, schedulerContext.SortedUsers())
}

func checkHealthStatus(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	result := schedulerContext.GetLastHealthCheckResult()
	if result == nil {
		result = scheduler.GetSchedulerHealthStatus(schedulerContext)
	}
	if !result.Healthy {
		log.Log(log.REST).Info("Scheduler is not healthy",
			zap.Any("health check info", result.HealthChecks))
	}
	writeJSON(w, result)
}

func getFullStateDump(w http.ResponseWriter, r *http.Request) {
	writeHeaders(w)
	stateDump.Lock()
	defer stateDump.Unlock()
	state := &dao.StateDumpInfo{
		Timestamp: time.Now().UnixNano(),
		Cluster:   schedulerContext.Stat(),
		Jobs:      schedulerContext.ListFull(),
		Users:     schedulerContext.SortedUsers(),
		Health:    schedulerContext.GetLastHealthCheckResult(),
	}
	writeJSON(w, state)
}

func writeJSON(w http.ResponseWriter, value interface{}) {
	if err := json.NewEncoder(w).Encode(value); err != nil {
		buildJSONErrorResponse(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json; charset=UTF-8")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.Header().Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "X-Requested-With,Content-Type,Accept,Origin")
}

func buildJSONErrorResponse(w http.ResponseWriter, detail string, code int) {
	w.WriteHeader(code)
	errorInfo := dao.NewYAPIError(nil, code, detail)
	if jsonErr := json.NewEncoder(w).Encode(errorInfo); jsonErr != nil {
		log.Log(log.REST).Error("Could not encode error response",
			zap.Error(jsonErr))
	}
}
