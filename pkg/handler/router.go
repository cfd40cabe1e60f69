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

package handler

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wq-project/wq/pkg/common"
	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/metrics"
	"github.com/wq-project/wq/pkg/scheduler"
	"github.com/wq-project/wq/pkg/scheduler/ugm"
	"github.com/wq-project/wq/pkg/webservice/dao"
)

const (
	CmdSubmit   = "sub"
	CmdGetHosts = "gethosts"
	CmdList     = "ls"
	CmdListFull = "lsfull"
	CmdStat     = "stat"
	CmdUsers    = "users"
	CmdLimit    = "limit"
	CmdRemove   = "rm"
	CmdNotify   = "notify"
	CmdNode     = "node"
	CmdRefresh  = "refresh"

	NotifyDone    = "done"
	NotifyRefresh = "refresh"

	KeyCommand  = "command"
	KeyResponse = "response"
	KeyError    = "error"

	responseOK = "OK"
)

var knownCommands = map[string]bool{
	CmdSubmit: true, CmdGetHosts: true, CmdList: true, CmdListFull: true, CmdStat: true, CmdUsers: true,
	CmdLimit: true, CmdRemove: true, CmdNotify: true, CmdNode: true, CmdRefresh: true,
}

// JobScheduler is the set of scheduler operations reachable from a client request.
type JobScheduler interface {
	Submit(fields map[string]interface{}) (*scheduler.SubmitResult, error)
	GetHosts(pid string) ([]string, error)
	List() []*dao.JobSummary
	ListFull() []map[string]interface{}
	Stat() *dao.ClusterStatus
	Users() map[string]*dao.UserInfo
	SetLimits(user string, limits map[string]int, action string) error
	Remove(pid, user string) ([]string, error)
	NotifyDone(pid string) error
	Refresh()
	SetNodeOnline(hostname string, online bool) error
}

// Router turns one client request into one scheduler operation and shapes the response.
// The response is a copy of the request with either the response or the error field set, never both.
type Router struct {
	sched   JobScheduler
	metrics *metrics.SchedulerMetrics
}

func NewRouter(sched JobScheduler) *Router {
	return &Router{
		sched:   sched,
		metrics: metrics.GetSchedulerMetrics(),
	}
}

// HandleBytes decodes a YAML request, processes it and returns the encoded response.
func (r *Router) HandleBytes(payload []byte) []byte {
	var message interface{}
	var response map[string]interface{}
	if err := yaml.Unmarshal(payload, &message); err != nil {
		log.Log(log.Transport).Info("could not decode request",
			zap.Int("bytes", len(payload)),
			zap.Error(err))
		r.metrics.IncRequest("invalid", metrics.RequestError)
		response = map[string]interface{}{
			KeyError: fmt.Sprintf("could not process YAML request: '%s'", string(payload)),
		}
	} else if fields, ok := message.(map[string]interface{}); ok {
		response = r.Handle(fields)
	} else {
		r.metrics.IncRequest("invalid", metrics.RequestError)
		response = map[string]interface{}{
			KeyError: "message should be a dictionary",
		}
	}
	out, err := yaml.Marshal(response)
	if err != nil {
		log.Log(log.Transport).Error("could not encode response", zap.Error(err))
		out, _ = yaml.Marshal(map[string]interface{}{KeyError: "could not encode response: " + err.Error()})
	}
	return out
}

// Handle processes one decoded request.
func (r *Router) Handle(message map[string]interface{}) map[string]interface{} {
	start := time.Now()
	response := make(map[string]interface{}, len(message)+2)
	for key, val := range message {
		response[key] = val
	}
	delete(response, KeyResponse)
	delete(response, KeyError)

	command, ok := message[KeyCommand]
	label := "invalid"
	var err error
	if !ok {
		err = badRequest("message should contain a command")
	} else {
		cmd := fmt.Sprint(command)
		if knownCommands[cmd] {
			label = cmd
		}
		log.Log(log.Transport).Debug("processing request",
			zap.String("command", cmd))
		err = r.safeDispatch(cmd, message, response)
	}

	if err != nil {
		delete(response, KeyResponse)
		response[KeyError] = err.Error()
		r.metrics.IncRequest(label, metrics.RequestError)
		log.Log(log.Transport).Debug("request failed",
			zap.String("command", label),
			zap.Error(err))
	} else {
		r.metrics.IncRequest(label, metrics.RequestOK)
	}
	r.metrics.ObserveRequestLatency(start)
	return response
}

// safeDispatch turns a panic of one request into an error response, the server keeps running.
func (r *Router) safeDispatch(command string, message, response map[string]interface{}) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			log.Log(log.Transport).Error("request processing panicked",
				zap.String("command", command),
				zap.Any("panic", recovered),
				zap.Stack("stack"))
			err = fmt.Errorf("internal error processing '%s': %v", command, recovered)
		}
	}()
	return r.dispatch(command, message, response)
}

func (r *Router) dispatch(command string, message, response map[string]interface{}) error {
	switch command {
	case CmdSubmit:
		return r.submit(message, response)
	case CmdGetHosts:
		pid, ok := stringField(message, "pid")
		if !ok {
			return badRequest("submit requests must contain the 'pid' field")
		}
		hosts, err := r.sched.GetHosts(pid)
		if err != nil {
			return err
		}
		response["hosts"] = hosts
		response[KeyResponse] = responseOK
	case CmdList:
		response[KeyResponse] = r.sched.List()
	case CmdListFull:
		response[KeyResponse] = r.sched.ListFull()
	case CmdStat:
		response[KeyResponse] = r.sched.Stat()
	case CmdUsers:
		response[KeyResponse] = r.sched.Users()
	case CmdLimit:
		return r.limit(message, response)
	case CmdRemove:
		return r.remove(message, response)
	case CmdNotify:
		return r.notify(message, response)
	case CmdNode:
		return r.node(message, response)
	case CmdRefresh:
		r.sched.Refresh()
		response[KeyResponse] = responseOK
	default:
		return badRequest("only support 'sub','gethosts', 'ls','stat','users','rm','notify','node''refresh' commands")
	}
	return nil
}

func (r *Router) submit(message, response map[string]interface{}) error {
	if _, ok := stringField(message, "pid"); !ok {
		return badRequest("submit requests must contain the 'pid' field")
	}
	if message["require"] == nil {
		return badRequest("submit requests must contain the 'require' field")
	}
	result, err := r.sched.Submit(message)
	if err != nil {
		return err
	}
	response[KeyResponse] = result.Status
	response["spool_fname"] = result.SpoolFname
	response["spool_wait"] = result.SpoolWait
	if len(result.Hosts) > 0 {
		response["hosts"] = result.Hosts
	} else {
		response["reason"] = result.Reason
	}
	return nil
}

func (r *Router) limit(message, response map[string]interface{}) error {
	user, ok := stringField(message, "user")
	if !ok {
		return badRequest("You must send your username when setting user variables")
	}
	raw, _ := message["limits"].(map[string]interface{})
	if len(raw) == 0 {
		response[KeyResponse] = responseOK
		return nil
	}
	action := ugm.ActionSet
	limits := make(map[string]int, len(raw))
	for name, val := range raw {
		if name == "action" {
			action = fmt.Sprint(val)
			continue
		}
		n, isInt := val.(int)
		if !isInt {
			return badRequest("limit '%s' should be an integer", name)
		}
		limits[name] = n
	}
	if err := r.sched.SetLimits(user, limits, action); err != nil {
		return err
	}
	response[KeyResponse] = responseOK
	return nil
}

func (r *Router) remove(message, response map[string]interface{}) error {
	pid, ok := stringField(message, "pid")
	if !ok {
		return badRequest("remove requests must contain the 'pid' field")
	}
	user, ok := stringField(message, "user")
	if !ok {
		return badRequest("remove requests must contain the 'user' field")
	}
	pids, err := r.sched.Remove(pid, user)
	if err != nil {
		return err
	}
	response[KeyResponse] = responseOK
	response["pids_to_kill"] = pids
	return nil
}

func (r *Router) notify(message, response map[string]interface{}) error {
	notification, ok := stringField(message, "notification")
	if !ok {
		return badRequest("notify requests must contain the 'notification' field")
	}
	switch notification {
	case NotifyDone:
		pid, ok := stringField(message, "pid")
		if !ok {
			return badRequest("remove requests must contain the 'pid' field")
		}
		if err := r.sched.NotifyDone(pid); err != nil {
			return err
		}
	case NotifyRefresh:
		r.sched.Refresh()
	default:
		return badRequest("Only support 'done' or 'refresh' notifications for now")
	}
	response[KeyResponse] = responseOK
	return nil
}

func (r *Router) node(message, response map[string]interface{}) error {
	hostname, ok := stringField(message, "node")
	if !ok {
		return badRequest("node requests must contain the 'node' field")
	}
	status, ok := stringField(message, "status")
	if !ok {
		if yamline, isMap := message["yamline"].(map[string]interface{}); isMap {
			status, ok = stringField(yamline, "status")
		}
	}
	if !ok {
		return badRequest("Need to supply status keyword.")
	}
	var online bool
	switch status {
	case "online":
		online = true
	case "offline":
		online = false
	default:
		return badRequest("Don't understand this status")
	}
	if err := r.sched.SetNodeOnline(hostname, online); err != nil {
		return err
	}
	response[KeyResponse] = responseOK
	return nil
}

// stringField returns the value of a scalar field as a string, pids may arrive as numbers.
func stringField(message map[string]interface{}, key string) (string, bool) {
	val, ok := message[key]
	if !ok || val == nil {
		return "", false
	}
	switch v := val.(type) {
	case string:
		return v, true
	case map[string]interface{}, []interface{}:
		return "", false
	default:
		return fmt.Sprint(v), true
	}
}

func badRequest(format string, args ...interface{}) error {
	return common.NewReasonError(common.ErrBadRequest, format, args...)
}
