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

package matcher

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/scheduler/objects"
)

const (
	reasonBlocked = "Not enough free cores or cores waiting for a blocking job."
	reasonNoFree  = "Not enough free cores."
)

// ClusterView is the read only access to the cluster needed to match a requirement.
type ClusterView interface {
	// ForEachNode must visit the nodes in ascending hostname order.
	ForEachNode(f func(*objects.Node) bool)
	GetNode(hostname string) *objects.Node
}

// Result is the outcome of matching one requirement against the cluster.
// Possible is false if the requirement can never be satisfied by the cluster, even when idle.
// Matched is true if the requirement can be satisfied now, Hosts then holds one entry per core.
// Blocked is set when cores were withheld because of a blocked group.
type Result struct {
	Possible bool
	Matched  bool
	Blocked  bool
	Hosts    []string
	Reason   string
}

// Match decides if and where the requirement can run. Nothing in the cluster is changed.
func Match(req objects.Require, cluster ClusterView, blocked GroupSet) Result {
	var result Result
	mode := req.Mode()
	switch mode {
	case objects.ModeByCore:
		result = matchByCore(req, cluster, blocked)
	case objects.ModeByCore1:
		result = matchByCore1(req, cluster, blocked)
	case objects.ModeByNode:
		result = matchByNode(req, cluster, blocked)
	case objects.ModeByHost:
		result = matchByHost(req, cluster, blocked)
	case objects.ModeByGroup:
		result = matchByGroup(req, cluster, blocked)
	default:
		result = Result{Reason: fmt.Sprintf("bad submit_mode '%s'", mode)}
	}
	if log.IsDebugEnabled(log.SchedMatch) {
		log.Log(log.SchedMatch).Debug("match result",
			zap.String("mode", mode),
			zap.Bool("possible", result.Possible),
			zap.Bool("matched", result.Matched),
			zap.Bool("blocked", result.Blocked),
			zap.Int("cores", len(result.Hosts)),
			zap.String("reason", result.Reason))
	}
	return result
}

// nodeFilter holds the per node conditions shared by the host spreading modes.
type nodeFilter struct {
	minMem   float64
	minCores int
	group    []string
	notGroup []string
}

func newNodeFilter(req objects.Require) (nodeFilter, string) {
	minMem, reason := req.Float("min_mem", 0.0)
	if reason != "" {
		return nodeFilter{}, reason
	}
	return nodeFilter{
		minMem:   minMem,
		group:    req.List("group"),
		notGroup: req.List("notgroup"),
	}, ""
}

// accepts checks online state, memory, core count and the group inclusion and exclusion lists.
func (f nodeFilter) accepts(node *objects.Node) bool {
	if !node.IsOnline() {
		return false
	}
	if node.Memory < f.minMem {
		return false
	}
	if node.Cores < f.minCores {
		return false
	}
	if len(f.group) > 0 && !node.InAnyGroup(f.group) {
		return false
	}
	if len(f.notGroup) > 0 && node.InAnyGroup(f.notGroup) {
		return false
	}
	return true
}

// requestedCount reads N, which must be at least one.
func requestedCount(req objects.Require) (int, string) {
	need, reason := req.Int("N", 1)
	if reason != "" {
		return 0, reason
	}
	if need < 1 {
		return 0, fmt.Sprintf("N must be a positive number, got %d", need)
	}
	return need, ""
}

// repeatHost returns the host name count times, one entry per core.
func repeatHost(hostname string, count int) []string {
	hosts := make([]string, count)
	for i := range hosts {
		hosts[i] = hostname
	}
	return hosts
}

// matchByCore spreads the requested cores over as many hosts as needed.
// Cores are taken in multiples of the thread count so a process never straddles hosts.
func matchByCore(req objects.Require, cluster ClusterView, blocked GroupSet) Result {
	var result Result
	need, reason := requestedCount(req)
	if reason != "" {
		return Result{Reason: reason}
	}
	threads, reason := req.Int("threads", 1)
	if reason != "" {
		return Result{Reason: reason}
	}
	if threads < 1 {
		threads = 1
	}
	if need%threads > 0 {
		return Result{Reason: "Number of requested cores not divisible by threads"}
	}
	filter, reason := newNodeFilter(req)
	if reason != "" {
		return Result{Reason: reason}
	}
	capacityNeed := need
	cluster.ForEachNode(func(node *objects.Node) bool {
		if !filter.accepts(node) {
			return true
		}
		usable := (node.Cores / threads) * threads
		if usable >= capacityNeed {
			result.Possible = true
		} else {
			capacityNeed -= usable
		}
		free := (node.GetFree() / threads) * threads
		if blocked.Blocks(node) {
			free = 0
			result.Blocked = true
		}
		if free >= need {
			result.Hosts = append(result.Hosts, repeatHost(node.Hostname, need)...)
			result.Matched = true
			return false
		}
		need -= free
		result.Hosts = append(result.Hosts, repeatHost(node.Hostname, free)...)
		return true
	})
	switch {
	case !result.Possible:
		result.Reason = "Not enough cores or mem satistifying condition."
	case !result.Matched && result.Blocked:
		result.Reason = reasonBlocked
	case !result.Matched:
		result.Reason = reasonNoFree
	}
	if !result.Matched {
		result.Hosts = nil
	}
	return result
}

// matchByCore1 takes all requested cores from one single host.
func matchByCore1(req objects.Require, cluster ClusterView, blocked GroupSet) Result {
	var result Result
	need, reason := requestedCount(req)
	if reason != "" {
		return Result{Reason: reason}
	}
	filter, reason := newNodeFilter(req)
	if reason != "" {
		return Result{Reason: reason}
	}
	cluster.ForEachNode(func(node *objects.Node) bool {
		if !filter.accepts(node) {
			return true
		}
		if node.Cores >= need {
			result.Possible = true
		}
		free := node.GetFree()
		if blocked.Blocks(node) {
			free = 0
			result.Blocked = true
		}
		if free >= need {
			result.Hosts = repeatHost(node.Hostname, need)
			result.Matched = true
			return false
		}
		return true
	})
	switch {
	case !result.Possible:
		result.Reason = "Not a node with that many cores."
	case !result.Matched && result.Blocked:
		result.Reason = reasonBlocked
	case !result.Matched:
		result.Reason = "Not enough free cores on any one node."
	}
	return result
}

// matchByNode takes whole idle hosts, N is the number of hosts.
func matchByNode(req objects.Require, cluster ClusterView, blocked GroupSet) Result {
	var result Result
	need, reason := requestedCount(req)
	if reason != "" {
		return Result{Reason: reason}
	}
	filter, reason := newNodeFilter(req)
	if reason != "" {
		return Result{Reason: reason}
	}
	if filter.minCores, reason = req.Int("min_cores", 0); reason != "" {
		return Result{Reason: reason}
	}
	capacityNeed := need
	cluster.ForEachNode(func(node *objects.Node) bool {
		if !filter.accepts(node) {
			return true
		}
		capacityNeed--
		if capacityNeed == 0 {
			result.Possible = true
		}
		isBlocked := blocked.Blocks(node)
		if isBlocked {
			result.Blocked = true
		}
		if node.IsIdle() && !isBlocked {
			need--
			result.Hosts = append(result.Hosts, repeatHost(node.Hostname, node.Cores)...)
			if need == 0 {
				result.Matched = true
				return false
			}
		}
		return true
	})
	switch {
	case !result.Possible:
		result.Reason = "Not enough total cores satistifying condition."
	case !result.Matched && result.Blocked:
		result.Reason = reasonBlocked
	case !result.Matched:
		result.Reason = reasonNoFree
	}
	if !result.Matched {
		result.Hosts = nil
	}
	return result
}

// matchByHost takes N cores from the host named in the requirement.
func matchByHost(req objects.Require, cluster ClusterView, blocked GroupSet) Result {
	if !req.Has("host") || req.String("host") == "" {
		return Result{Reason: "'host' field not in requirements"}
	}
	hostname := req.String("host")
	node := cluster.GetNode(hostname)
	if node == nil {
		return Result{Reason: fmt.Sprintf("host '%s' does not exist", hostname)}
	}
	if !node.IsOnline() {
		return Result{Reason: "host is offline"}
	}
	if blocked.Blocks(node) {
		return Result{Reason: "host in blocked group", Blocked: true}
	}
	need, reason := requestedCount(req)
	if reason != "" {
		return Result{Reason: reason}
	}
	result := Result{Possible: node.Cores >= need}
	if node.GetFree() >= need {
		result.Matched = true
		result.Hosts = repeatHost(hostname, need)
	} else {
		result.Reason = "Not enough free cores on " + hostname
	}
	return result
}

// matchByGroup takes every core of every online host in the group, all hosts must be idle.
func matchByGroup(req objects.Require, cluster ClusterView, blocked GroupSet) Result {
	groups := req.List("group")
	if len(groups) == 0 || groups[0] == "" {
		return Result{Reason: "Need to specify group"}
	}
	group := groups[0]
	var result Result
	cluster.ForEachNode(func(node *objects.Node) bool {
		if !node.IsOnline() || !node.InGroup(group) {
			return true
		}
		result.Possible = true
		result.Matched = true
		if !node.IsIdle() {
			result.Matched = false
			result.Reason = "Host " + node.Hostname + " not entirely free."
			return false
		}
		if blocked.Blocks(node) {
			result.Matched = false
			result.Blocked = true
			result.Reason = "Host " + node.Hostname + " in a blocked group."
			return false
		}
		result.Hosts = append(result.Hosts, repeatHost(node.Hostname, node.Cores)...)
		return true
	})
	if !result.Possible {
		result.Reason = "Not a single node in that group"
	}
	if !result.Matched {
		result.Hosts = nil
	}
	return result
}
