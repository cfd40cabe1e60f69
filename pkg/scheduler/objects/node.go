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
	"fmt"

	"github.com/wq-project/wq/pkg/common"
)

// Node is one compute host of the cluster.
// Hostname, Cores, Memory and the groups are read only after creation, only usage and the online flag change.
// Nodes are not locked: all access goes through the scheduler which serialises its operations.
type Node struct {
	Hostname string
	Cores    int
	Memory   float64

	groups []string
	used   int
	online bool
}

func NewNode(hostname string, cores int, memory float64, groups []string) *Node {
	grps := make([]string, len(groups))
	copy(grps, groups)
	return &Node{
		Hostname: hostname,
		Cores:    cores,
		Memory:   memory,
		groups:   grps,
		online:   true,
	}
}

func (n *Node) String() string {
	if n == nil {
		return "node is nil"
	}
	return fmt.Sprintf("Host %s, Used %d/%d, Mem %g, Groups %v, Online %t",
		n.Hostname, n.used, n.Cores, n.Memory, n.groups, n.online)
}

// GetGroups returns a copy of the group labels in configuration order.
func (n *Node) GetGroups() []string {
	grps := make([]string, len(n.groups))
	copy(grps, n.groups)
	return grps
}

// FirstGroup returns the first configured group, or an empty string for a node without groups.
func (n *Node) FirstGroup() string {
	if len(n.groups) == 0 {
		return ""
	}
	return n.groups[0]
}

func (n *Node) InGroup(group string) bool {
	for _, g := range n.groups {
		if g == group {
			return true
		}
	}
	return false
}

// InAnyGroup returns true if the node is a member of at least one of the groups.
func (n *Node) InAnyGroup(groups []string) bool {
	for _, g := range groups {
		if n.InGroup(g) {
			return true
		}
	}
	return false
}

func (n *Node) GetUsed() int {
	return n.used
}

func (n *Node) GetFree() int {
	return n.Cores - n.used
}

func (n *Node) IsIdle() bool {
	return n.used == 0
}

func (n *Node) IsOnline() bool {
	return n.online
}

func (n *Node) setOnline(online bool) {
	n.online = online
}

// checkReserve verifies that count cores can be added without exceeding the capacity.
func (n *Node) checkReserve(count int) error {
	if n.used+count > n.Cores {
		return common.NewReasonError(common.ErrInvariant,
			"internal error: reserving %d cores on %s would exceed capacity (%d/%d used)", count, n.Hostname, n.used, n.Cores)
	}
	return nil
}

// checkUnreserve verifies that count cores can be released without going negative.
func (n *Node) checkUnreserve(count int) error {
	if n.used-count < 0 {
		return common.NewReasonError(common.ErrInvariant,
			"internal error: releasing %d cores on %s with only %d used", count, n.Hostname, n.used)
	}
	return nil
}
