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
	"sort"

	"github.com/wq-project/wq/pkg/scheduler/objects"
)

// GroupSet is the set of groups withheld from lower priority jobs during one refresh pass.
type GroupSet map[string]struct{}

func NewGroupSet(groups ...string) GroupSet {
	gs := make(GroupSet, len(groups))
	for _, g := range groups {
		gs.Add(g)
	}
	return gs
}

func (gs GroupSet) Add(group string) {
	gs[group] = struct{}{}
}

func (gs GroupSet) Has(group string) bool {
	_, ok := gs[group]
	return ok
}

// Blocks returns true if the node is a member of any group in the set.
func (gs GroupSet) Blocks(node *objects.Node) bool {
	if len(gs) == 0 {
		return false
	}
	for _, g := range node.GetGroups() {
		if gs.Has(g) {
			return true
		}
	}
	return false
}

// Sorted returns the groups in ascending order.
func (gs GroupSet) Sorted() []string {
	groups := make([]string, 0, len(gs))
	for g := range gs {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}
