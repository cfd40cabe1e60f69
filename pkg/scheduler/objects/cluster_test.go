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
	"errors"
	"strings"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/wq-project/wq/pkg/common"
)

func newTestCluster(t *testing.T) *Cluster {
	cluster, err := ParseCluster(strings.NewReader(`
# test cluster
hostB 4 16 g1,g2
hostA 4 8 g1

hostC 8 32
`))
	assert.NilError(t, err, "cluster parse failed")
	return cluster
}

func TestParseCluster(t *testing.T) {
	cluster := newTestCluster(t)
	assert.Equal(t, cluster.GetNodeCount(), 3)
	assert.Equal(t, cluster.TotalCores(), 16)

	node := cluster.GetNode("hostB")
	assert.Assert(t, node != nil, "hostB not found")
	assert.Equal(t, node.Cores, 4)
	assert.Equal(t, node.Memory, 16.0)
	assert.DeepEqual(t, node.GetGroups(), []string{"g1", "g2"})
	assert.Equal(t, node.FirstGroup(), "g1")
	assert.Assert(t, node.IsOnline(), "new node should be online")
	assert.Equal(t, cluster.GetNode("hostC").FirstGroup(), "")
	assert.Assert(t, cluster.GetNode("unknown") == nil)
}

func TestParseClusterErrors(t *testing.T) {
	tests := map[string]string{
		"empty":      "\n# nothing\n",
		"short line": "hostA 4\n",
		"bad cores":  "hostA four 8\n",
		"neg cores":  "hostA -1 8\n",
		"bad memory": "hostA 4 lots\n",
		"duplicate":  "hostA 4 8\nhostA 2 8\n",
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseCluster(strings.NewReader(content))
			assert.Assert(t, err != nil, "expected parse error")
		})
	}
}

func TestLoadClusterMissingFile(t *testing.T) {
	_, err := LoadCluster(t.TempDir() + "/nothere")
	assert.ErrorContains(t, err, "opening cluster description")
}

func TestForEachNodeSorted(t *testing.T) {
	cluster := newTestCluster(t)
	var names []string
	for _, node := range cluster.GetNodes() {
		names = append(names, node.Hostname)
	}
	assert.DeepEqual(t, names, []string{"hostA", "hostB", "hostC"})

	// stop early
	names = nil
	cluster.ForEachNode(func(node *Node) bool {
		names = append(names, node.Hostname)
		return false
	})
	assert.DeepEqual(t, names, []string{"hostA"})
}

func TestReserveUnreserve(t *testing.T) {
	cluster := newTestCluster(t)
	err := cluster.Reserve([]string{"hostA", "hostA", "hostB"})
	assert.NilError(t, err, "reserve failed")
	assert.Equal(t, cluster.GetNode("hostA").GetUsed(), 2)
	assert.Equal(t, cluster.GetNode("hostA").GetFree(), 2)
	assert.Equal(t, cluster.GetNode("hostB").GetUsed(), 1)
	assert.Assert(t, !cluster.GetNode("hostB").IsIdle())
	assert.Assert(t, cluster.GetNode("hostC").IsIdle())

	// over capacity: nothing changes
	err = cluster.Reserve([]string{"hostB", "hostA", "hostA", "hostA"})
	assert.Assert(t, errors.Is(err, common.ErrInvariant), "expected invariant error, got %v", err)
	assert.Equal(t, cluster.GetNode("hostA").GetUsed(), 2)
	assert.Equal(t, cluster.GetNode("hostB").GetUsed(), 1)

	// unknown host: nothing changes
	err = cluster.Reserve([]string{"hostB", "hostX"})
	assert.Assert(t, errors.Is(err, common.ErrUnknownHost), "expected unknown host error, got %v", err)
	assert.Equal(t, cluster.GetNode("hostB").GetUsed(), 1)

	err = cluster.Unreserve([]string{"hostA", "hostA", "hostB"})
	assert.NilError(t, err, "unreserve failed")
	assert.Equal(t, cluster.GetNode("hostA").GetUsed(), 0)
	assert.Equal(t, cluster.GetNode("hostB").GetUsed(), 0)

	// double release
	err = cluster.Unreserve([]string{"hostA"})
	assert.Assert(t, errors.Is(err, common.ErrInvariant), "expected invariant error, got %v", err)
	assert.Equal(t, cluster.GetNode("hostA").GetUsed(), 0)
}

func TestSetOnline(t *testing.T) {
	cluster := newTestCluster(t)
	assert.NilError(t, cluster.SetOnline("hostA", false))
	assert.Assert(t, !cluster.GetNode("hostA").IsOnline())
	assert.NilError(t, cluster.SetOnline("hostA", true))
	assert.Assert(t, cluster.GetNode("hostA").IsOnline())
	err := cluster.SetOnline("hostX", false)
	assert.Assert(t, errors.Is(err, common.ErrUnknownHost))
	assert.Error(t, err, "Host not found.")
}

func TestReconcile(t *testing.T) {
	cluster := newTestCluster(t)
	assert.NilError(t, cluster.Reserve([]string{"hostA", "hostB"}))
	// simulate drift
	cluster.GetNode("hostC").used = 3

	drifted := cluster.Reconcile([][]string{{"hostA"}, {"hostB"}})
	assert.DeepEqual(t, drifted, []string{"hostC"})
	assert.Equal(t, cluster.GetNode("hostC").GetUsed(), 0)

	drifted = cluster.Reconcile([][]string{{"hostA"}, {"hostB"}})
	assert.Equal(t, len(drifted), 0)

	drifted = cluster.Reconcile([][]string{{"hostA", "hostA", "hostX"}})
	assert.DeepEqual(t, drifted, []string{"hostA", "hostB"})
	assert.Equal(t, cluster.GetNode("hostA").GetUsed(), 2)
	assert.Equal(t, cluster.GetNode("hostB").GetUsed(), 0)
}

func TestClusterStatus(t *testing.T) {
	cluster := newTestCluster(t)
	assert.NilError(t, cluster.Reserve([]string{"hostC", "hostC", "hostA"}))
	assert.NilError(t, cluster.SetOnline("hostB", false))

	status := cluster.Status()
	assert.Equal(t, status.Used, 3)
	assert.Equal(t, status.Cores, 16)
	assert.Equal(t, status.OnlineCores, 12)
	assert.Equal(t, status.NodeCount, 3)
	assert.Equal(t, len(status.Nodes), 3)
	assert.Equal(t, status.Nodes[0].Hostname, "hostA")
	assert.Equal(t, status.Nodes[0].Used, 1)
	assert.Equal(t, status.Nodes[1].Online, false)
	assert.DeepEqual(t, status.Nodes[1].Groups, []string{"g1", "g2"})
	assert.Equal(t, status.Nodes[2].Used, 2)
	assert.Equal(t, status.Nodes[2].Memory, 32.0)
}

func TestNodeGroups(t *testing.T) {
	node := NewNode("h", 2, 1, []string{"a", "b"})
	assert.Assert(t, node.InGroup("b"))
	assert.Assert(t, !node.InGroup("c"))
	assert.Assert(t, node.InAnyGroup([]string{"c", "a"}))
	assert.Assert(t, !node.InAnyGroup(nil))
	// groups are copied
	grps := node.GetGroups()
	grps[0] = "z"
	assert.Assert(t, node.InGroup("a"))
}
