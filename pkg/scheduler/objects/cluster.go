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

	"github.com/google/btree"
	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/common"
	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/webservice/dao"
)

// Cluster is the fixed set of hosts loaded at start up.
// Membership never changes while the process runs, only usage and the online state do.
type Cluster struct {
	nodes  map[string]*Node
	sorted *btree.BTreeG[*Node] // nodes in ascending hostname order
}

func nodeLess(a, b *Node) bool {
	return a.Hostname < b.Hostname
}

// NewCluster creates the cluster from a list of nodes, hostnames must be unique.
func NewCluster(nodes []*Node) (*Cluster, error) {
	c := &Cluster{
		nodes:  make(map[string]*Node, len(nodes)),
		sorted: btree.NewG[*Node](7, nodeLess),
	}
	for _, node := range nodes {
		if node == nil {
			return nil, fmt.Errorf("node cannot be nil")
		}
		if _, ok := c.nodes[node.Hostname]; ok {
			return nil, fmt.Errorf("cluster has an existing node %s, hostname must be unique", node.Hostname)
		}
		c.nodes[node.Hostname] = node
		c.sorted.ReplaceOrInsert(node)
	}
	return c, nil
}

func (c *Cluster) GetNode(hostname string) *Node {
	return c.nodes[hostname]
}

func (c *Cluster) GetNodeCount() int {
	return len(c.nodes)
}

// ForEachNode calls f for every node in ascending hostname order until f returns false.
func (c *Cluster) ForEachNode(f func(*Node) bool) {
	c.sorted.Ascend(func(node *Node) bool {
		return f(node)
	})
}

// GetNodes returns all nodes in ascending hostname order.
func (c *Cluster) GetNodes() []*Node {
	nodes := make([]*Node, 0, len(c.nodes))
	c.ForEachNode(func(node *Node) bool {
		nodes = append(nodes, node)
		return true
	})
	return nodes
}

func (c *Cluster) TotalCores() int {
	total := 0
	for _, node := range c.nodes {
		total += node.Cores
	}
	return total
}

// countHosts converts a host assignment, one entry per core, into cores per host.
func (c *Cluster) countHosts(hosts []string) (map[string]int, error) {
	counts := make(map[string]int)
	for _, h := range hosts {
		if _, ok := c.nodes[h]; !ok {
			return nil, common.NewReasonError(common.ErrUnknownHost, "host '%s' does not exist", h)
		}
		counts[h]++
	}
	return counts, nil
}

// Reserve adds one used core per occurrence of a host in the list.
// All hosts are checked before anything changes: on error no node has been modified.
func (c *Cluster) Reserve(hosts []string) error {
	counts, err := c.countHosts(hosts)
	if err != nil {
		return err
	}
	for h, count := range counts {
		if err = c.nodes[h].checkReserve(count); err != nil {
			return err
		}
	}
	for h, count := range counts {
		c.nodes[h].used += count
	}
	return nil
}

// Unreserve releases one used core per occurrence of a host in the list.
// All hosts are checked before anything changes: on error no node has been modified.
func (c *Cluster) Unreserve(hosts []string) error {
	counts, err := c.countHosts(hosts)
	if err != nil {
		return err
	}
	for h, count := range counts {
		if err = c.nodes[h].checkUnreserve(count); err != nil {
			return err
		}
	}
	for h, count := range counts {
		c.nodes[h].used -= count
	}
	return nil
}

// SetOnline changes the availability of a host. Jobs already running on the host are not touched.
func (c *Cluster) SetOnline(hostname string, online bool) error {
	node, ok := c.nodes[hostname]
	if !ok {
		return common.NewReasonError(common.ErrUnknownHost, "Host not found.")
	}
	if node.online != online {
		log.Log(log.SchedCluster).Info("node availability changed",
			zap.String("host", hostname),
			zap.Bool("online", online))
	}
	node.setOnline(online)
	return nil
}

// Reconcile sets the usage of every node to the number of cores assigned to it in the
// given host assignments, the reservations of all running jobs.
// The hostnames of the nodes that had drifted are returned in ascending order.
func (c *Cluster) Reconcile(assignments [][]string) []string {
	expected := make(map[string]int, len(c.nodes))
	for _, hosts := range assignments {
		for _, h := range hosts {
			if _, ok := c.nodes[h]; !ok {
				log.Log(log.SchedCluster).Error("running job assigned to unknown host",
					zap.String("host", h))
				continue
			}
			expected[h]++
		}
	}
	var drifted []string
	c.ForEachNode(func(node *Node) bool {
		want := expected[node.Hostname]
		if want > node.Cores {
			log.Log(log.SchedCluster).Error("running jobs exceed node capacity",
				zap.String("host", node.Hostname),
				zap.Int("assigned", want),
				zap.Int("cores", node.Cores))
			want = node.Cores
		}
		if node.used != want {
			log.Log(log.SchedCluster).Warn("node usage drifted, repairing",
				zap.String("host", node.Hostname),
				zap.Int("counted", node.used),
				zap.Int("expected", want))
			node.used = want
			drifted = append(drifted, node.Hostname)
		}
		return true
	})
	return drifted
}

// Status returns the snapshot of all nodes in ascending hostname order plus the cluster totals.
func (c *Cluster) Status() *dao.ClusterStatus {
	status := &dao.ClusterStatus{
		NodeCount: len(c.nodes),
		Nodes:     make([]*dao.NodeStatus, 0, len(c.nodes)),
	}
	c.ForEachNode(func(node *Node) bool {
		status.Nodes = append(status.Nodes, &dao.NodeStatus{
			Hostname: node.Hostname,
			Used:     node.used,
			Cores:    node.Cores,
			Memory:   node.Memory,
			Groups:   node.GetGroups(),
			Online:   node.online,
		})
		status.Cores += node.Cores
		status.Used += node.used
		if node.online {
			status.OnlineCores += node.Cores
		}
		return true
	})
	return status
}
