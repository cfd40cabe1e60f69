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

package dao

// ClusterStatus is the snapshot returned by the stat command and the cluster REST endpoint.
type ClusterStatus struct {
	Used        int           `json:"used" yaml:"used"`
	Cores       int           `json:"ncores" yaml:"ncores"`
	OnlineCores int           `json:"online_cores" yaml:"online_cores"`
	NodeCount   int           `json:"nnodes" yaml:"nnodes"`
	Nodes       []*NodeStatus `json:"nodes" yaml:"nodes"`
}

type NodeStatus struct {
	Hostname string   `json:"hostname" yaml:"hostname"`
	Used     int      `json:"used" yaml:"used"`
	Cores    int      `json:"ncores" yaml:"ncores"`
	Memory   float64  `json:"mem" yaml:"mem"`
	Groups   []string `json:"grps" yaml:"grps"`
	Online   bool     `json:"online" yaml:"online"` // no omitempty, false is the interesting value
}
