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
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/log"
)

// LoadCluster reads the cluster description file.
func LoadCluster(path string) (*Cluster, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening cluster description: %w", err)
	}
	defer file.Close()
	cluster, err := ParseCluster(file)
	if err != nil {
		return nil, fmt.Errorf("cluster description %s: %w", path, err)
	}
	log.Log(log.SchedCluster).Info("cluster loaded",
		zap.String("path", path),
		zap.Int("nodes", cluster.GetNodeCount()),
		zap.Int("cores", cluster.TotalCores()))
	return cluster, nil
}

// ParseCluster reads one host per line: "hostname ncores mem [group,group...]".
// Empty lines and lines starting with # are skipped.
func ParseCluster(r io.Reader) (*Cluster, error) {
	var nodes []*Node
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		node, err := parseNode(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		nodes = append(nodes, node)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("no hosts defined")
	}
	return NewCluster(nodes)
}

func parseNode(line string) (*Node, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, fmt.Errorf("expected 'hostname ncores mem [groups]', got '%s'", line)
	}
	cores, err := strconv.Atoi(fields[1])
	if err != nil || cores < 0 {
		return nil, fmt.Errorf("invalid core count '%s' for host %s", fields[1], fields[0])
	}
	mem, err := strconv.ParseFloat(fields[2], 64)
	if err != nil {
		return nil, fmt.Errorf("invalid memory size '%s' for host %s", fields[2], fields[0])
	}
	var groups []string
	if len(fields) > 3 {
		for _, g := range strings.Split(fields[3], ",") {
			if g != "" {
				groups = append(groups, g)
			}
		}
	}
	return NewNode(fields[0], cores, mem, groups), nil
}
