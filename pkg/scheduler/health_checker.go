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

package scheduler

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/common/configs"
	"github.com/wq-project/wq/pkg/locking"
	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/scheduler/objects"
	"github.com/wq-project/wq/pkg/webservice/dao"
)

const defaultInterval = 30 * time.Second

type HealthChecker struct {
	interval time.Duration
	stopChan chan struct{}
}

// NewHealthChecker uses the configured check interval.
func NewHealthChecker(conf *configs.ServerConfig) *HealthChecker {
	interval := conf.HealthCheckInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	return NewHealthCheckerWithParameters(interval)
}

func NewHealthCheckerWithParameters(period time.Duration) *HealthChecker {
	return &HealthChecker{
		interval: period,
		stopChan: make(chan struct{}),
	}
}

// Start runs the checks right away and then on every tick in the background.
func (c *HealthChecker) Start(s *Scheduler) {
	c.runOnce(s)

	go func() {
		ticker := time.NewTicker(c.interval)
		for {
			select {
			case <-c.stopChan:
				ticker.Stop()
				return
			case <-ticker.C:
				c.runOnce(s)
			}
		}
	}()
}

func (c *HealthChecker) Stop() {
	close(c.stopChan)
}

func (c *HealthChecker) runOnce(s *Scheduler) {
	result := GetSchedulerHealthStatus(s)
	s.SetLastHealthCheckResult(result)
	if !result.Healthy {
		log.Log(log.Diagnostics).Warn("Scheduler is not healthy",
			zap.Any("health check values", result.HealthChecks))
	} else {
		log.Log(log.Diagnostics).Debug("Scheduler is healthy",
			zap.Any("health check values", result.HealthChecks))
	}
}

// GetSchedulerHealthStatus checks the node usage and user counters against the running jobs.
func GetSchedulerHealthStatus(s *Scheduler) *dao.SchedulerHealthDAOInfo {
	var healthInfo []dao.HealthCheckInfo
	healthInfo = append(healthInfo, checkDeadlock())
	healthInfo = append(healthInfo, s.checkSchedulingState()...)
	healthy := true
	for _, h := range healthInfo {
		if !h.Succeeded {
			healthy = false
			break
		}
	}
	return &dao.SchedulerHealthDAOInfo{
		Healthy:      healthy,
		HealthChecks: healthInfo,
	}
}

func CreateCheckInfo(succeeded bool, name, description, message string) dao.HealthCheckInfo {
	return dao.HealthCheckInfo{
		Name:             name,
		Succeeded:        succeeded,
		Description:      description,
		DiagnosisMessage: message,
	}
}

func checkDeadlock() dao.HealthCheckInfo {
	detected := locking.IsDeadlockDetected()
	return CreateCheckInfo(!detected, "Deadlock detection",
		"Check if a potential deadlock was reported by the lock tracking",
		fmt.Sprintf("Potential deadlock detected: %t", detected))
}

func (s *Scheduler) checkSchedulingState() []dao.HealthCheckInfo {
	s.Lock()
	defer s.Unlock()

	// 1. node usage within [0, cores]
	var negativeUsage []string
	var overCapacity []string
	// 2. node usage equals the cores reserved by running jobs
	var usageMismatch []string
	// 3. running jobs on hosts the cluster does not know
	var orphanJobs []string
	// 4. user counters equal the running jobs of the user
	var userMismatch []string

	derived := make(map[string]int)
	userJobs := make(map[string]int)
	userCores := make(map[string]int)
	for _, job := range s.queue {
		if !job.IsRunning() {
			continue
		}
		userJobs[job.User]++
		userCores[job.User] += len(job.Hosts)
		for _, host := range job.Hosts {
			if s.cluster.GetNode(host) == nil {
				orphanJobs = append(orphanJobs, job.PID)
				break
			}
			derived[host]++
		}
	}
	s.cluster.ForEachNode(func(node *objects.Node) bool {
		used := node.GetUsed()
		if used < 0 {
			negativeUsage = append(negativeUsage, node.Hostname)
		}
		if used > node.Cores {
			overCapacity = append(overCapacity, node.Hostname)
		}
		if used != derived[node.Hostname] {
			usageMismatch = append(usageMismatch, node.Hostname)
		}
		return true
	})
	for user, info := range s.users.Records() {
		if info.Jobs != userJobs[user] || info.Cores != userCores[user] {
			userMismatch = append(userMismatch, user)
		}
	}
	sort.Strings(userMismatch)

	var info = make([]dao.HealthCheckInfo, 5)
	info[0] = CreateCheckInfo(len(negativeUsage) == 0, "Negative usage",
		"Check for negative core usage on the nodes",
		fmt.Sprintf("Nodes with negative usage: %q", negativeUsage))
	info[1] = CreateCheckInfo(len(overCapacity) == 0, "Consistency of data",
		"Check if the used cores of a node <= cores of the node",
		fmt.Sprintf("Nodes with inconsistent data: %q", overCapacity))
	info[2] = CreateCheckInfo(len(usageMismatch) == 0, "Consistency of data",
		"Check if the used cores of a node == cores reserved by running jobs",
		fmt.Sprintf("Nodes with inconsistent data: %q", usageMismatch))
	info[3] = CreateCheckInfo(len(orphanJobs) == 0, "Orphan job check",
		"Check if running jobs hold hosts that are not in the cluster",
		fmt.Sprintf("Orphan jobs: %q", orphanJobs))
	info[4] = CreateCheckInfo(len(userMismatch) == 0, "User usage check",
		"Check if the user counters match the running jobs of each user",
		fmt.Sprintf("Users with inconsistent data: %q", userMismatch))
	return info
}

func (s *Scheduler) GetLastHealthCheckResult() *dao.SchedulerHealthDAOInfo {
	s.Lock()
	defer s.Unlock()
	return s.lastHealth
}

func (s *Scheduler) SetLastHealthCheckResult(result *dao.SchedulerHealthDAOInfo) {
	s.Lock()
	defer s.Unlock()
	s.lastHealth = result
}
