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

package ugm

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/common"
	"github.com/wq-project/wq/pkg/locking"
	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/webservice/dao"
)

const (
	ActionSet   = "set"
	ActionClear = "clear"
)

// Manager tracks the running jobs and cores per user and enforces the per user limits.
type Manager struct {
	userTrackers map[string]*UserTracker

	locking.RWMutex
}

func NewManager() *Manager {
	return &Manager{
		userTrackers: make(map[string]*UserTracker),
	}
}

// getOrCreate must be called while holding the lock.
func (m *Manager) getOrCreate(user string) *UserTracker {
	ut, ok := m.userTrackers[user]
	if !ok {
		ut = newUserTracker(user)
		m.userTrackers[user] = ut
	}
	return ut
}

// Get returns the record of the user, a new empty record is created for an unknown user.
func (m *Manager) Get(user string) *dao.UserInfo {
	m.Lock()
	defer m.Unlock()
	return m.getOrCreate(user).getInfo()
}

// Increment counts one more running job using the cores. Nothing changes if no cores are used.
func (m *Manager) Increment(user string, cores int) {
	m.Lock()
	defer m.Unlock()
	m.getOrCreate(user).increase(cores)
	log.Log(log.SchedUGM).Debug("user usage increased",
		zap.String("user", user),
		zap.Int("cores", cores))
}

// Decrement removes one running job using the cores. The counters never drop below zero.
func (m *Manager) Decrement(user string, cores int) {
	m.Lock()
	defer m.Unlock()
	ut, ok := m.userTrackers[user]
	if !ok {
		return
	}
	ut.decrease(cores)
	log.Log(log.SchedUGM).Debug("user usage decreased",
		zap.String("user", user),
		zap.Int("cores", cores))
}

// Admits returns true if the user may start another job. Unknown users and users without limits are always admitted.
func (m *Manager) Admits(user string) bool {
	m.RLock()
	defer m.RUnlock()
	ut, ok := m.userTrackers[user]
	if !ok {
		return true
	}
	return ut.admits()
}

// SetLimits merges the limits into the user's limits, or wipes all limits for the clear action.
func (m *Manager) SetLimits(user string, limits map[string]int, action string) error {
	if action != ActionSet && action != ActionClear {
		return common.NewReasonError(common.ErrBadRequest, "action should be 'clear'or 'set'")
	}
	m.Lock()
	defer m.Unlock()
	ut := m.getOrCreate(user)
	if action == ActionClear {
		ut.limits = make(map[string]int)
	} else {
		for name, value := range limits {
			ut.limits[name] = value
		}
	}
	log.Log(log.SchedUGM).Info("user limits updated",
		zap.String("user", user),
		zap.String("action", action),
		zap.Any("limits", ut.limits))
	return nil
}

// Limits returns the limits of all known users, the state that needs to be stored.
func (m *Manager) Limits() map[string]map[string]int {
	m.RLock()
	defer m.RUnlock()
	result := make(map[string]map[string]int, len(m.userTrackers))
	for user, ut := range m.userTrackers {
		result[user] = ut.getLimits()
	}
	return result
}

// LoadLimits replaces all users with the stored limits and zero usage.
func (m *Manager) LoadLimits(limits map[string]map[string]int) {
	m.Lock()
	defer m.Unlock()
	m.userTrackers = make(map[string]*UserTracker, len(limits))
	for user, userLimits := range limits {
		ut := m.getOrCreate(user)
		for name, value := range userLimits {
			ut.limits[name] = value
		}
	}
	log.Log(log.SchedUGM).Info("user limits loaded",
		zap.Int("users", len(limits)))
}

// ResetUsage zeroes the counters of all users, the limits are kept.
func (m *Manager) ResetUsage() {
	m.Lock()
	defer m.Unlock()
	for _, ut := range m.userTrackers {
		ut.jobs = 0
		ut.cores = 0
	}
}

// Records returns a snapshot of all users keyed by name.
func (m *Manager) Records() map[string]*dao.UserInfo {
	m.RLock()
	defer m.RUnlock()
	result := make(map[string]*dao.UserInfo, len(m.userTrackers))
	for user, ut := range m.userTrackers {
		result[user] = ut.getInfo()
	}
	return result
}

// SortedRecords returns a snapshot of all users in ascending name order.
func (m *Manager) SortedRecords() []*dao.UserInfo {
	records := m.Records()
	result := make([]*dao.UserInfo, 0, len(records))
	for _, info := range records {
		result = append(result, info)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].User < result[j].User
	})
	return result
}

func (m *Manager) String() string {
	m.RLock()
	defer m.RUnlock()
	return fmt.Sprintf("users: %d", len(m.userTrackers))
}
