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
	"github.com/wq-project/wq/pkg/webservice/dao"
)

const (
	LimitJobs  = "Njobs"
	LimitCores = "Ncores"
)

// UserTracker holds the usage counters and limits of one user.
// The counters are derived from the running jobs, only the limits are stored.
type UserTracker struct {
	userName string
	jobs     int
	cores    int
	limits   map[string]int
}

func newUserTracker(user string) *UserTracker {
	return &UserTracker{
		userName: user,
		limits:   make(map[string]int),
	}
}

func (ut *UserTracker) increase(cores int) {
	if cores <= 0 {
		return
	}
	ut.jobs++
	ut.cores += cores
}

func (ut *UserTracker) decrease(cores int) {
	if cores > 0 {
		ut.jobs--
		ut.cores -= cores
	}
	if ut.jobs < 0 {
		ut.jobs = 0
	}
	if ut.cores < 0 {
		ut.cores = 0
	}
}

// admits returns false if the user is at or above a non-negative limit.
func (ut *UserTracker) admits() bool {
	if len(ut.limits) == 0 {
		return true
	}
	if maxJobs, ok := ut.limits[LimitJobs]; ok && maxJobs >= 0 && ut.jobs >= maxJobs {
		return false
	}
	if maxCores, ok := ut.limits[LimitCores]; ok && maxCores >= 0 && ut.cores >= maxCores {
		return false
	}
	return true
}

func (ut *UserTracker) getLimits() map[string]int {
	limits := make(map[string]int, len(ut.limits))
	for name, value := range ut.limits {
		limits[name] = value
	}
	return limits
}

func (ut *UserTracker) getInfo() *dao.UserInfo {
	return &dao.UserInfo{
		User:   ut.userName,
		Jobs:   ut.jobs,
		Cores:  ut.cores,
		Limits: ut.getLimits(),
	}
}
