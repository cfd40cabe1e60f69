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

package metrics

import (
	"sync"
	"time"
)

const (
	// Namespace for all metrics inside the scheduler
	Namespace = "wq"
	// SchedulerSubsystem - subsystem name used by scheduler
	SchedulerSubsystem = "scheduler"
	// TransportSubsystem - subsystem name used by the request transport
	TransportSubsystem = "transport"
)

var once sync.Once
var m *Metrics

type Metrics struct {
	scheduler *SchedulerMetrics
}

func init() {
	once.Do(func() {
		m = &Metrics{
			scheduler: InitSchedulerMetrics(),
		}
	})
}

func GetSchedulerMetrics() *SchedulerMetrics {
	return m.scheduler
}

func SinceInSeconds(start time.Time) float64 {
	return time.Since(start).Seconds()
}
