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

package server

import (
	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/locking"
	"github.com/wq-project/wq/pkg/log"
)

// ConnLimiter bounds the number of client connections served at the same time, in total and per remote host.
type ConnLimiter struct {
	perHost      map[string]int // number of connections per host
	total        int            // total number of connections
	limitTotal   int
	limitPerHost int
	locking.Mutex
}

func NewConnLimiter(total, perHost int) *ConnLimiter {
	return &ConnLimiter{
		perHost:      make(map[string]int),
		limitTotal:   total,
		limitPerHost: perHost,
	}
}

func (cl *ConnLimiter) AddHost(host string) bool {
	cl.Lock()
	defer cl.Unlock()

	if cl.total >= cl.limitTotal {
		log.Log(log.Transport).Info("Number of total connections reached",
			zap.Int("limit", cl.limitTotal),
			zap.String("host", host))
		return false
	}
	if cl.perHost[host] >= cl.limitPerHost {
		log.Log(log.Transport).Info("Per host connection limit reached",
			zap.Int("limit", cl.limitPerHost),
			zap.String("host", host))
		return false
	}

	cl.total++
	cl.perHost[host]++
	return true
}

func (cl *ConnLimiter) RemoveHost(host string) {
	cl.Lock()
	defer cl.Unlock()

	count, ok := cl.perHost[host]
	if !ok {
		log.Log(log.Transport).Warn("Tried to remove a non-existing host from tracking",
			zap.String("host", host))
		return
	}

	cl.total--
	if count == 1 {
		delete(cl.perHost, host)
		return
	}
	cl.perHost[host]--
}
