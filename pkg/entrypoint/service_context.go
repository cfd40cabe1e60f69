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

package entrypoint

import (
	"context"

	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/scheduler"
	"github.com/wq-project/wq/pkg/scheduler/spool"
	"github.com/wq-project/wq/pkg/server"
	"github.com/wq-project/wq/pkg/webservice"
)

type ServiceContext struct {
	Scheduler     *scheduler.Scheduler
	Server        *server.Server
	WebApp        *webservice.WebService
	HealthChecker *scheduler.HealthChecker
	Store         spool.Store

	cancel     context.CancelFunc
	serverDone chan error
}

// Wait blocks until the transport stopped and returns its error.
func (s *ServiceContext) Wait() error {
	if s.serverDone == nil {
		return nil
	}
	return <-s.serverDone
}

func (s *ServiceContext) StopAll() {
	log.Log(log.Entrypoint).Info("ServiceContext stop all services")
	if s.WebApp != nil {
		if err := s.WebApp.StopWebApp(); err != nil {
			log.Log(log.Entrypoint).Error("failed to stop web-app",
				zap.Error(err))
		}
	}
	if s.cancel != nil {
		s.cancel()
		if err := s.Wait(); err != nil {
			log.Log(log.Entrypoint).Error("transport stopped with error",
				zap.Error(err))
		}
		s.serverDone = nil
	}
	if s.HealthChecker != nil {
		s.HealthChecker.Stop()
	}
	if err := s.Scheduler.SaveUsers(); err != nil {
		log.Log(log.Entrypoint).Error("failed to save users on shutdown",
			zap.Error(err))
	}
	if err := s.Store.Close(); err != nil {
		log.Log(log.Entrypoint).Error("failed to close store",
			zap.Error(err))
	}
}
