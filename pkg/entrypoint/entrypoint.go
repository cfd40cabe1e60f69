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
	"fmt"

	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/common"
	"github.com/wq-project/wq/pkg/common/configs"
	"github.com/wq-project/wq/pkg/handler"
	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/scheduler"
	"github.com/wq-project/wq/pkg/scheduler/objects"
	"github.com/wq-project/wq/pkg/scheduler/spool"
	"github.com/wq-project/wq/pkg/server"
	"github.com/wq-project/wq/pkg/webservice"
)

// options used to control how services are started
type startupOptions struct {
	startServerFlag bool
	startWebAppFlag bool
	isAlive         func(pid string) bool
}

func StartAllServices(conf *configs.ServerConfig) (*ServiceContext, error) {
	log.Log(log.Entrypoint).Info("ServiceContext start all services")
	return startAllServicesWithParameters(conf,
		startupOptions{
			startServerFlag: true,
			startWebAppFlag: conf.WebService.Enabled,
			isAlive:         common.ProcessAlive,
		})
}

// VisibleForTesting
func StartAllServicesWithParams(conf *configs.ServerConfig, withServer, withWebapp bool, isAlive func(pid string) bool) (*ServiceContext, error) {
	log.Log(log.Entrypoint).Info("ServiceContext start all services")
	return startAllServicesWithParameters(conf,
		startupOptions{
			startServerFlag: withServer,
			startWebAppFlag: withWebapp,
			isAlive:         isAlive,
		})
}

func startAllServicesWithParameters(conf *configs.ServerConfig, opts startupOptions) (*ServiceContext, error) {
	if err := configs.Validate(conf); err != nil {
		return nil, err
	}
	log.UpdateLoggingConfig(conf.LoggingConfig())
	if conf.ClusterFile == "" {
		return nil, fmt.Errorf("no cluster description file configured")
	}
	conf.SpoolDir = common.ExpandHome(conf.SpoolDir)

	cluster, err := objects.LoadCluster(common.ExpandHome(conf.ClusterFile))
	if err != nil {
		return nil, err
	}
	store, err := spool.New(conf)
	if err != nil {
		return nil, err
	}
	sched := scheduler.NewScheduler(cluster, store, conf, opts.isAlive)
	if err = sched.Recover(); err != nil {
		log.Log(log.Entrypoint).Warn("some job records could not be recovered",
			zap.Error(err))
	}
	sched.Refresh()

	context := &ServiceContext{
		Scheduler: sched,
		Store:     store,
	}

	log.Log(log.Entrypoint).Info("ServiceContext start health checker")
	context.HealthChecker = scheduler.NewHealthChecker(conf)
	context.HealthChecker.Start(sched)

	if opts.startServerFlag {
		log.Log(log.Entrypoint).Info("ServiceContext start transport",
			zap.String("address", conf.Address()))
		srv := server.NewServer(conf, handler.NewRouter(sched), sched, func() {
			if saveErr := sched.SaveUsers(); saveErr != nil {
				log.Log(log.Entrypoint).Error("failed to save users", zap.Error(saveErr))
			}
		})
		ctx, cancel := newServeContext()
		context.Server = srv
		context.cancel = cancel
		context.serverDone = make(chan error, 1)
		go func() {
			context.serverDone <- srv.Serve(ctx)
		}()
	}

	if opts.startWebAppFlag {
		log.Log(log.Entrypoint).Info("ServiceContext start web application service")
		webapp := webservice.NewWebApp(sched, conf.WebService.Address)
		webapp.StartWebApp()
		context.WebApp = webapp
	}

	return context, nil
}

func newServeContext() (context.Context, context.CancelFunc) {
	return context.WithCancel(context.Background())
}
