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

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/common/configs"
	"github.com/wq-project/wq/pkg/entrypoint"
	"github.com/wq-project/wq/pkg/log"
)

type serveCmd struct {
	configFile  string
	clusterFile string
	port        int
}

func (c *serveCmd) registerFlags() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler service",
		Args:  cobra.NoArgs,
	}
	cmd.Flags().StringVarP(&c.configFile, "config", "c", "", "server configuration file")
	cmd.Flags().StringVar(&c.clusterFile, "cluster", "", "cluster description file, overrides the configuration")
	cmd.Flags().IntVarP(&c.port, "port", "p", 0, "listen port, overrides the configuration")
	return cmd
}

func (c *serveCmd) run(_ *cliClient, cmd *cobra.Command, _ []string) error {
	conf, err := configs.LoadServerConfig(c.configFile)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("port") {
		conf.Port = c.port
	}
	if c.clusterFile != "" {
		conf.ClusterFile = c.clusterFile
	}
	services, err := entrypoint.StartAllServices(conf)
	if err != nil {
		return err
	}
	defer services.StopAll()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	done := make(chan error, 1)
	go func() {
		done <- services.Wait()
	}()
	select {
	case <-ctx.Done():
		log.Log(log.Entrypoint).Info("shutdown signal received")
	case err = <-done:
		if err != nil {
			log.Log(log.Entrypoint).Error("transport stopped", zap.Error(err))
		}
	}
	return err
}
