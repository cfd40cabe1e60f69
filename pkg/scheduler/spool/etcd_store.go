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

package spool

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wq-project/wq/pkg/common/configs"
	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/scheduler/objects"
)

// EtcdStore keeps the records as keys below a prefix: <prefix>/jobs/<pid>.<stage> and <prefix>/users.yaml.
type EtcdStore struct {
	client         *clientv3.Client
	prefix         string
	requestTimeout time.Duration
}

func NewEtcdStore(conf configs.EtcdConfig) (*EtcdStore, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   conf.Endpoints,
		DialTimeout: conf.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to etcd: %w", err)
	}
	log.Log(log.SchedSpool).Info("etcd store connected",
		zap.Strings("endpoints", conf.Endpoints),
		zap.String("prefix", conf.Prefix))
	return newEtcdStore(client, conf), nil
}

func newEtcdStore(client *clientv3.Client, conf configs.EtcdConfig) *EtcdStore {
	timeout := conf.RequestTimeout
	if timeout <= 0 {
		timeout = configs.DefaultEtcdRequestTime
	}
	return &EtcdStore{
		client:         client,
		prefix:         strings.TrimSuffix(conf.Prefix, "/"),
		requestTimeout: timeout,
	}
}

func (s *EtcdStore) jobsPrefix() string {
	return s.prefix + "/jobs/"
}

func (s *EtcdStore) usersKey() string {
	return path.Join(s.prefix, usersRecord)
}

func (s *EtcdStore) RecordName(pid, stage string) string {
	return s.jobsPrefix() + pid + "." + stage
}

// SaveJob writes the new record and deletes the previous one in a single transaction.
func (s *EtcdStore) SaveJob(job *objects.Job) error {
	stage, err := stageOf(job)
	if err != nil {
		return err
	}
	previous := job.SpoolFname
	job.SpoolFname = s.RecordName(job.PID, stage)
	data, err := encodeJob(job)
	if err != nil {
		job.SpoolFname = previous
		return err
	}
	ops := []clientv3.Op{clientv3.OpPut(job.SpoolFname, string(data))}
	if previous != "" && previous != job.SpoolFname {
		ops = append(ops, clientv3.OpDelete(previous))
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if _, err = s.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		job.SpoolFname = previous
		return fmt.Errorf("writing job record: %w", err)
	}
	log.Log(log.SchedSpool).Debug("job record written",
		zap.String("pid", job.PID),
		zap.String("record", job.SpoolFname))
	return nil
}

func (s *EtcdStore) DeleteJob(job *objects.Job) error {
	if job.SpoolFname == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if _, err := s.client.Delete(ctx, job.SpoolFname); err != nil {
		return fmt.Errorf("removing job record: %w", err)
	}
	job.SpoolFname = ""
	return nil
}

func (s *EtcdStore) LoadJobs() ([]*objects.Job, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	resp, err := s.client.Get(ctx, s.jobsPrefix(), clientv3.WithPrefix(),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend))
	if err != nil {
		return nil, fmt.Errorf("reading job records: %w", err)
	}
	records := make([]rawRecord, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		records = append(records, rawRecord{name: string(kv.Key), data: kv.Value})
	}
	jobs, stale, err := collectJobs(records)
	for _, name := range stale {
		if _, rmErr := s.client.Delete(ctx, name); rmErr != nil {
			log.Log(log.SchedSpool).Warn("failed to remove superseded job record",
				zap.String("record", name),
				zap.Error(rmErr))
		}
	}
	return jobs, err
}

func (s *EtcdStore) SaveUsers(limits map[string]map[string]int) error {
	data, err := yaml.Marshal(toUserEntries(limits))
	if err != nil {
		return fmt.Errorf("encoding users: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	if _, err = s.client.Put(ctx, s.usersKey(), string(data)); err != nil {
		return fmt.Errorf("writing users: %w", err)
	}
	return nil
}

func (s *EtcdStore) LoadUsers() (map[string]map[string]int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), s.requestTimeout)
	defer cancel()
	resp, err := s.client.Get(ctx, s.usersKey())
	if err != nil {
		return nil, fmt.Errorf("reading users: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return map[string]map[string]int{}, nil
	}
	entries := make(map[string]userEntry)
	if err = yaml.Unmarshal(resp.Kvs[0].Value, &entries); err != nil {
		return nil, fmt.Errorf("decoding users: %w", err)
	}
	return fromUserEntries(entries), nil
}

func (s *EtcdStore) Close() error {
	return s.client.Close()
}
