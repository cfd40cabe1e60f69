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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/scheduler/objects"
)

// FileStore keeps the records as files in the spool directory: <pid>.wait, <pid>.run and users.yaml.
type FileStore struct {
	dir string
}

// NewFileStore creates the spool directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("spool directory not set")
	}
	if _, err := os.Stat(dir); errors.Is(err, fs.ErrNotExist) {
		log.Log(log.SchedSpool).Info("creating spool directory",
			zap.String("dir", dir))
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating spool directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) RecordName(pid, stage string) string {
	return filepath.Join(s.dir, pid+"."+stage)
}

// writeFile replaces the file content using a rename so a record is never seen half written.
func (s *FileStore) writeFile(name string, data []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".record-*")
	if err != nil {
		return err
	}
	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err = tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err = os.Rename(tmp.Name(), name); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *FileStore) SaveJob(job *objects.Job) error {
	stage, err := stageOf(job)
	if err != nil {
		return err
	}
	previous := job.SpoolFname
	job.SpoolFname = s.RecordName(job.PID, stage)
	data, err := encodeJob(job)
	if err == nil {
		err = s.writeFile(job.SpoolFname, data)
	}
	if err != nil {
		job.SpoolFname = previous
		return fmt.Errorf("writing job record: %w", err)
	}
	if previous != "" && previous != job.SpoolFname {
		if err = os.Remove(previous); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Log(log.SchedSpool).Warn("failed to remove previous job record",
				zap.String("record", previous),
				zap.Error(err))
		}
	}
	log.Log(log.SchedSpool).Debug("job record written",
		zap.String("pid", job.PID),
		zap.String("record", job.SpoolFname))
	return nil
}

func (s *FileStore) DeleteJob(job *objects.Job) error {
	if job.SpoolFname == "" {
		return nil
	}
	if err := os.Remove(job.SpoolFname); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing job record: %w", err)
	}
	job.SpoolFname = ""
	return nil
}

func (s *FileStore) LoadJobs() ([]*objects.Job, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading spool directory: %w", err)
	}
	var records []rawRecord
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if _, ok := recordStage(entry.Name()); !ok {
			continue
		}
		name := filepath.Join(s.dir, entry.Name())
		data, err := os.ReadFile(name)
		if err != nil {
			log.Log(log.SchedSpool).Warn("could not read job record",
				zap.String("record", name),
				zap.Error(err))
			continue
		}
		records = append(records, rawRecord{name: name, data: data})
	}
	jobs, stale, err := collectJobs(records)
	for _, name := range stale {
		if rmErr := os.Remove(name); rmErr != nil {
			log.Log(log.SchedSpool).Warn("failed to remove superseded job record",
				zap.String("record", name),
				zap.Error(rmErr))
		}
	}
	return jobs, err
}

func (s *FileStore) usersFile() string {
	return filepath.Join(s.dir, usersRecord)
}

func (s *FileStore) SaveUsers(limits map[string]map[string]int) error {
	data, err := yaml.Marshal(toUserEntries(limits))
	if err != nil {
		return fmt.Errorf("encoding users: %w", err)
	}
	if err = s.writeFile(s.usersFile(), data); err != nil {
		return fmt.Errorf("writing users: %w", err)
	}
	log.Log(log.SchedSpool).Info("users saved",
		zap.String("file", s.usersFile()),
		zap.Int("users", len(limits)))
	return nil
}

// LoadUsers returns the stored limits, an empty set if nothing was stored yet.
func (s *FileStore) LoadUsers() (map[string]map[string]int, error) {
	data, err := os.ReadFile(s.usersFile())
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]map[string]int{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading users: %w", err)
	}
	entries := make(map[string]userEntry)
	if err = yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("decoding users: %w", err)
	}
	return fromUserEntries(entries), nil
}

func (s *FileStore) Close() error {
	return nil
}
