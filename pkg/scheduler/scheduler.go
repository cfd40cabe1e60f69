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
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/common"
	"github.com/wq-project/wq/pkg/common/configs"
	"github.com/wq-project/wq/pkg/locking"
	"github.com/wq-project/wq/pkg/log"
	"github.com/wq-project/wq/pkg/metrics"
	"github.com/wq-project/wq/pkg/scheduler/matcher"
	"github.com/wq-project/wq/pkg/scheduler/objects"
	"github.com/wq-project/wq/pkg/scheduler/spool"
	"github.com/wq-project/wq/pkg/scheduler/ugm"
	"github.com/wq-project/wq/pkg/webservice/dao"
)

// Scheduler owns the job queue, the cluster usage and the user ledger.
// Every exported operation runs to completion under the scheduler lock: no partial change is ever visible.
type Scheduler struct {
	cluster *objects.Cluster
	queue   []*objects.Job // submission order
	users   *ugm.Manager
	store   spool.Store
	isAlive func(pid string) bool
	now     func() time.Time

	spoolWait        float64
	nevermatchExpiry int
	privileged       func(user string) bool

	metrics     *metrics.SchedulerMetrics
	waiting     *log.RateLimitedLogger
	lastHealth  *dao.SchedulerHealthDAOInfo
	lastRefresh time.Time

	locking.Mutex
}

// SubmitResult is the outcome of an accepted submission.
type SubmitResult struct {
	Status     string
	SpoolFname string
	SpoolWait  float64
	Hosts      []string
	Reason     string
}

// NewScheduler creates a scheduler with an empty queue. Call Recover to load the stored state.
func NewScheduler(cluster *objects.Cluster, store spool.Store, conf *configs.ServerConfig, isAlive func(pid string) bool) *Scheduler {
	return &Scheduler{
		cluster:          cluster,
		users:            ugm.NewManager(),
		store:            store,
		isAlive:          isAlive,
		now:              time.Now,
		spoolWait:        conf.SpoolWait,
		nevermatchExpiry: conf.NevermatchExpiry,
		privileged:       conf.IsPrivileged,
		metrics:          metrics.GetSchedulerMetrics(),
		waiting:          log.RateLimitedLog(log.SchedQueue, time.Minute),
	}
}

// Recover loads the user limits and all recorded jobs. Running jobs get their reservation and user usage back.
// A running job whose reservation no longer fits the cluster is put back in the wait state.
// Records that cannot be read are skipped and returned as a combined error, the scheduler is usable either way.
func (s *Scheduler) Recover() error {
	s.Lock()
	defer s.Unlock()
	var errs *multierror.Error

	limits, err := s.store.LoadUsers()
	if err != nil {
		errs = multierror.Append(errs, err)
	} else {
		s.users.LoadLimits(limits)
	}

	jobs, err := s.store.LoadJobs()
	if err != nil {
		errs = multierror.Append(errs, err)
	}
	for _, job := range jobs {
		if _, existing := s.findJob(job.PID); existing != nil {
			errs = multierror.Append(errs, fmt.Errorf("job %s recorded twice", job.PID))
			continue
		}
		if job.IsRunning() {
			if err = s.cluster.Reserve(job.Hosts); err != nil {
				log.Log(log.SchedQueue).Warn("recorded reservation does not fit the cluster, job requeued",
					zap.String("pid", job.PID),
					zap.Strings("hosts", job.Hosts),
					zap.Error(err))
				if err = job.Requeue("reservation lost at restart: " + err.Error()); err == nil {
					err = s.store.SaveJob(job)
				}
				if err != nil {
					errs = multierror.Append(errs, err)
				}
			} else {
				s.users.Increment(job.User, len(job.Hosts))
			}
		}
		s.queue = append(s.queue, job)
	}
	s.updateMetrics()
	log.Log(log.SchedQueue).Info("scheduler state recovered",
		zap.Int("jobs", len(s.queue)),
		zap.Int("users", len(limits)))
	return errs.ErrorOrNil()
}

// findJob must be called while holding the lock.
func (s *Scheduler) findJob(pid string) (int, *objects.Job) {
	for i, job := range s.queue {
		if job.PID == pid {
			return i, job
		}
	}
	return -1, nil
}

// blockedGroups collects the groups requested by waiting block priority jobs.
// A block job without a group blocks the first group of every host.
func (s *Scheduler) blockedGroups() matcher.GroupSet {
	blocked := matcher.NewGroupSet()
	blockAll := false
	for _, job := range s.queue {
		if job.Priority != objects.PriorityBlock || !job.IsWaiting() {
			continue
		}
		groups := job.Require.List("group")
		if len(groups) == 0 {
			blockAll = true
			break
		}
		for _, g := range groups {
			blocked.Add(g)
		}
	}
	if blockAll {
		s.cluster.ForEachNode(func(node *objects.Node) bool {
			if g := node.FirstGroup(); g != "" {
				blocked.Add(g)
			}
			return true
		})
	}
	return blocked
}

// match runs the match engine for a waiting job, block priority jobs ignore the blocked groups.
func (s *Scheduler) match(job *objects.Job, blocked matcher.GroupSet) error {
	if !job.IsWaiting() {
		return nil
	}
	if job.Priority == objects.PriorityBlock {
		blocked = nil
	}
	result := matcher.Match(job.Require, s.cluster, blocked)
	return job.ApplyMatch(result.Possible, result.Matched, result.Hosts, result.Reason)
}

// commit turns a ready job into a running one: reserve the hosts, write the run record and count the usage.
// On failure nothing is reserved and the job is back in the wait state.
func (s *Scheduler) commit(job *objects.Job) error {
	hosts := job.Hosts
	if err := s.cluster.Reserve(hosts); err != nil {
		_ = job.Defer("internal error: " + err.Error())
		if errors.Is(err, common.ErrInvariant) {
			s.metrics.IncInvariantViolation()
			s.reconcile()
		}
		return err
	}
	if err := job.Start(s.now()); err != nil {
		s.unreserve(job.PID, hosts)
		return err
	}
	job.SpoolWait = s.spoolWait
	if err := s.store.SaveJob(job); err != nil {
		s.unreserve(job.PID, hosts)
		_ = job.Requeue("failed to record job: " + err.Error())
		return err
	}
	s.users.Increment(job.User, len(hosts))
	log.Log(log.SchedQueue).Info("job started",
		zap.String("pid", job.PID),
		zap.String("user", job.User),
		zap.Int("cores", len(hosts)))
	return nil
}

func (s *Scheduler) unreserve(pid string, hosts []string) {
	if err := s.cluster.Unreserve(hosts); err != nil {
		log.Log(log.SchedQueue).Error("failed to release reservation",
			zap.String("pid", pid),
			zap.Error(err))
	}
}

// release frees everything a job holds: reservation, user usage and the record. The job ends up done.
// An error is returned if the reservation could not be released, the job is removed regardless.
func (s *Scheduler) release(job *objects.Job) error {
	var err error
	if job.IsRunning() {
		s.users.Decrement(job.User, len(job.Hosts))
		if err = s.cluster.Unreserve(job.Hosts); err != nil {
			log.Log(log.SchedQueue).Error("failed to release reservation",
				zap.String("pid", job.PID),
				zap.Error(err))
		}
	}
	if rmErr := s.store.DeleteJob(job); rmErr != nil {
		log.Log(log.SchedQueue).Warn("failed to remove job record",
			zap.String("pid", job.PID),
			zap.Error(rmErr))
	}
	if fsmErr := job.Complete(); fsmErr != nil && err == nil {
		err = fsmErr
	}
	return err
}

// Submit validates and queues a new job, starting it right away if it fits.
// A job that can never run is rejected with an error and not queued.
func (s *Scheduler) Submit(fields map[string]interface{}) (*SubmitResult, error) {
	s.Lock()
	defer s.Unlock()

	job := objects.NewJob(fields, s.now())
	if job.IsNeverMatch() {
		s.metrics.IncJobSubmission(metrics.SubmitRejected)
		return nil, common.NewReasonError(common.ErrNeverMatch, "%s", job.Reason)
	}
	if _, existing := s.findJob(job.PID); existing != nil {
		s.metrics.IncJobSubmission(metrics.SubmitRejected)
		return nil, common.NewReasonError(common.ErrDuplicateJob, "pid %s is already queued", job.PID)
	}
	if err := s.match(job, s.blockedGroups()); err != nil {
		return nil, err
	}
	if job.IsNeverMatch() {
		s.metrics.IncJobSubmission(metrics.SubmitRejected)
		log.Log(log.SchedQueue).Info("job rejected",
			zap.String("pid", job.PID),
			zap.String("reason", job.Reason))
		return nil, common.NewReasonError(common.ErrNeverMatch, "%s", job.Reason)
	}

	if !s.users.Admits(job.User) {
		if err := job.Defer(objects.ReasonUserLimits); err != nil {
			return nil, err
		}
	} else if job.Status == objects.StatusReady {
		if err := s.commit(job); err != nil {
			return nil, err
		}
	}
	if job.IsWaiting() {
		job.SpoolWait = s.spoolWait
		if err := s.store.SaveJob(job); err != nil {
			return nil, err
		}
	}
	s.queue = append(s.queue, job)
	s.metrics.IncJobSubmission(metrics.SubmitAccepted)
	s.updateMetrics()
	log.Log(log.SchedQueue).Info("job queued",
		zap.String("pid", job.PID),
		zap.String("user", job.User),
		zap.String("priority", job.Priority),
		zap.String("status", job.Status),
		zap.String("reason", job.Reason))

	result := &SubmitResult{
		Status:     job.Status,
		SpoolFname: s.store.RecordName(job.PID, spool.StageRun),
		SpoolWait:  job.SpoolWait,
	}
	if job.IsRunning() {
		result.Hosts = append([]string{}, job.Hosts...)
	} else {
		result.Reason = job.Reason
	}
	return result, nil
}

// Refresh runs one pass over the queue in priority order: jobs whose process is gone are removed,
// waiting jobs are matched and started when they fit.
func (s *Scheduler) Refresh() {
	s.Lock()
	defer s.Unlock()
	s.refresh()
}

// refresh must be called while holding the lock.
func (s *Scheduler) refresh() {
	start := s.now()
	removed := make(map[*objects.Job]bool)
	var blocked matcher.GroupSet
	haveBlocked := false
	for _, priority := range objects.PriorityOrder {
		for _, job := range s.queue {
			if job.Priority != priority {
				continue
			}
			switch {
			case !s.isAlive(job.PID):
				log.Log(log.SchedQueue).Info("removing job, process no longer exists",
					zap.String("pid", job.PID))
				if err := s.release(job); err != nil {
					log.Log(log.SchedQueue).Error("job removal incomplete", zap.String("pid", job.PID), zap.Error(err))
				}
				removed[job] = true
				s.metrics.IncJobCompletion(metrics.CompletedExited)
			case job.IsNeverMatch():
				if s.nevermatchExpiry > 0 && job.NeverMatchPass() >= s.nevermatchExpiry {
					log.Log(log.SchedQueue).Info("removing job that can never run",
						zap.String("pid", job.PID),
						zap.String("reason", job.Reason))
					if err := s.release(job); err != nil {
						log.Log(log.SchedQueue).Error("job removal incomplete", zap.String("pid", job.PID), zap.Error(err))
					}
					removed[job] = true
					s.metrics.IncJobCompletion(metrics.CompletedExpired)
				}
			case !job.IsRunning():
				if !s.users.Admits(job.User) {
					job.Reason = objects.ReasonUserLimits
					continue
				}
				// the blocked groups are frozen once all block jobs had their chance
				if priority != objects.PriorityBlock && !haveBlocked {
					blocked = s.blockedGroups()
					haveBlocked = true
				}
				if err := s.match(job, blocked); err != nil {
					continue
				}
				if job.Status == objects.StatusReady {
					if err := s.commit(job); err != nil {
						log.Log(log.SchedQueue).Error("failed to start job",
							zap.String("pid", job.PID),
							zap.Error(err))
					}
				} else {
					s.waiting.Debug("job still waiting",
						zap.String("pid", job.PID),
						zap.String("reason", job.Reason))
				}
			}
		}
	}
	if len(removed) > 0 {
		kept := s.queue[:0]
		for _, job := range s.queue {
			if !removed[job] {
				kept = append(kept, job)
			}
		}
		for i := len(kept); i < len(s.queue); i++ {
			s.queue[i] = nil
		}
		s.queue = kept
	}
	s.reconcile()
	s.lastRefresh = start
	s.updateMetrics()
	s.metrics.ObserveRefreshLatency(start)
}

// Reconcile recomputes node usage and user counters from the running jobs and returns the hosts that had drifted.
func (s *Scheduler) Reconcile() []string {
	s.Lock()
	defer s.Unlock()
	return s.reconcile()
}

// reconcile must be called while holding the lock.
func (s *Scheduler) reconcile() []string {
	assignments := make([][]string, 0, len(s.queue))
	for _, job := range s.queue {
		if job.IsRunning() {
			assignments = append(assignments, job.Hosts)
		}
	}
	drifted := s.cluster.Reconcile(assignments)
	if len(drifted) > 0 {
		log.Log(log.SchedQueue).Error("node usage did not match the running jobs, repaired",
			zap.Strings("hosts", drifted))
		s.metrics.AddUsageRepairs(len(drifted))
	}
	s.users.ResetUsage()
	for _, job := range s.queue {
		if job.IsRunning() {
			s.users.Increment(job.User, len(job.Hosts))
		}
	}
	return drifted
}

// GetHosts returns the host assignment of the job, empty while the job is not running.
func (s *Scheduler) GetHosts(pid string) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	_, job := s.findJob(pid)
	if job == nil {
		return nil, common.NewReasonError(common.ErrUnknownJob, "we don't have this pid")
	}
	hosts := []string{}
	if job.IsRunning() {
		hosts = append(hosts, job.Hosts...)
	}
	return hosts, nil
}

// GetJob returns the full record of one job.
func (s *Scheduler) GetJob(pid string) (map[string]interface{}, error) {
	s.Lock()
	defer s.Unlock()
	_, job := s.findJob(pid)
	if job == nil {
		return nil, common.NewReasonError(common.ErrUnknownJob, "pid %s not found", pid)
	}
	return job.ToMap(), nil
}

// List returns the summaries of all queued jobs in queue order.
func (s *Scheduler) List() []*dao.JobSummary {
	s.Lock()
	defer s.Unlock()
	listing := make([]*dao.JobSummary, 0, len(s.queue))
	for _, job := range s.queue {
		listing = append(listing, job.Summary())
	}
	return listing
}

// ListFull returns the full records of all queued jobs in queue order.
func (s *Scheduler) ListFull() []map[string]interface{} {
	s.Lock()
	defer s.Unlock()
	listing := make([]map[string]interface{}, 0, len(s.queue))
	for _, job := range s.queue {
		listing = append(listing, job.ToMap())
	}
	return listing
}

func (s *Scheduler) Stat() *dao.ClusterStatus {
	s.Lock()
	defer s.Unlock()
	return s.cluster.Status()
}

func (s *Scheduler) Users() map[string]*dao.UserInfo {
	s.Lock()
	defer s.Unlock()
	return s.users.Records()
}

// SortedUsers returns all user records ordered by name.
func (s *Scheduler) SortedUsers() []*dao.UserInfo {
	s.Lock()
	defer s.Unlock()
	return s.users.SortedRecords()
}

// SetLimits changes the limits of a user and stores the limits of all users.
func (s *Scheduler) SetLimits(user string, limits map[string]int, action string) error {
	s.Lock()
	defer s.Unlock()
	if err := s.users.SetLimits(user, limits, action); err != nil {
		return err
	}
	return s.saveUsers()
}

// SaveUsers stores the limits of all users.
func (s *Scheduler) SaveUsers() error {
	s.Lock()
	defer s.Unlock()
	return s.saveUsers()
}

func (s *Scheduler) saveUsers() error {
	if err := s.store.SaveUsers(s.users.Limits()); err != nil {
		log.Log(log.SchedQueue).Error("failed to save users", zap.Error(err))
		return err
	}
	return nil
}

// Remove checks that the user may remove the job and returns the pids the caller must terminate.
// Nothing is removed here: the job leaves the queue once its process is gone or completion is notified.
// The pid "all" selects every job of the user.
func (s *Scheduler) Remove(pid, user string) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	s.refresh()
	if pid == "all" {
		pids := []string{}
		for _, job := range s.queue {
			if job.User == user {
				pids = append(pids, job.PID)
			}
		}
		return pids, nil
	}
	_, job := s.findJob(pid)
	if job == nil {
		return nil, common.NewReasonError(common.ErrUnknownJob, "pid %s not found", pid)
	}
	if job.User != user && !s.privileged(user) {
		return nil, common.NewReasonError(common.ErrNotOwner, "PID belongs to user %s", job.User)
	}
	return []string{pid}, nil
}

// NotifyDone removes a finished job right away and runs a refresh pass so waiting jobs can use the freed cores.
// The refresh runs even if the pid is unknown.
func (s *Scheduler) NotifyDone(pid string) error {
	s.Lock()
	defer s.Unlock()
	var err error
	idx, job := s.findJob(pid)
	if job == nil {
		err = common.NewReasonError(common.ErrUnknownJob, "pid %s not found", pid)
	} else {
		if relErr := s.release(job); relErr != nil {
			err = relErr
		}
		s.queue = append(s.queue[:idx], s.queue[idx+1:]...)
		s.metrics.IncJobCompletion(metrics.CompletedNotified)
		log.Log(log.SchedQueue).Info("job completed",
			zap.String("pid", pid))
	}
	s.refresh()
	return err
}

// SetNodeOnline changes the availability of a host, running jobs are not touched.
func (s *Scheduler) SetNodeOnline(hostname string, online bool) error {
	s.Lock()
	defer s.Unlock()
	if err := s.cluster.SetOnline(hostname, online); err != nil {
		return err
	}
	s.updateMetrics()
	return nil
}

// updateMetrics must be called while holding the lock.
func (s *Scheduler) updateMetrics() {
	counts := make(map[string]int)
	for _, job := range s.queue {
		counts[job.Status]++
	}
	s.metrics.SetJobs(counts)
	status := s.cluster.Status()
	s.metrics.SetCores(status.Used, status.Cores)
	online := 0
	for _, node := range status.Nodes {
		if node.Online {
			online++
		}
	}
	s.metrics.SetNodes(online, status.NodeCount-online)
}
