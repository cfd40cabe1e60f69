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
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"go.uber.org/zap"

	"github.com/wq-project/wq/pkg/log"
)

const (
	SubmitAccepted = "accepted"
	SubmitRejected = "rejected"

	CompletedExited   = "exited"
	CompletedNotified = "notified"
	CompletedExpired  = "expired"

	RequestOK    = "ok"
	RequestError = "error"
)

// SchedulerMetrics to declare scheduler metrics
type SchedulerMetrics struct {
	jobSubmission    *prometheus.CounterVec
	jobCompletion    *prometheus.CounterVec
	jobs             *prometheus.GaugeVec
	cores            *prometheus.GaugeVec
	node             *prometheus.GaugeVec
	refreshLatency   prometheus.Histogram
	invariantRepairs prometheus.Counter
	invariantErrors  prometheus.Counter
	requests         *prometheus.CounterVec
	requestLatency   prometheus.Histogram
}

// InitSchedulerMetrics to initialize scheduler metrics
func InitSchedulerMetrics() *SchedulerMetrics {
	s := &SchedulerMetrics{}

	s.jobSubmission = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "job_submission_total",
			Help:      "Total number of job submissions. Result of the submission is `accepted` or `rejected`.",
		}, []string{"result"})

	s.jobCompletion = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "job_completion_total",
			Help:      "Total number of jobs removed from the queue. Reason is `exited`, `notified` or `expired`.",
		}, []string{"reason"})

	s.jobs = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "job",
			Help:      "Number of queued jobs by state.",
		}, []string{"state"})

	s.cores = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "cores",
			Help:      "Number of cores in the cluster. State of the cores is `used` or `total`.",
		}, []string{"state"})

	s.node = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "node",
			Help:      "Number of nodes. State of the node is `online` or `offline`.",
		}, []string{"state"})

	s.refreshLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "refresh_latency_seconds",
			Help:      "Latency of a full refresh pass over the queue, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 10, 6), // start from 0.1ms
		},
	)

	s.invariantRepairs = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "usage_repair_total",
			Help:      "Total number of nodes whose used core count had to be recomputed from the running jobs.",
		})

	s.invariantErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: SchedulerSubsystem,
			Name:      "invariant_violation_total",
			Help:      "Total number of operations refused because a reservation would leave a node outside of its capacity.",
		})

	s.requests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: TransportSubsystem,
			Name:      "request_total",
			Help:      "Total number of client requests by command and result.",
		}, []string{"command", "result"})

	s.requestLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: TransportSubsystem,
			Name:      "request_latency_seconds",
			Help:      "Latency of handling one client request, in seconds.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 10, 6),
		},
	)

	// Register the metrics
	var metricsList = []prometheus.Collector{
		s.jobSubmission,
		s.jobCompletion,
		s.jobs,
		s.cores,
		s.node,
		s.refreshLatency,
		s.invariantRepairs,
		s.invariantErrors,
		s.requests,
		s.requestLatency,
	}
	for _, metric := range metricsList {
		if err := prometheus.Register(metric); err != nil {
			log.Log(log.Metrics).Warn("failed to register metrics collector", zap.Error(err))
		}
	}
	return s
}

func (m *SchedulerMetrics) Reset() {
	m.jobSubmission.Reset()
	m.jobCompletion.Reset()
	m.jobs.Reset()
	m.cores.Reset()
	m.node.Reset()
	m.requests.Reset()
}

func (m *SchedulerMetrics) IncJobSubmission(result string) {
	m.jobSubmission.With(prometheus.Labels{"result": result}).Inc()
}

func (m *SchedulerMetrics) getJobSubmission(result string) (int, error) {
	metricDto := &dto.Metric{}
	err := m.jobSubmission.With(prometheus.Labels{"result": result}).Write(metricDto)
	if err == nil {
		return int(*metricDto.Counter.Value), nil
	}
	return -1, err
}

func (m *SchedulerMetrics) IncJobCompletion(reason string) {
	m.jobCompletion.With(prometheus.Labels{"reason": reason}).Inc()
}

// SetJobs sets the number of queued jobs per state, states not in the map are set to zero.
func (m *SchedulerMetrics) SetJobs(counts map[string]int) {
	m.jobs.Reset()
	for state, count := range counts {
		m.jobs.With(prometheus.Labels{"state": state}).Set(float64(count))
	}
}

func (m *SchedulerMetrics) SetCores(used, total int) {
	m.cores.With(prometheus.Labels{"state": "used"}).Set(float64(used))
	m.cores.With(prometheus.Labels{"state": "total"}).Set(float64(total))
}

func (m *SchedulerMetrics) SetNodes(online, offline int) {
	m.node.With(prometheus.Labels{"state": "online"}).Set(float64(online))
	m.node.With(prometheus.Labels{"state": "offline"}).Set(float64(offline))
}

func (m *SchedulerMetrics) ObserveRefreshLatency(start time.Time) {
	m.refreshLatency.Observe(SinceInSeconds(start))
}

func (m *SchedulerMetrics) AddUsageRepairs(value int) {
	m.invariantRepairs.Add(float64(value))
}

func (m *SchedulerMetrics) IncInvariantViolation() {
	m.invariantErrors.Inc()
}

// GetInvariantViolations returns the number of refused operations so far.
func (m *SchedulerMetrics) GetInvariantViolations() (int, error) {
	metricDto := &dto.Metric{}
	if err := m.invariantErrors.Write(metricDto); err != nil {
		return -1, err
	}
	return int(*metricDto.Counter.Value), nil
}

func (m *SchedulerMetrics) IncRequest(command, result string) {
	m.requests.With(prometheus.Labels{"command": command, "result": result}).Inc()
}

func (m *SchedulerMetrics) ObserveRequestLatency(start time.Time) {
	m.requestLatency.Observe(SinceInSeconds(start))
}
