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

package common

import (
	"errors"
	"fmt"
)

var (
	// ErrBadRequest returned when a request misses a field or carries an unusable value
	ErrBadRequest = errors.New("bad request")
	// ErrNeverMatch returned when a job can never be scheduled on this cluster
	ErrNeverMatch = errors.New("job can never match")
	// ErrUnknownJob returned when no job with the pid is queued
	ErrUnknownJob = errors.New("unknown job")
	// ErrNotOwner returned when a user tries to remove a job owned by somebody else
	ErrNotOwner = errors.New("not the job owner")
	// ErrUnknownHost returned when a host is not part of the cluster
	ErrUnknownHost = errors.New("unknown host")
	// ErrInvariant returned when a reservation would push node usage outside of its capacity
	ErrInvariant = errors.New("internal invariant violated")
	// ErrDuplicateJob returned when a pid is submitted while a job with that pid is still queued
	ErrDuplicateJob = errors.New("duplicate job")
)

// reasonError carries the message sent back to a client while still matching a sentinel with errors.Is.
type reasonError struct {
	msg  string
	kind error
}

func (e *reasonError) Error() string {
	return e.msg
}

func (e *reasonError) Unwrap() error {
	return e.kind
}

// NewReasonError creates an error of the given kind with a client facing message.
func NewReasonError(kind error, format string, args ...interface{}) error {
	return &reasonError{
		msg:  fmt.Sprintf(format, args...),
		kind: kind,
	}
}
