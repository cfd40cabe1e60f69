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
	"testing"

	"gotest.tools/v3/assert"
)

func TestAddRemoveHost(t *testing.T) {
	cl := NewConnLimiter(100, 15)
	assert.Assert(t, cl.AddHost("host-1"))
	assert.Assert(t, cl.AddHost("host-1"))
	assert.Assert(t, cl.AddHost("host-2"))
	assert.Equal(t, 2, len(cl.perHost))
	assert.Equal(t, 3, cl.total)

	cl.RemoveHost("host-3") // remove non-existing
	assert.Equal(t, 2, len(cl.perHost))
	assert.Equal(t, 3, cl.total)

	cl.RemoveHost("host-1")
	assert.Equal(t, 2, len(cl.perHost))
	assert.Equal(t, 2, cl.total)

	cl.RemoveHost("host-2")
	assert.Equal(t, 1, len(cl.perHost))
	assert.Equal(t, 1, cl.total)

	cl.RemoveHost("host-1")
	assert.Equal(t, 0, len(cl.perHost))
	assert.Equal(t, 0, cl.total)
}

func TestAddHostTotalLimitHit(t *testing.T) {
	cl := NewConnLimiter(2, 15)
	assert.Assert(t, cl.AddHost("host-1"))
	assert.Assert(t, cl.AddHost("host-2"))
	assert.Assert(t, !cl.AddHost("host-3"))
}

func TestAddHostPerHostLimitHit(t *testing.T) {
	cl := NewConnLimiter(100, 2)
	assert.Assert(t, cl.AddHost("host-1"))
	assert.Assert(t, cl.AddHost("host-1"))
	assert.Assert(t, !cl.AddHost("host-1"))
	assert.Assert(t, cl.AddHost("host-2"))
}
