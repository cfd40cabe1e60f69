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

package objects

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	ModeByCore  = "bycore"
	ModeByCore1 = "bycore1"
	ModeByNode  = "bynode"
	ModeByHost  = "byhost"
	ModeByGroup = "bygroup"
)

// Require is the requirement mapping of a job as sent by the client.
// The values keep the loose typing of the wire: numbers may arrive as strings and lists as scalars.
type Require map[string]interface{}

// Int returns the integer value of the key or the default if the key is not set.
// A value that cannot be converted returns a non-empty reason.
func (r Require) Int(key string, def int) (int, string) {
	val, ok := r[key]
	if !ok || val == nil {
		if ok {
			return 0, fmt.Sprintf("failed to extract int requirement '%s': value is null", key)
		}
		return def, ""
	}
	n, err := toInt(val)
	if err != nil {
		return 0, fmt.Sprintf("failed to extract int requirement '%s': %s", key, err)
	}
	return n, ""
}

// Float returns the float value of the key or the default if the key is not set.
// A value that cannot be converted returns a non-empty reason.
func (r Require) Float(key string, def float64) (float64, string) {
	val, ok := r[key]
	if !ok || val == nil {
		if ok {
			return 0, fmt.Sprintf("failed to extract float requirement '%s': value is null", key)
		}
		return def, ""
	}
	f, err := toFloat(val)
	if err != nil {
		return 0, fmt.Sprintf("failed to extract float requirement '%s': %s", key, err)
	}
	return f, ""
}

// List returns the string list for the key. A scalar is converted into a single entry list.
func (r Require) List(key string) []string {
	val, ok := r[key]
	if !ok || val == nil {
		return nil
	}
	switch v := val.(type) {
	case []string:
		result := make([]string, len(v))
		copy(result, v)
		return result
	case []interface{}:
		result := make([]string, 0, len(v))
		for _, item := range v {
			result = append(result, toString(item))
		}
		return result
	default:
		return []string{toString(v)}
	}
}

// String returns the string value of the key, an empty string if not set.
func (r Require) String(key string) string {
	val, ok := r[key]
	if !ok || val == nil {
		return ""
	}
	return toString(val)
}

// Has returns true if the key is set.
func (r Require) Has(key string) bool {
	_, ok := r[key]
	return ok
}

// Mode returns the submit mode, bycore if not set.
func (r Require) Mode() string {
	if mode := r.String("mode"); mode != "" {
		return mode
	}
	return ModeByCore
}

// Priority returns the priority class, med if not set.
func (r Require) Priority() string {
	if priority := r.String("priority"); priority != "" {
		return priority
	}
	return PriorityMed
}

func toInt(val interface{}) (int, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case int8:
		return int(v), nil
	case int16:
		return int(v), nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint:
		return int(v), nil
	case uint8:
		return int(v), nil
	case uint16:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float32:
		return truncate(float64(v))
	case float64:
		return truncate(v)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	case string:
		return strconv.Atoi(strings.TrimSpace(v))
	default:
		return 0, fmt.Errorf("unsupported type %T", val)
	}
}

func truncate(f float64) (int, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("cannot convert %v to integer", f)
	}
	return int(f), nil
}

func toFloat(val interface{}) (float64, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case string:
		return strconv.ParseFloat(strings.TrimSpace(v), 64)
	case bool:
		if v {
			return 1, nil
		}
		return 0, nil
	default:
		n, err := toInt(val)
		if err != nil {
			return 0, err
		}
		return float64(n), nil
	}
}

func toString(val interface{}) string {
	switch v := val.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}
