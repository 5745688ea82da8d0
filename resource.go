// Copyright 2019 Facet Data, Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package inspector defines the core types of the quota inspector: the
// closed resource and granularity taxonomies, tenant cap vectors, and the
// decision value produced by an inspection.
package inspector

import (
	"fmt"
	"strings"
)

// Resource is a cluster resource whose per-tenant usage is metered and
// capped. The set is closed: each member maps to fixed storage columns.
type Resource int

const (
	// CPU is consumed processing time, measured in CPU-seconds.
	CPU Resource = iota
	// QueryCount counts queries issued, regardless of their cost.
	QueryCount
)

// Resources returns every member of the closed Resource set. Callers must
// not mutate the returned slice.
func Resources() []Resource {
	return []Resource{CPU, QueryCount}
}

// String returns the constant name of the resource, e.g. "QUERY_COUNT".
func (r Resource) String() string {
	switch r {
	case CPU:
		return "CPU"
	case QueryCount:
		return "QUERY_COUNT"
	}
	return fmt.Sprintf("Resource(%d)", int(r))
}

// DefaultPerSecond returns the default cap expressed as a per-second rate.
// Rates may be fractional: CPU defaults to 0.2 CPU-seconds per second.
func (r Resource) DefaultPerSecond() float64 {
	switch r {
	case CPU:
		return 0.2
	case QueryCount:
		// Arbitrarily chosen, there is no usage data to base this on yet.
		return 100
	}
	return 0
}

// DefaultPerGranularity derives the default cap for one bucket of g from the
// per-second rate. The result is floored but never below 1, so a fractional
// rate doesn't degenerate to an unusable zero cap for narrow buckets.
func (r Resource) DefaultPerGranularity(g Granularity) int64 {
	c := int64(r.DefaultPerSecond() * float64(g.BucketSeconds()))
	if c < 1 {
		return 1
	}
	return c
}

// Exceeded reports whether cap is insufficient for the current usage plus
// the caller's estimate of the in-flight request's cost. Callers with no
// estimate pass zero.
func (r Resource) Exceeded(cap, used, estimate int64) bool {
	return cap-used-estimate < 0
}

// UsageKey returns the column name holding this resource's usage counters.
func (r Resource) UsageKey() string {
	return strings.ToLower(r.String()) + "_usage"
}

// CapKey returns the column name holding this resource's caps.
func (r Resource) CapKey() string {
	return strings.ToLower(r.String()) + "_cap"
}

// ResourceFromName maps a case-insensitive resource name to its member.
func ResourceFromName(name string) (Resource, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "CPU":
		return CPU, nil
	case "QUERY_COUNT":
		return QueryCount, nil
	}
	return 0, fmt.Errorf("unknown resource %q", name)
}

// MarshalText makes Resource usable as a JSON object key.
func (r Resource) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText parses a resource name, case-insensitively.
func (r *Resource) UnmarshalText(text []byte) error {
	parsed, err := ResourceFromName(string(text))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}
