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

package inspector

import (
	"fmt"
	"strings"
	"time"
)

// UnitResult records the outcome of a single (granularity, resource) check
// for one tenant and bucket.
type UnitResult struct {
	TenantID      int64
	Resource      Resource
	Granularity   Granularity
	BucketStart   time.Time
	QuotaExceeded bool
}

// Decision is the verdict of one inspection: an admit/deny bit plus the
// per-unit breakdown it was derived from.
type Decision struct {
	// QuotaExceeded is true iff at least one unit reported exceeded, or no
	// unit was checked at all. A tenant with an empty cap vector is refused,
	// not admitted.
	QuotaExceeded bool
	Exhausted     []UnitResult
	Remaining     []UnitResult
	// Message holds one human-readable line per exhausted unit.
	Message string
}

// DecisionBuilder accumulates unit results incrementally during an
// inspection. The zero value is ready to use.
type DecisionBuilder struct {
	message   strings.Builder
	exhausted []UnitResult
	remaining []UnitResult
}

// AddResult records the outcome of one (granularity, resource) check. On an
// exceeded unit, a message line is appended.
func (b *DecisionBuilder) AddResult(exceeded bool, tenantID int64, r Resource, g Granularity, bucketStart time.Time) *DecisionBuilder {
	unit := UnitResult{
		TenantID:      tenantID,
		Resource:      r,
		Granularity:   g,
		BucketStart:   bucketStart,
		QuotaExceeded: exceeded,
	}
	if exceeded {
		b.exhausted = append(b.exhausted, unit)
		fmt.Fprintf(&b.message, "%sLY usage quota exceeded for [%s] resource\n", g, r)
	} else {
		b.remaining = append(b.remaining, unit)
	}
	return b
}

// Build computes the final verdict.
//
// Truth table:
//
//	exhausted empty | remaining empty | quota exceeded
//	----------------|-----------------|---------------
//	      true      |      true       |     true
//	      false     |      false      |     true
//	      false     |      true       |     true
//	      true      |      false      |     false
func (b *DecisionBuilder) Build() Decision {
	return Decision{
		QuotaExceeded: len(b.exhausted) > 0 || len(b.remaining) == 0,
		Exhausted:     b.exhausted,
		Remaining:     b.remaining,
		Message:       b.message.String(),
	}
}
