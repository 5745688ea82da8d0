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

package redisstats

import (
	"testing"
	"time"

	"github.com/facetdata/inspector"
	"github.com/google/go-cmp/cmp"
)

func TestUsageKey(t *testing.T) {
	bucket := time.Date(2019, 7, 14, 10, 23, 0, 0, time.UTC)
	got := usageKey(12345, inspector.Minute, bucket)
	want := "inspector:usage:minute:12345:1563099780000"
	if got != want {
		t.Errorf("usageKey() = %q, want %q", got, want)
	}
}

func TestCapsKeyRoundTrip(t *testing.T) {
	for _, tenantID := range []int64{-1, 0, 42, 1<<40 + 7} {
		key := capsKey(tenantID)
		got, err := tenantFromCapsKey(key)
		if err != nil {
			t.Errorf("tenantFromCapsKey(%q) returned error: %v", key, err)
			continue
		}
		if got != tenantID {
			t.Errorf("tenantFromCapsKey(%q) = %d, want %d", key, got, tenantID)
		}
	}
	if _, err := tenantFromCapsKey("inspector:audit:caps"); err == nil {
		t.Error("tenantFromCapsKey(audit key) = nil, want error")
	}
}

func TestParseCapsField(t *testing.T) {
	g, r, err := parseCapsField("MINUTE:cpu_cap")
	if err != nil {
		t.Fatalf("parseCapsField() returned error: %v", err)
	}
	if g != inspector.Minute || r != inspector.CPU {
		t.Errorf("parseCapsField() = (%v, %v), want (MINUTE, CPU)", g, r)
	}

	for _, field := range []string{"cpu_cap", "WEEK:cpu_cap", "MINUTE:ram_cap", ""} {
		if _, _, err := parseCapsField(field); err == nil {
			t.Errorf("parseCapsField(%q) = nil, want error", field)
		}
	}
}

func TestCapsFromHash(t *testing.T) {
	fields := map[string]string{
		"MINUTE:cpu_cap":         "12",
		"MINUTE:query_count_cap": "6000",
		"HOUR:cpu_cap":           "720",
		"bogus_field":            "99",
	}
	got, err := capsFromHash(fields)
	if err != nil {
		t.Fatalf("capsFromHash() returned error: %v", err)
	}
	want := inspector.CapVector{
		inspector.Minute: {inspector.CPU: 12, inspector.QueryCount: 6000},
		inspector.Hour:   {inspector.CPU: 720},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("capsFromHash() diff (-want +got):\n%s", diff)
	}

	if _, err := capsFromHash(map[string]string{"MINUTE:cpu_cap": "NaN"}); err == nil {
		t.Error("capsFromHash(malformed value) = nil, want error")
	}
}
