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

package quotas

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facetdata/inspector"
	"github.com/facetdata/inspector/stats"
	"github.com/facetdata/inspector/util/clock"
	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"
)

var testTime = time.Date(2019, 7, 14, 10, 23, 42, 0, time.UTC)

type bucketKey struct {
	tenantID int64
	g        inspector.Granularity
	bucket   int64
}

// fakeStats is an in-memory stats.Manager.
type fakeStats struct {
	mu        sync.Mutex
	caps      map[int64]inspector.CapVector
	usage     map[bucketKey]map[inspector.Resource]int64
	statsErr  error
	updateErr error
	capsErr   error
}

func newFakeStats(caps map[int64]inspector.CapVector) *fakeStats {
	cloned := make(map[int64]inspector.CapVector, len(caps))
	for id, v := range caps {
		cloned[id] = v.Clone()
	}
	return &fakeStats{
		caps:  cloned,
		usage: make(map[bucketKey]map[inspector.Resource]int64),
	}
}

func defaultTestCaps() map[int64]inspector.CapVector {
	defaults := inspector.CapVector{}
	for _, g := range inspector.DefaultGranularities() {
		rc := inspector.ResourceCaps{}
		for _, r := range inspector.Resources() {
			rc[r] = r.DefaultPerGranularity(g)
		}
		defaults[g] = rc
	}
	return map[int64]inspector.CapVector{stats.DefaultCapsTenantID: defaults}
}

func (f *fakeStats) Init(ctx context.Context, granularities []inspector.Granularity, resources []inspector.Resource) error {
	return nil
}

func (f *fakeStats) GetStatsForTenant(ctx context.Context, tenantID int64, resources []inspector.Resource, bucketStart time.Time, g inspector.Granularity) (map[inspector.Resource]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.statsErr != nil {
		return nil, f.statsErr
	}
	usage := make(map[inspector.Resource]int64, len(resources))
	row := f.usage[bucketKey{tenantID, g, bucketStart.Unix()}]
	for _, r := range resources {
		usage[r] = row[r]
	}
	return usage, nil
}

func (f *fakeStats) UpdateStatsForTenant(ctx context.Context, tenantID int64, delta map[inspector.Resource]int64, bucketStart time.Time, g inspector.Granularity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return f.updateErr
	}
	key := bucketKey{tenantID, g, bucketStart.Unix()}
	row := f.usage[key]
	if row == nil {
		row = make(map[inspector.Resource]int64)
		f.usage[key] = row
	}
	for r, d := range delta {
		row[r] += d
	}
	return nil
}

func (f *fakeStats) GetCapsForTenant(ctx context.Context, tenantID int64) (inspector.CapVector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capsErr != nil {
		return nil, f.capsErr
	}
	caps, ok := f.caps[tenantID]
	if !ok {
		return inspector.CapVector{}, nil
	}
	return caps.Clone(), nil
}

func (f *fakeStats) GetCapsForAllTenants(ctx context.Context) (map[int64]inspector.CapVector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.capsErr != nil {
		return nil, f.capsErr
	}
	out := make(map[int64]inspector.CapVector, len(f.caps))
	for id, v := range f.caps {
		out[id] = v.Clone()
	}
	return out, nil
}

func (f *fakeStats) AddOrUpdateCapsForTenant(ctx context.Context, tenantID int64, caps inspector.CapVector, audit stats.AuditInfo) error {
	f.setCaps(tenantID, caps)
	return nil
}

func (f *fakeStats) setCaps(tenantID int64, caps inspector.CapVector) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.caps[tenantID] = caps.Clone()
}

func (f *fakeStats) setUsage(tenantID int64, g inspector.Granularity, bucketStart time.Time, r inspector.Resource, val int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := bucketKey{tenantID, g, bucketStart.Unix()}
	if f.usage[key] == nil {
		f.usage[key] = make(map[inspector.Resource]int64)
	}
	f.usage[key][r] = val
}

func (f *fakeStats) getUsage(tenantID int64, g inspector.Granularity, bucketStart time.Time, r inspector.Resource) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.usage[bucketKey{tenantID, g, bucketStart.Unix()}][r]
}

func newTestInspector(t *testing.T, f *fakeStats, opts Options) *Inspector {
	t.Helper()
	q, err := New(context.Background(), f, opts)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(q.Close)
	return q
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, desc string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func TestNewRequiresDefaultCaps(t *testing.T) {
	f := newFakeStats(map[int64]inspector.CapVector{
		1: {inspector.Minute: {inspector.CPU: 10}},
	})
	if _, err := New(context.Background(), f, Options{}); err == nil {
		t.Error("New() = nil, want error when default caps are missing")
	}
}

func TestInspectUnderQuota(t *testing.T) {
	f := newFakeStats(defaultTestCaps())
	f.setCaps(1, inspector.CapVector{
		inspector.Minute: {inspector.CPU: 10, inspector.QueryCount: 100},
	})
	q := newTestInspector(t, f, Options{})

	f.setUsage(1, inspector.Minute, inspector.Minute.BucketStart(testTime), inspector.CPU, 9)
	decision, err := q.Inspect(context.Background(), 1, testTime)
	if err != nil {
		t.Fatalf("Inspect() returned error: %v", err)
	}
	if decision.QuotaExceeded {
		t.Errorf("Inspect() denied, want admitted: %+v", decision)
	}
	if got, want := len(decision.Remaining), 2; got != want {
		t.Errorf("got %d remaining units, want %d", got, want)
	}
}

// Usage exactly at the cap is still admitted; the cap is only exceeded once
// usage surpasses it.
func TestInspectAtCapAdmitted(t *testing.T) {
	f := newFakeStats(defaultTestCaps())
	f.setCaps(2, inspector.CapVector{inspector.Minute: {inspector.CPU: 10}})
	q := newTestInspector(t, f, Options{})

	f.setUsage(2, inspector.Minute, inspector.Minute.BucketStart(testTime), inspector.CPU, 10)
	decision, err := q.Inspect(context.Background(), 2, testTime)
	if err != nil {
		t.Fatalf("Inspect() returned error: %v", err)
	}
	if decision.QuotaExceeded {
		t.Errorf("Inspect() denied at exact cap: %+v", decision)
	}
}

func TestInspectExceeded(t *testing.T) {
	f := newFakeStats(defaultTestCaps())
	f.setCaps(3, inspector.CapVector{
		inspector.Minute: {inspector.CPU: 10, inspector.QueryCount: 100},
		inspector.Hour:   {inspector.CPU: 500},
	})
	q := newTestInspector(t, f, Options{})

	f.setUsage(3, inspector.Minute, inspector.Minute.BucketStart(testTime), inspector.CPU, 11)
	decision, err := q.Inspect(context.Background(), 3, testTime)
	if err != nil {
		t.Fatalf("Inspect() returned error: %v", err)
	}
	if !decision.QuotaExceeded {
		t.Fatalf("Inspect() admitted, want denied: %+v", decision)
	}
	if got, want := len(decision.Exhausted), 1; got != want {
		t.Errorf("got %d exhausted units, want %d", got, want)
	}
	if got, want := len(decision.Remaining), 2; got != want {
		t.Errorf("got %d remaining units, want %d", got, want)
	}
	if want := "MINUTELY usage quota exceeded for [CPU] resource\n"; decision.Message != want {
		t.Errorf("message = %q, want %q", decision.Message, want)
	}
}

// A tenant whose cached cap vector is empty has nothing to admit it: the
// decision defaults to denied.
func TestInspectEmptyCapVectorDenied(t *testing.T) {
	f := newFakeStats(defaultTestCaps())
	q := newTestInspector(t, f, Options{})
	q.caps.store(4, inspector.CapVector{})

	decision, err := q.Inspect(context.Background(), 4, testTime)
	if err != nil {
		t.Fatalf("Inspect() returned error: %v", err)
	}
	if !decision.QuotaExceeded {
		t.Errorf("Inspect() admitted with empty cap vector: %+v", decision)
	}
}

func TestInspectStorageErrorPropagates(t *testing.T) {
	f := newFakeStats(defaultTestCaps())
	f.setCaps(5, inspector.CapVector{inspector.Minute: {inspector.CPU: 10}})
	q := newTestInspector(t, f, Options{})

	f.mu.Lock()
	f.statsErr = errors.New("storage down")
	f.mu.Unlock()
	if _, err := q.Inspect(context.Background(), 5, testTime); err == nil {
		t.Error("Inspect() = nil, want error")
	}
}

// Concurrent inspections of an unknown tenant must agree on one installed
// fallback vector and raise exactly one alert.
func TestInspectFallbackToDefaultCaps(t *testing.T) {
	const tenantID = 77
	f := newFakeStats(defaultTestCaps())
	q := newTestInspector(t, f, Options{})

	var group errgroup.Group
	for i := 0; i < 20; i++ {
		group.Go(func() error {
			decision, err := q.Inspect(context.Background(), tenantID, testTime)
			if err != nil {
				return err
			}
			if decision.QuotaExceeded {
				return errors.New("denied under default caps with zero usage")
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("concurrent Inspect() failed: %v", err)
	}

	cached, ok := q.caps.load(tenantID)
	if !ok {
		t.Fatal("fallback caps were not installed")
	}
	if diff := cmp.Diff(q.defaultCaps, cached); diff != "" {
		t.Errorf("cached caps diff (-want +got):\n%s", diff)
	}
	if got := capsFallbacks.Value(strconv.FormatInt(tenantID, 10)); got != 1 {
		t.Errorf("fallback count = %v, want 1", got)
	}
}

func TestUpdateChargesEndBucket(t *testing.T) {
	f := newFakeStats(defaultTestCaps())
	f.setCaps(6, inspector.CapVector{
		inspector.Minute: {inspector.CPU: 10},
		inspector.Hour:   {inspector.CPU: 500},
	})
	q := newTestInspector(t, f, Options{})

	// The request spans a minute boundary; the whole cost lands in the
	// bucket containing end.
	start := time.Date(2019, 7, 14, 10, 22, 59, 0, time.UTC)
	end := time.Date(2019, 7, 14, 10, 23, 1, 0, time.UTC)
	q.Update(context.Background(), 6, map[inspector.Resource]int64{inspector.CPU: 13, inspector.QueryCount: 1}, start, end)

	endMinute := inspector.Minute.BucketStart(end)
	if got := f.getUsage(6, inspector.Minute, endMinute, inspector.CPU); got != 13 {
		t.Errorf("end-bucket minutely CPU usage = %d, want 13", got)
	}
	if got := f.getUsage(6, inspector.Minute, inspector.Minute.BucketStart(start), inspector.CPU); got != 0 {
		t.Errorf("start-bucket minutely CPU usage = %d, want 0", got)
	}
	if got := f.getUsage(6, inspector.Hour, inspector.Hour.BucketStart(end), inspector.QueryCount); got != 1 {
		t.Errorf("hourly query count = %d, want 1", got)
	}
}

// Concurrent updates against the same bucket must not lose increments: the
// final counter is the sum of all deltas.
func TestUpdateConcurrentSumsDeltas(t *testing.T) {
	const (
		tenantID = 55
		writers  = 10
	)
	f := newFakeStats(defaultTestCaps())
	f.setCaps(tenantID, inspector.CapVector{
		inspector.Minute: {inspector.CPU: 1000, inspector.QueryCount: 1000},
		inspector.Hour:   {inspector.CPU: 1000, inspector.QueryCount: 1000},
	})
	q := newTestInspector(t, f, Options{})

	var group errgroup.Group
	for i := 0; i < writers; i++ {
		group.Go(func() error {
			q.Update(context.Background(), tenantID, map[inspector.Resource]int64{
				inspector.CPU:        3,
				inspector.QueryCount: 1,
			}, testTime, testTime)
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		t.Fatalf("concurrent Update() failed: %v", err)
	}

	for _, g := range []inspector.Granularity{inspector.Minute, inspector.Hour} {
		bucket := g.BucketStart(testTime)
		if got, want := f.getUsage(tenantID, g, bucket, inspector.CPU), int64(3*writers); got != want {
			t.Errorf("%v CPU usage = %d, want %d", g, got, want)
		}
		if got, want := f.getUsage(tenantID, g, bucket, inspector.QueryCount), int64(writers); got != want {
			t.Errorf("%v query count = %d, want %d", g, got, want)
		}
	}
}

func TestUpdateSwallowsStorageFailures(t *testing.T) {
	const tenantID = 66
	f := newFakeStats(defaultTestCaps())
	f.setCaps(tenantID, inspector.CapVector{inspector.Minute: {inspector.CPU: 10}})
	q := newTestInspector(t, f, Options{})

	f.mu.Lock()
	f.updateErr = errors.New("storage down")
	f.mu.Unlock()

	end := testTime
	q.Update(context.Background(), tenantID, map[inspector.Resource]int64{inspector.CPU: 1}, testTime, end)
	got := updateFailures.Value(strconv.FormatInt(tenantID, 10), end.UTC().Format(time.RFC3339), "MINUTE")
	if got != 1 {
		t.Errorf("update failure count = %v, want 1", got)
	}
}

func TestSyncCapsForTenant(t *testing.T) {
	f := newFakeStats(defaultTestCaps())
	q := newTestInspector(t, f, Options{})

	newCaps := inspector.CapVector{inspector.Hour: {inspector.QueryCount: 42}}
	f.setCaps(8, newCaps)
	q.SyncCapsForTenant(8)

	waitFor(t, "caps to be synced", func() bool {
		cached, ok := q.caps.load(8)
		return ok && cmp.Diff(newCaps, cached) == ""
	})
}

// Syncing a tenant with no stored caps must leave the cached vector intact.
func TestSyncCapsForTenantMissingKeepsCache(t *testing.T) {
	f := newFakeStats(defaultTestCaps())
	oldCaps := inspector.CapVector{inspector.Minute: {inspector.CPU: 10}}
	f.setCaps(9, oldCaps)
	q := newTestInspector(t, f, Options{})

	f.mu.Lock()
	delete(f.caps, 9)
	f.mu.Unlock()
	q.SyncCapsForTenant(9)

	// The worker applies tasks in order: once a second sync lands, the
	// first has been processed.
	marker := inspector.CapVector{inspector.Minute: {inspector.CPU: 1}}
	f.setCaps(10, marker)
	q.SyncCapsForTenant(10)
	waitFor(t, "marker sync", func() bool {
		cached, ok := q.caps.load(10)
		return ok && cmp.Diff(marker, cached) == ""
	})

	cached, ok := q.caps.load(9)
	if !ok {
		t.Fatal("cached caps were evicted")
	}
	if diff := cmp.Diff(oldCaps, cached); diff != "" {
		t.Errorf("cached caps diff (-want +got):\n%s", diff)
	}
}

func TestPeriodicRefresh(t *testing.T) {
	ts := clock.NewFake(testTime)
	f := newFakeStats(defaultTestCaps())
	q := newTestInspector(t, f, Options{SyncPeriod: 30 * time.Second, TimeSource: ts})

	newCaps := inspector.CapVector{inspector.Minute: {inspector.CPU: 99}}
	f.setCaps(11, newCaps)

	// Nudge the fake clock until the worker has armed its timer and fired.
	waitFor(t, "periodic refresh", func() bool {
		ts.Set(ts.Now().Add(30 * time.Second))
		cached, ok := q.caps.load(11)
		return ok && cmp.Diff(newCaps, cached) == ""
	})
}

func TestPeriodicRefreshSurvivesStorageErrors(t *testing.T) {
	ts := clock.NewFake(testTime)
	f := newFakeStats(defaultTestCaps())
	f.setCaps(12, inspector.CapVector{inspector.Minute: {inspector.CPU: 5}})
	q := newTestInspector(t, f, Options{SyncPeriod: 30 * time.Second, TimeSource: ts})

	f.mu.Lock()
	f.capsErr = errors.New("storage down")
	f.mu.Unlock()
	ts.Set(ts.Now().Add(time.Minute))

	// The cache keeps serving the last good view.
	cached, ok := q.caps.load(12)
	if !ok {
		t.Fatal("cached caps were evicted")
	}
	if got := cached[inspector.Minute][inspector.CPU]; got != 5 {
		t.Errorf("cached minutely CPU cap = %d, want 5", got)
	}

	f.mu.Lock()
	f.capsErr = nil
	f.caps[12] = inspector.CapVector{inspector.Minute: {inspector.CPU: 7}}
	f.mu.Unlock()
	waitFor(t, "refresh after recovery", func() bool {
		ts.Set(ts.Now().Add(30 * time.Second))
		cached, ok := q.caps.load(12)
		return ok && cached[inspector.Minute][inspector.CPU] == 7
	})
}

func TestDecisionMessageListsEveryExhaustedUnit(t *testing.T) {
	f := newFakeStats(defaultTestCaps())
	f.setCaps(13, inspector.CapVector{
		inspector.Minute: {inspector.CPU: 1, inspector.QueryCount: 1},
	})
	q := newTestInspector(t, f, Options{})

	bucket := inspector.Minute.BucketStart(testTime)
	f.setUsage(13, inspector.Minute, bucket, inspector.CPU, 2)
	f.setUsage(13, inspector.Minute, bucket, inspector.QueryCount, 2)

	decision, err := q.Inspect(context.Background(), 13, testTime)
	if err != nil {
		t.Fatalf("Inspect() returned error: %v", err)
	}
	if got, want := strings.Count(decision.Message, "\n"), 2; got != want {
		t.Errorf("message has %d lines, want %d: %q", got, want, decision.Message)
	}
	for _, want := range []string{
		"MINUTELY usage quota exceeded for [CPU] resource",
		"MINUTELY usage quota exceeded for [QUERY_COUNT] resource",
	} {
		if !strings.Contains(decision.Message, want) {
			t.Errorf("message %q misses %q", decision.Message, want)
		}
	}
}
