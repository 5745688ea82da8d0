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

// Package quotas implements the quota inspection engine: a cached view of
// per-tenant cap vectors, admission decisions against live usage counters,
// and best-effort usage accounting.
package quotas

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/facetdata/inspector"
	"github.com/facetdata/inspector/monitoring"
	"github.com/facetdata/inspector/stats"
	"github.com/facetdata/inspector/util/clock"
	"k8s.io/klog/v2"
)

// DefaultSyncPeriod is the default delay between periodic cap refreshes.
const DefaultSyncPeriod = 60 * time.Second

var (
	metricsOnce    sync.Once
	inspectLatency monitoring.Histogram
	updateLatency  monitoring.Histogram
	updateFailures monitoring.Counter
	capsFallbacks  monitoring.Counter
	cachedTenants  monitoring.Gauge
)

func createMetrics(mf monitoring.MetricFactory) {
	inspectLatency = mf.NewHistogram("inspect_stats_time", "Latency of quota inspections in seconds", "tenant_id", "period_start")
	updateLatency = mf.NewHistogram("update_stats_time", "Latency of usage updates in seconds", "tenant_id", "period_start", "granularity")
	updateFailures = mf.NewCounter("update_failed_count", "Number of failed usage updates", "tenant_id", "period_start", "granularity")
	capsFallbacks = mf.NewCounter("default_caps_fallback_count", "Number of tenants that fell back to default caps", "tenant_id")
	cachedTenants = mf.NewGauge("cached_tenant_caps", "Number of tenants with cached cap vectors")
}

// timeLabel renders a metric timestamp label.
func timeLabel(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

// Options holds the optional knobs of New. The zero value selects sane
// defaults for all of them.
type Options struct {
	// SyncPeriod is the delay between periodic cap refreshes. Defaults to
	// DefaultSyncPeriod.
	SyncPeriod time.Duration
	// Granularities to seed default caps at. Defaults to
	// inspector.DefaultGranularities().
	Granularities []inspector.Granularity
	// MetricFactory defaults to monitoring.InertMetricFactory.
	MetricFactory monitoring.MetricFactory
	// TimeSource defaults to clock.System.
	TimeSource clock.TimeSource
}

// Inspector checks tenant resource usage against cached caps and accounts
// consumed resources. All methods are safe for concurrent use.
//
// Cap vectors are cached in memory. The cache is populated on construction,
// refreshed every SyncPeriod, and refreshed per tenant on request via
// SyncCapsForTenant. All cache writes are funneled through one worker
// goroutine, so refreshes apply in submission order.
type Inspector struct {
	stats       stats.Manager
	timeSource  clock.TimeSource
	syncPeriod  time.Duration
	defaultCaps inspector.CapVector

	caps  capCache
	tasks chan func(context.Context)

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates an Inspector backed by the given storage. It bootstraps the
// storage schema, loads caps for all tenants, and starts the sync worker.
// Construction fails if storage holds no caps for stats.DefaultCapsTenantID
// after Init: without defaults, unknown tenants could not be inspected.
//
// Callers must Close the Inspector when done.
func New(ctx context.Context, m stats.Manager, opts Options) (*Inspector, error) {
	start := time.Now()
	if opts.SyncPeriod <= 0 {
		opts.SyncPeriod = DefaultSyncPeriod
	}
	if opts.Granularities == nil {
		opts.Granularities = inspector.DefaultGranularities()
	}
	if opts.MetricFactory == nil {
		opts.MetricFactory = monitoring.InertMetricFactory{}
	}
	if opts.TimeSource == nil {
		opts.TimeSource = clock.System
	}
	metricsOnce.Do(func() { createMetrics(opts.MetricFactory) })

	if err := m.Init(ctx, opts.Granularities, inspector.Resources()); err != nil {
		return nil, fmt.Errorf("failed to initialize stats storage: %v", err)
	}
	allCaps, err := m.GetCapsForAllTenants(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load caps: %v", err)
	}
	defaultCaps, ok := allCaps[stats.DefaultCapsTenantID]
	if !ok || len(defaultCaps) == 0 {
		return nil, fmt.Errorf("no default caps found for tenant [%d]", stats.DefaultCapsTenantID)
	}

	workerCtx, cancel := context.WithCancel(context.Background())
	q := &Inspector{
		stats:       m,
		timeSource:  opts.TimeSource,
		syncPeriod:  opts.SyncPeriod,
		defaultCaps: defaultCaps,
		tasks:       make(chan func(context.Context), 64),
		cancel:      cancel,
	}
	q.caps.merge(allCaps)
	cachedTenants.Set(float64(q.caps.len()))

	q.wg.Add(1)
	go q.syncLoop(workerCtx)

	klog.Infof("quota inspector initialized in [%v] with [%d] cached tenants, sync period [%v]",
		time.Since(start), q.caps.len(), q.syncPeriod)
	return q, nil
}

// Close stops the sync worker and waits for it to drain.
func (q *Inspector) Close() {
	q.closeOnce.Do(func() {
		q.cancel()
		q.wg.Wait()
	})
}

// Inspect checks the tenant's usage in the buckets containing now against
// its cached cap vector, and returns the admission decision. The resources
// and granularities checked are exactly those present in the vector; tenants
// without a cached vector get the default caps installed, with an alert.
//
// Inspect only reads usage. Accounting for an admitted request happens later
// via Update.
func (q *Inspector) Inspect(ctx context.Context, tenantID int64, now time.Time) (inspector.Decision, error) {
	start := q.timeSource.Now()
	defer func() {
		inspectLatency.Observe(clock.SecondsSince(q.timeSource, start), strconv.FormatInt(tenantID, 10), timeLabel(now))
	}()
	klog.V(1).Infof("inspecting tenant [%d]", tenantID)

	caps := q.tenantCaps(tenantID)
	var builder inspector.DecisionBuilder
	for _, g := range caps.Granularities() {
		bucketStart := g.BucketStart(now)
		resources := caps.Resources(g)
		usage, err := q.stats.GetStatsForTenant(ctx, tenantID, resources, bucketStart, g)
		if err != nil {
			return inspector.Decision{}, err
		}
		for _, r := range resources {
			builder.AddResult(r.Exceeded(caps[g][r], usage[r], 0), tenantID, r, g, bucketStart)
		}
	}
	return builder.Build(), nil
}

// Update adds deltas to the tenant's usage counters. The whole consumption
// is charged to the buckets containing end, the instant the request
// finished; start only documents the request in logs and is not (yet) used
// to spread cost across buckets.
//
// Accounting is best-effort: a failed write is alerted and counted, never
// surfaced, since the request it accounts for has already succeeded.
func (q *Inspector) Update(ctx context.Context, tenantID int64, deltas map[inspector.Resource]int64, start, end time.Time) {
	klog.V(1).Infof("updating resource usage %v for tenant [%d] for period [%v]-[%v]", deltas, tenantID, start, end)

	caps := q.tenantCaps(tenantID)
	tid := strconv.FormatInt(tenantID, 10)
	endLabel := timeLabel(end)
	for _, g := range caps.Granularities() {
		opStart := q.timeSource.Now()
		if err := q.stats.UpdateStatsForTenant(ctx, tenantID, deltas, g.BucketStart(end), g); err != nil {
			klog.Errorf("failed to update resource usage %v in [%v] bucket for tenant [%d] for period [%v]-[%v]: %v",
				deltas, g, tenantID, start, end, err)
			updateFailures.Inc(tid, endLabel, g.String())
		}
		updateLatency.Observe(clock.SecondsSince(q.timeSource, opStart), tid, endLabel, g.String())
	}
}

// SyncCapsForTenant asks the sync worker to re-read the tenant's caps from
// storage and replace the cached vector. It returns once the request is
// queued; the outcome is logged by the worker. A tenant with no stored caps
// is alerted and its cached vector is left unchanged.
func (q *Inspector) SyncCapsForTenant(tenantID int64) {
	q.tasks <- func(ctx context.Context) {
		caps, err := q.stats.GetCapsForTenant(ctx, tenantID)
		if err == nil && len(caps) == 0 {
			err = fmt.Errorf("no caps stored for tenant [%d]", tenantID)
		}
		if err != nil {
			klog.Errorf("unable to sync caps for tenant [%d]: %v", tenantID, err)
			return
		}
		q.caps.store(tenantID, caps)
		cachedTenants.Set(float64(q.caps.len()))
		klog.Infof("successfully synced caps for tenant [%d]", tenantID)
	}
}

// tenantCaps returns the tenant's cached cap vector, installing the default
// vector on a miss. The install is racy-idempotent: concurrent callers agree
// on one entry, and exactly one of them raises the alert.
func (q *Inspector) tenantCaps(tenantID int64) inspector.CapVector {
	if caps, ok := q.caps.load(tenantID); ok {
		return caps
	}
	caps, loaded := q.caps.loadOrStore(tenantID, q.defaultCaps)
	if !loaded {
		klog.Errorf("caps for tenant [%d] not found in storage, using default caps", tenantID)
		capsFallbacks.Inc(strconv.FormatInt(tenantID, 10))
		cachedTenants.Set(float64(q.caps.len()))
	}
	return caps
}

// syncLoop is the single worker that owns all cache writes: periodic
// refreshes of every tenant and queued per-tenant syncs, applied strictly in
// order.
func (q *Inspector) syncLoop(ctx context.Context) {
	defer q.wg.Done()
	timer := q.timeSource.NewTimer(q.syncPeriod)
	defer func() { timer.Stop() }()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-q.tasks:
			task(ctx)
		case <-timer.Chan():
			q.refreshAllCaps(ctx)
			timer = q.timeSource.NewTimer(q.syncPeriod)
		}
	}
}

// refreshAllCaps merges a fresh read of every tenant's caps into the cache.
// On failure the cache keeps serving its previous view.
func (q *Inspector) refreshAllCaps(ctx context.Context) {
	allCaps, err := q.stats.GetCapsForAllTenants(ctx)
	if err != nil {
		klog.Errorf("unable to refresh caps for all tenants: %v", err)
		return
	}
	q.caps.merge(allCaps)
	cachedTenants.Set(float64(q.caps.len()))
	klog.V(1).Infof("refreshed caps for [%d] tenants", len(allCaps))
}
