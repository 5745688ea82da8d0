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

// Package server binds the quota inspector to the HTTP request lifecycle:
// a filter enforcing quotas around a downstream handler, the admin surface
// for cap changes, and the process entrypoint tying them together.
package server

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/facetdata/inspector"
	"github.com/facetdata/inspector/monitoring"
	"github.com/facetdata/inspector/quotas"
	"github.com/facetdata/inspector/util/clock"
	"k8s.io/klog/v2"
)

// StatusQuotaExceeded is returned to denied requests. 430 is unreserved, so
// clients can distinguish quota denials from every standard condition.
const StatusQuotaExceeded = 430

var (
	filterMetricsOnce sync.Once
	exceededCount     monitoring.Counter
)

func createFilterMetrics(mf monitoring.MetricFactory) {
	exceededCount = mf.NewCounter("quota_exceeded_count", "Number of quota units found exhausted on denied requests",
		"tenant_id", "resource", "granularity", "period_start")
}

// FilterOptions holds the optional knobs of NewFilter.
type FilterOptions struct {
	// PathPrefix limits enforcement to requests whose path has this prefix;
	// other requests pass through uninspected. Empty guards everything.
	PathPrefix string
	// MetricFactory defaults to monitoring.InertMetricFactory.
	MetricFactory monitoring.MetricFactory
	// TimeSource defaults to clock.System.
	TimeSource clock.TimeSource
}

// Filter enforces per-tenant quotas around a downstream handler. Admission
// is checked before dispatch; consumed resources are read from the
// downstream response's UPDATE_RESOURCES header and accounted after.
type Filter struct {
	inspector  *quotas.Inspector
	next       http.Handler
	pathPrefix string
	timeSource clock.TimeSource
}

// NewFilter wraps next with quota enforcement.
func NewFilter(q *quotas.Inspector, next http.Handler, opts FilterOptions) *Filter {
	if opts.MetricFactory == nil {
		opts.MetricFactory = monitoring.InertMetricFactory{}
	}
	if opts.TimeSource == nil {
		opts.TimeSource = clock.System
	}
	filterMetricsOnce.Do(func() { createFilterMetrics(opts.MetricFactory) })
	return &Filter{
		inspector:  q,
		next:       next,
		pathPrefix: opts.PathPrefix,
		timeSource: opts.TimeSource,
	}
}

func (f *Filter) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if f.pathPrefix != "" && !strings.HasPrefix(r.URL.Path, f.pathPrefix) {
		f.next.ServeHTTP(w, r)
		return
	}

	tenantID, err := extractTenantID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := f.timeSource.Now()
	decision, err := f.inspector.Inspect(r.Context(), tenantID, start)
	if err != nil {
		klog.Errorf("quota inspection failed for tenant [%d]: %v", tenantID, err)
		http.Error(w, "quota inspection failed", http.StatusInternalServerError)
		return
	}
	if decision.QuotaExceeded {
		tid := strconv.FormatInt(tenantID, 10)
		for _, unit := range decision.Exhausted {
			exceededCount.Inc(tid, unit.Resource.String(), unit.Granularity.String(), unit.BucketStart.UTC().Format(time.RFC3339))
		}
		klog.V(1).Infof("tenant [%d]: %s", tenantID, decision.Message)
		http.Error(w, decision.Message, StatusQuotaExceeded)
		return
	}

	f.next.ServeHTTP(w, r)
	end := f.timeSource.Now()

	// The downstream handler reports consumption on the response headers;
	// the map outlives the dispatch, so it can be read back here.
	deltas, ok := f.resourceDeltas(tenantID, w.Header())
	if !ok {
		return
	}
	deltas[inspector.QueryCount] = 1
	f.inspector.Update(r.Context(), tenantID, deltas, start, end)
}

// resourceDeltas extracts the consumption reported by the downstream
// response. A missing header is alerted but still accounted (the query ran,
// so its count must be recorded); a malformed header is alerted and skips
// accounting entirely.
func (f *Filter) resourceDeltas(tenantID int64, h http.Header) (map[inspector.Resource]int64, bool) {
	headerValue := h.Get(UpdateResourcesHeader)
	if headerValue == "" {
		klog.Errorf("no resource usage header found in response for tenant [%d]", tenantID)
		return map[inspector.Resource]int64{}, true
	}
	deltas, err := parseResourceDeltas(headerValue)
	if err != nil {
		klog.Errorf("malformed %s header %q in response for tenant [%d]: %v", UpdateResourcesHeader, headerValue, tenantID, err)
		return nil, false
	}
	return deltas, true
}
