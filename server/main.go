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

package server

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/facetdata/inspector/monitoring"
	"github.com/facetdata/inspector/quotas"
	"github.com/facetdata/inspector/stats"
	"github.com/facetdata/inspector/util/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/klog/v2"
)

const (
	healthzTimeout  = 5 * time.Second
	shutdownTimeout = 15 * time.Second
)

// Main encapsulates the data and logic needed to run the quota proxy. It
// serves the guarded reverse proxy, the admin surface, /metrics and
// /healthz on a single endpoint.
type Main struct {
	// HTTPEndpoint is the host:port to listen on.
	HTTPEndpoint string
	// DownstreamURL is the origin that guarded requests are proxied to.
	DownstreamURL *url.URL
	// GuardedPathPrefix limits quota enforcement to matching paths. Empty
	// guards every proxied path.
	GuardedPathPrefix string

	Inspector    *quotas.Inspector
	StatsManager stats.Manager
	// MetricFactory defaults to monitoring.InertMetricFactory.
	MetricFactory monitoring.MetricFactory
	// TimeSource defaults to clock.System.
	TimeSource clock.TimeSource
	// IsHealthy reports backend health for /healthz. Nil means always
	// healthy.
	IsHealthy func(context.Context) error
}

// Run starts the HTTP server and blocks until ctx is done, then shuts the
// server down gracefully.
func (m *Main) Run(ctx context.Context) error {
	proxy := httputil.NewSingleHostReverseProxy(m.DownstreamURL)
	filter := NewFilter(m.Inspector, proxy, FilterOptions{
		PathPrefix:    m.GuardedPathPrefix,
		MetricFactory: m.MetricFactory,
		TimeSource:    m.TimeSource,
	})

	mux := http.NewServeMux()
	NewStatsHandler(m.StatsManager, m.Inspector).RegisterHandlers(mux)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", m.healthz)
	mux.Handle("/", filter)

	srv := &http.Server{Addr: m.HTTPEndpoint, Handler: mux}
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		klog.Infof("server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			klog.Errorf("server shutdown: %v", err)
		}
	}()

	klog.Infof("quota proxy listening on [%s], guarding [%s] for [%s]",
		m.HTTPEndpoint, m.GuardedPathPrefix, m.DownstreamURL)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	<-shutdownDone
	return nil
}

func (m *Main) healthz(w http.ResponseWriter, r *http.Request) {
	if m.IsHealthy != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthzTimeout)
		defer cancel()
		if err := m.IsHealthy(ctx); err != nil {
			klog.Errorf("health check failed: %v", err)
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
	}
	if _, err := w.Write([]byte("ok")); err != nil {
		klog.Errorf("failed to write health response: %v", err)
	}
}
