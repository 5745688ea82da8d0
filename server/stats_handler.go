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
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/facetdata/inspector"
	"github.com/facetdata/inspector/quotas"
	"github.com/facetdata/inspector/stats"
	"k8s.io/klog/v2"
)

// capsPath is the admin route for upserting a tenant's caps.
const capsPath = "/druid-ext/inspector/v1/stats/caps/"

// StatsHandler is the administrative surface: upsert caps for a tenant,
// then trigger an asynchronous cache resync so the change takes effect
// without waiting for the periodic refresh.
type StatsHandler struct {
	stats     stats.Manager
	inspector *quotas.Inspector
}

// NewStatsHandler creates a StatsHandler writing through m and resyncing q.
func NewStatsHandler(m stats.Manager, q *quotas.Inspector) *StatsHandler {
	return &StatsHandler{stats: m, inspector: q}
}

// RegisterHandlers installs the admin routes on mux.
func (h *StatsHandler) RegisterHandlers(mux *http.ServeMux) {
	mux.Handle("POST "+capsPath+"{tenantId}", h)
}

// ServeHTTP handles POST /druid-ext/inspector/v1/stats/caps/{tenantId} with
// a CapVector JSON body. The cap write and its audit entry are transactional
// in storage; the cache resync is enqueued after a successful write.
func (h *StatsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID, err := strconv.ParseInt(r.PathValue("tenantId"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed tenant id: %v", err))
		return
	}
	var caps inspector.CapVector
	if err := json.NewDecoder(r.Body).Decode(&caps); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("malformed cap vector: %v", err))
		return
	}

	audit := stats.AuditInfo{
		Author:     r.Header.Get(AuthorHeader),
		Comment:    r.Header.Get(CommentHeader),
		RemoteAddr: r.RemoteAddr,
	}
	if err := h.stats.AddOrUpdateCapsForTenant(r.Context(), tenantID, caps, audit); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	klog.Infof("updated caps for tenant [%d] by author [%s]", tenantID, audit.Author)

	h.inspector.SyncCapsForTenant(tenantID)
	w.WriteHeader(http.StatusOK)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if encErr := json.NewEncoder(w).Encode(map[string]string{"error": err.Error()}); encErr != nil {
		klog.Errorf("failed to write error response: %v", encErr)
	}
}
