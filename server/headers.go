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
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/facetdata/inspector"
	"k8s.io/klog/v2"
)

// Headers consumed by the quota filter and admin surface.
const (
	// TenantHeader carries the tenant id on every guarded request.
	TenantHeader = "TENANT_ID"
	// UpdateResourcesHeader carries consumed resources on the downstream
	// response, formatted "Resource1:N1,Resource2:N2,...".
	UpdateResourcesHeader = "UPDATE_RESOURCES"
	// AuthorHeader and CommentHeader feed the audit trail of admin cap
	// changes.
	AuthorHeader  = "X-Druid-Author"
	CommentHeader = "X-Druid-Comment"
)

// extractTenantID reads the tenant id header of a guarded request. Negative
// ids are rejected: they are not issued to clients, and -1 holds the default
// caps.
func extractTenantID(r *http.Request) (int64, error) {
	raw := r.Header.Get(TenantHeader)
	if raw == "" {
		return 0, errors.New("no tenant id found in the request headers")
	}
	tenantID, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed %s header %q", TenantHeader, raw)
	}
	if tenantID < 0 {
		return 0, fmt.Errorf("invalid tenant id [%d]", tenantID)
	}
	return tenantID, nil
}

// parseResourceDeltas parses an UPDATE_RESOURCES header value. Resource
// names are matched case-insensitively. A zero delta is accepted with a
// warning; an entry without a colon, an unknown resource, or a non-numeric
// value fails the whole parse.
func parseResourceDeltas(headerValue string) (map[inspector.Resource]int64, error) {
	deltas := make(map[inspector.Resource]int64)
	for _, entry := range strings.Split(headerValue, ",") {
		name, val, ok := strings.Cut(entry, ":")
		if !ok {
			return nil, fmt.Errorf("entry %q has no value", entry)
		}
		r, err := inspector.ResourceFromName(name)
		if err != nil {
			return nil, err
		}
		delta, err := strconv.ParseInt(strings.TrimSpace(val), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("entry %q has a non-numeric value", entry)
		}
		if delta == 0 {
			klog.Warningf("found [%v] usage to be zero in the header", r)
		}
		deltas[r] = delta
	}
	return deltas, nil
}
