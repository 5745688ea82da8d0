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
	"sync"

	"github.com/facetdata/inspector"
)

// capCache is the in-memory view of per-tenant cap vectors. Readers are
// request-handler goroutines; writers are the single sync worker plus the
// fallback install in tenantCaps. Vectors are replaced whole, never mutated
// in place, so a loaded vector is safe to read without further locking.
type capCache struct {
	m sync.Map // int64 -> inspector.CapVector
}

func (c *capCache) load(tenantID int64) (inspector.CapVector, bool) {
	v, ok := c.m.Load(tenantID)
	if !ok {
		return nil, false
	}
	return v.(inspector.CapVector), true
}

// loadOrStore installs caps for the tenant unless an entry already exists,
// and returns the entry now in the cache. loaded is true if the entry was
// already present; concurrent callers see exactly one install.
func (c *capCache) loadOrStore(tenantID int64, caps inspector.CapVector) (inspector.CapVector, bool) {
	v, loaded := c.m.LoadOrStore(tenantID, caps)
	return v.(inspector.CapVector), loaded
}

func (c *capCache) store(tenantID int64, caps inspector.CapVector) {
	c.m.Store(tenantID, caps)
}

// merge installs every vector from byTenant, replacing existing entries.
// Tenants absent from byTenant keep their cached vectors: removal from
// storage does not evict, so a partial read can never un-cap a tenant.
func (c *capCache) merge(byTenant map[int64]inspector.CapVector) {
	for tenantID, caps := range byTenant {
		c.m.Store(tenantID, caps)
	}
}

func (c *capCache) len() int {
	n := 0
	c.m.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
