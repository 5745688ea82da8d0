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

// Package stats defines the persistence contract for tenant caps and usage
// counters, shared by all storage backends.
package stats

import (
	"context"
	"time"

	"github.com/facetdata/inspector"
)

// DefaultCapsTenantID is the sentinel tenant whose cap vector is the
// fallback for tenants that have no entry of their own. Real tenant ids are
// non-negative, so -1 can never collide.
const DefaultCapsTenantID int64 = -1

// DefaultTransactionRetries bounds how many times a transient storage
// failure is retried before giving up.
const DefaultTransactionRetries = 3

// AuditInfo identifies the author of an administrative cap change.
type AuditInfo struct {
	Author     string
	Comment    string
	RemoteAddr string
}

// Manager is the storage collaborator of the quota inspector.
//
// Implementations must be safe for concurrent use: Inspect and Update run on
// arbitrary request-handler goroutines.
type Manager interface {
	// Init bootstraps the storage schema and seeds default caps for
	// DefaultCapsTenantID at the given granularities, with insert-if-absent
	// semantics. Init is idempotent.
	Init(ctx context.Context, granularities []inspector.Granularity, resources []inspector.Resource) error

	// GetStatsForTenant returns the usage counters of the requested
	// resources in the bucket starting at bucketStart. Absent rows read as
	// zero for every requested resource; absence is never an error.
	GetStatsForTenant(ctx context.Context, tenantID int64, resources []inspector.Resource, bucketStart time.Time, g inspector.Granularity) (map[inspector.Resource]int64, error)

	// UpdateStatsForTenant adds delta to the usage counters in the bucket
	// starting at bucketStart, creating the row if needed. The upsert is
	// atomic per row: concurrent updates for the same key compose by
	// addition and never lose writes.
	UpdateStatsForTenant(ctx context.Context, tenantID int64, delta map[inspector.Resource]int64, bucketStart time.Time, g inspector.Granularity) error

	// GetCapsForTenant returns the tenant's cap vector, empty if the tenant
	// has no caps.
	GetCapsForTenant(ctx context.Context, tenantID int64) (inspector.CapVector, error)

	// GetCapsForAllTenants returns the cap vectors of every tenant,
	// including DefaultCapsTenantID.
	GetCapsForAllTenants(ctx context.Context) (map[int64]inspector.CapVector, error)

	// AddOrUpdateCapsForTenant upserts the given caps per granularity. The
	// audit entry and the cap writes commit in the same transaction.
	// Failures are not retried; they surface to the administrative caller.
	AddOrUpdateCapsForTenant(ctx context.Context, tenantID int64, caps inspector.CapVector, audit AuditInfo) error
}
