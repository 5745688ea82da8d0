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

// Package mysqlstats implements the stats.Manager contract on MySQL.
//
// Usage counters live in one table per granularity, keyed by
// (tenant_id, period_start); caps live in a single table keyed by
// (tenant_id, granularity). Counter updates use
// INSERT ... ON DUPLICATE KEY UPDATE col = col + delta so that concurrent
// writers accumulate atomically inside the server.
package mysqlstats

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/facetdata/inspector"
	"github.com/facetdata/inspector/stats"
	"github.com/go-sql-driver/mysql"
	"k8s.io/klog/v2"
)

// Manager implements stats.Manager on a MySQL database.
type Manager struct {
	db         *sql.DB
	maxRetries int
}

// New creates a Manager on the given database handle. maxRetries bounds the
// retries spent on transient errors per operation; values below zero are
// treated as zero.
func New(db *sql.DB, maxRetries int) *Manager {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Manager{db: db, maxRetries: maxRetries}
}

// OpenDB opens a database connection for the given MySQL URI and connection
// limits. Zero or negative limits leave the driver defaults in place.
func OpenDB(uri string, maxConns, maxIdleConns int) (*sql.DB, error) {
	if _, err := mysql.ParseDSN(uri); err != nil {
		return nil, fmt.Errorf("could not parse MySQL URI: %v", err)
	}
	db, err := sql.Open("mysql", uri)
	if err != nil {
		return nil, err
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}
	if maxIdleConns >= 0 {
		db.SetMaxIdleConns(maxIdleConns)
	}
	return db, nil
}

// Init creates the caps, usage and audit tables if absent, then seeds the
// default caps for stats.DefaultCapsTenantID at the given granularities.
// Usage tables are created for every granularity, not just the seeded ones:
// an administrator may cap any granularity at runtime, and its usage table
// must already exist. Seeding uses INSERT IGNORE, so caps tuned by operators
// survive restarts.
func (m *Manager) Init(ctx context.Context, granularities []inspector.Granularity, resources []inspector.Resource) error {
	stmts := []string{
		createCapsTableStmt(resources),
		createCapsAuditTableStmt(),
	}
	for _, g := range inspector.Granularities() {
		stmts = append(stmts, createUsageTableStmt(g, resources))
	}
	for _, stmt := range stmts {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %v", err)
		}
	}

	seed := seedDefaultCapsStmt(resources)
	for _, g := range granularities {
		args := []any{stats.DefaultCapsTenantID, g.String()}
		for _, r := range resources {
			args = append(args, r.DefaultPerGranularity(g))
		}
		if _, err := m.db.ExecContext(ctx, seed, args...); err != nil {
			return fmt.Errorf("failed to seed default caps for %v: %v", g, err)
		}
	}
	return nil
}

// GetStatsForTenant reads the usage counters for one bucket. A missing row
// reads as zero usage for every requested resource.
func (m *Manager) GetStatsForTenant(ctx context.Context, tenantID int64, resources []inspector.Resource, bucketStart time.Time, g inspector.Granularity) (map[inspector.Resource]int64, error) {
	usage := make(map[inspector.Resource]int64, len(resources))
	query := selectUsageStmt(g, resources)
	msg := fmt.Sprintf("failed to get stats for tenant [%d]", tenantID)
	err := stats.Retry(ctx, msg, m.maxRetries, isTransient, func() error {
		vals := make([]int64, len(resources))
		dest := make([]any, len(resources))
		for i := range vals {
			dest[i] = &vals[i]
		}
		err := m.db.QueryRowContext(ctx, query, tenantID, bucketStart.UTC()).Scan(dest...)
		switch {
		case err == sql.ErrNoRows:
			for _, r := range resources {
				usage[r] = 0
			}
			return nil
		case err != nil:
			return err
		}
		for i, r := range resources {
			usage[r] = vals[i]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// UpdateStatsForTenant adds delta to the tenant's counters in the bucket
// starting at bucketStart. Resources absent from delta are charged zero.
func (m *Manager) UpdateStatsForTenant(ctx context.Context, tenantID int64, delta map[inspector.Resource]int64, bucketStart time.Time, g inspector.Granularity) error {
	resources := inspector.Resources()
	args := []any{tenantID, bucketStart.UTC()}
	for _, r := range resources {
		args = append(args, delta[r])
	}
	query := upsertUsageStmt(g, resources)
	msg := fmt.Sprintf("failed to update stats for tenant [%d]", tenantID)
	return stats.Retry(ctx, msg, m.maxRetries, isTransient, func() error {
		_, err := m.db.ExecContext(ctx, query, args...)
		return err
	})
}

// GetCapsForTenant returns the tenant's cap vector, empty if the tenant has
// no caps stored.
func (m *Manager) GetCapsForTenant(ctx context.Context, tenantID int64) (inspector.CapVector, error) {
	var caps inspector.CapVector
	msg := fmt.Sprintf("failed to get caps for tenant [%d]", tenantID)
	err := stats.Retry(ctx, msg, m.maxRetries, isTransient, func() error {
		rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s WHERE tenant_id = ?", capsTable), tenantID)
		if err != nil {
			return err
		}
		defer rows.Close()
		byTenant, err := scanCapRows(rows)
		if err != nil {
			return err
		}
		caps = byTenant[tenantID]
		return nil
	})
	if err != nil {
		return nil, err
	}
	if caps == nil {
		caps = inspector.CapVector{}
	}
	return caps, nil
}

// GetCapsForAllTenants returns every tenant's cap vector, including the
// defaults of stats.DefaultCapsTenantID.
func (m *Manager) GetCapsForAllTenants(ctx context.Context) (map[int64]inspector.CapVector, error) {
	var byTenant map[int64]inspector.CapVector
	err := stats.Retry(ctx, "failed to get caps for all tenants", m.maxRetries, isTransient, func() error {
		rows, err := m.db.QueryContext(ctx, fmt.Sprintf("SELECT * FROM %s", capsTable))
		if err != nil {
			return err
		}
		defer rows.Close()
		byTenant, err = scanCapRows(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	return byTenant, nil
}

// AddOrUpdateCapsForTenant writes the given caps and an audit entry in one
// transaction. Administrative writes are not retried: the caller sees the
// failure and decides whether to resubmit.
func (m *Manager) AddOrUpdateCapsForTenant(ctx context.Context, tenantID int64, caps inspector.CapVector, audit stats.AuditInfo) error {
	capsJSON, err := json.Marshal(caps)
	if err != nil {
		return fmt.Errorf("could not serialize caps: %v", err)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		klog.Errorf("failed to update caps for tenant [%d]: %v", tenantID, err)
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, insertCapsAuditStmt(), tenantID, audit.Author, audit.Comment, audit.RemoteAddr, capsJSON); err != nil {
		klog.Errorf("failed to record caps audit for tenant [%d]: %v", tenantID, err)
		return err
	}

	resources := inspector.Resources()
	upsert := upsertCapsStmt(resources)
	for _, g := range caps.Granularities() {
		args := []any{tenantID, g.String()}
		for _, r := range resources {
			args = append(args, caps[g][r])
		}
		if _, err := tx.ExecContext(ctx, upsert, args...); err != nil {
			klog.Errorf("failed to update caps for tenant [%d] at %v granularity: %v", tenantID, g, err)
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		klog.Errorf("failed to commit caps for tenant [%d]: %v", tenantID, err)
		return err
	}
	return nil
}

// scanCapRows decodes cap rows into per-tenant vectors. Cap columns are
// recognized by their "_cap" suffix, so a schema migration that adds a
// resource column is picked up without a code change here.
func scanCapRows(rows *sql.Rows) (map[int64]inspector.CapVector, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}

	type capCol struct {
		idx      int
		resource inspector.Resource
	}
	var capCols []capCol
	tenantIdx, granIdx := -1, -1
	for i, col := range cols {
		switch {
		case col == "tenant_id":
			tenantIdx = i
		case col == "granularity":
			granIdx = i
		case strings.HasSuffix(col, "_cap"):
			r, err := inspector.ResourceFromName(strings.TrimSuffix(col, "_cap"))
			if err != nil {
				klog.Warningf("ignoring unrecognized cap column [%s]", col)
				continue
			}
			capCols = append(capCols, capCol{idx: i, resource: r})
		}
	}
	if tenantIdx < 0 || granIdx < 0 {
		return nil, fmt.Errorf("caps table misses key columns, got %v", cols)
	}

	byTenant := make(map[int64]inspector.CapVector)
	for rows.Next() {
		var tenantID int64
		var granName string
		vals := make([]int64, len(capCols))
		dest := make([]any, len(cols))
		for i := range dest {
			dest[i] = new(sql.RawBytes)
		}
		dest[tenantIdx] = &tenantID
		dest[granIdx] = &granName
		for i, c := range capCols {
			dest[c.idx] = &vals[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return nil, err
		}
		g, err := inspector.GranularityFromName(granName)
		if err != nil {
			klog.Warningf("ignoring caps row with unrecognized granularity [%s]", granName)
			continue
		}
		vector, ok := byTenant[tenantID]
		if !ok {
			vector = inspector.CapVector{}
			byTenant[tenantID] = vector
		}
		rc := make(inspector.ResourceCaps, len(capCols))
		for i, c := range capCols {
			rc[c.resource] = vals[i]
		}
		vector[g] = rc
	}
	return byTenant, rows.Err()
}
