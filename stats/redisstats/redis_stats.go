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

// Package redisstats implements the stats.Manager contract on Redis.
//
// Caps live in one hash per tenant, usage counters in one hash per
// (tenant, granularity, bucket) with HINCRBY providing the atomic
// accumulation that MySQL gets from ON DUPLICATE KEY UPDATE.
//
// Unlike the MySQL backend, which keeps usage rows until an external
// retention job removes them, this backend sets a TTL of two bucket widths
// on each usage hash. A bucket is only ever inspected while it contains the
// current instant and only ever charged up to one width later, so expired
// hashes are unreachable; keeping them longer would need a reaper Redis
// does for free.
package redisstats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/facetdata/inspector"
	"github.com/facetdata/inspector/stats"
	"github.com/go-redis/redis"
	"k8s.io/klog/v2"
)

// bucketRetention is how many bucket widths a usage hash outlives its
// bucket. One extra width covers post-dispatch updates that land after the
// bucket has rolled over.
const bucketRetention = 2

// Client is the subset of *redis.Client used by Manager.
type Client interface {
	HMGet(key string, fields ...string) *redis.SliceCmd
	HIncrBy(key, field string, incr int64) *redis.IntCmd
	HGetAll(key string) *redis.StringStringMapCmd
	HSetNX(key, field string, value interface{}) *redis.BoolCmd
	Expire(key string, expiration time.Duration) *redis.BoolCmd
	Scan(cursor uint64, match string, count int64) *redis.ScanCmd
	TxPipeline() redis.Pipeliner
}

// Manager implements stats.Manager on Redis.
type Manager struct {
	client     Client
	maxRetries int
}

// New creates a Manager on the given Redis client. maxRetries bounds the
// retries spent on transient errors per operation.
func New(client Client, maxRetries int) *Manager {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Manager{client: client, maxRetries: maxRetries}
}

// isTransient classifies network-level failures as retryable. Command
// errors, including malformed stored values, fail immediately.
func isTransient(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

// Init seeds default caps for stats.DefaultCapsTenantID. HSETNX keeps caps
// tuned by operators intact across restarts. Redis needs no schema setup
// beyond that.
func (m *Manager) Init(ctx context.Context, granularities []inspector.Granularity, resources []inspector.Resource) error {
	key := capsKey(stats.DefaultCapsTenantID)
	for _, g := range granularities {
		for _, r := range resources {
			if err := m.client.HSetNX(key, capsField(g, r), r.DefaultPerGranularity(g)).Err(); err != nil {
				return fmt.Errorf("failed to seed default caps: %v", err)
			}
		}
	}
	return nil
}

// GetStatsForTenant reads the usage counters for one bucket. Missing hashes
// and missing fields read as zero.
func (m *Manager) GetStatsForTenant(ctx context.Context, tenantID int64, resources []inspector.Resource, bucketStart time.Time, g inspector.Granularity) (map[inspector.Resource]int64, error) {
	key := usageKey(tenantID, g, bucketStart)
	fields := make([]string, len(resources))
	for i, r := range resources {
		fields[i] = r.UsageKey()
	}

	usage := make(map[inspector.Resource]int64, len(resources))
	msg := fmt.Sprintf("failed to get stats for tenant [%d]", tenantID)
	err := stats.Retry(ctx, msg, m.maxRetries, isTransient, func() error {
		vals, err := m.client.HMGet(key, fields...).Result()
		if err != nil {
			return err
		}
		for i, r := range resources {
			if vals[i] == nil {
				usage[r] = 0
				continue
			}
			s, ok := vals[i].(string)
			if !ok {
				return fmt.Errorf("unexpected value %v for field %s of %s", vals[i], fields[i], key)
			}
			n, err := strconv.ParseInt(s, 10, 64)
			if err != nil {
				return fmt.Errorf("malformed counter in field %s of %s: %v", fields[i], key, err)
			}
			usage[r] = n
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return usage, nil
}

// UpdateStatsForTenant adds delta to the tenant's counters via HINCRBY, and
// refreshes the hash expiry.
func (m *Manager) UpdateStatsForTenant(ctx context.Context, tenantID int64, delta map[inspector.Resource]int64, bucketStart time.Time, g inspector.Granularity) error {
	key := usageKey(tenantID, g, bucketStart)
	msg := fmt.Sprintf("failed to update stats for tenant [%d]", tenantID)
	return stats.Retry(ctx, msg, m.maxRetries, isTransient, func() error {
		pipe := m.client.TxPipeline()
		for _, r := range inspector.Resources() {
			pipe.HIncrBy(key, r.UsageKey(), delta[r])
		}
		pipe.Expire(key, bucketRetention*g.Width())
		_, err := pipe.Exec()
		return err
	})
}

// GetCapsForTenant returns the tenant's cap vector, empty if the tenant has
// no caps stored.
func (m *Manager) GetCapsForTenant(ctx context.Context, tenantID int64) (inspector.CapVector, error) {
	var caps inspector.CapVector
	msg := fmt.Sprintf("failed to get caps for tenant [%d]", tenantID)
	err := stats.Retry(ctx, msg, m.maxRetries, isTransient, func() error {
		fields, err := m.client.HGetAll(capsKey(tenantID)).Result()
		if err != nil {
			return err
		}
		caps, err = capsFromHash(fields)
		return err
	})
	if err != nil {
		return nil, err
	}
	return caps, nil
}

// GetCapsForAllTenants scans the caps keyspace and returns every tenant's
// cap vector.
func (m *Manager) GetCapsForAllTenants(ctx context.Context) (map[int64]inspector.CapVector, error) {
	var byTenant map[int64]inspector.CapVector
	err := stats.Retry(ctx, "failed to get caps for all tenants", m.maxRetries, isTransient, func() error {
		byTenant = make(map[int64]inspector.CapVector)
		var cursor uint64
		for {
			keys, next, err := m.client.Scan(cursor, capsKeyPrefix+"*", 100).Result()
			if err != nil {
				return err
			}
			for _, key := range keys {
				tenantID, err := tenantFromCapsKey(key)
				if err != nil {
					klog.Warningf("ignoring unrecognized caps key [%s]: %v", key, err)
					continue
				}
				fields, err := m.client.HGetAll(key).Result()
				if err != nil {
					return err
				}
				caps, err := capsFromHash(fields)
				if err != nil {
					return err
				}
				byTenant[tenantID] = caps
			}
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	if err != nil {
		return nil, err
	}
	return byTenant, nil
}

// AddOrUpdateCapsForTenant writes the given caps and appends an audit entry
// in one MULTI/EXEC transaction. Not retried; failures surface to the
// administrative caller.
func (m *Manager) AddOrUpdateCapsForTenant(ctx context.Context, tenantID int64, caps inspector.CapVector, audit stats.AuditInfo) error {
	entry, err := json.Marshal(struct {
		TenantID   int64               `json:"tenantId"`
		Author     string              `json:"author"`
		Comment    string              `json:"comment"`
		RemoteAddr string              `json:"remoteAddr"`
		Caps       inspector.CapVector `json:"caps"`
		Timestamp  time.Time           `json:"timestamp"`
	}{tenantID, audit.Author, audit.Comment, audit.RemoteAddr, caps, time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("could not serialize audit entry: %v", err)
	}

	fields := make(map[string]interface{})
	for _, g := range caps.Granularities() {
		for _, r := range caps.Resources(g) {
			fields[capsField(g, r)] = caps[g][r]
		}
	}

	pipe := m.client.TxPipeline()
	pipe.RPush(auditKey, entry)
	if len(fields) > 0 {
		pipe.HMSet(capsKey(tenantID), fields)
	}
	if _, err := pipe.Exec(); err != nil {
		klog.Errorf("failed to update caps for tenant [%d]: %v", tenantID, err)
		return err
	}
	return nil
}

// capsFromHash decodes a caps hash into a vector. Unrecognized fields are
// skipped with a warning rather than failing the whole read.
func capsFromHash(fields map[string]string) (inspector.CapVector, error) {
	caps := inspector.CapVector{}
	for field, val := range fields {
		g, r, err := parseCapsField(field)
		if err != nil {
			klog.Warningf("ignoring unrecognized caps field [%s]: %v", field, err)
			continue
		}
		c, err := strconv.ParseInt(val, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("malformed cap in field %s: %v", field, err)
		}
		rc, ok := caps[g]
		if !ok {
			rc = inspector.ResourceCaps{}
			caps[g] = rc
		}
		rc[r] = c
	}
	return caps, nil
}
