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

package redisstats

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/facetdata/inspector"
)

const (
	capsKeyPrefix  = "inspector:caps:"
	usageKeyPrefix = "inspector:usage:"
	auditKey       = "inspector:audit:caps"
)

// capsKey returns the hash key holding one tenant's caps. Fields are
// "<GRANULARITY>:<resource>_cap".
func capsKey(tenantID int64) string {
	return capsKeyPrefix + strconv.FormatInt(tenantID, 10)
}

// tenantFromCapsKey recovers the tenant id from a caps hash key.
func tenantFromCapsKey(key string) (int64, error) {
	if !strings.HasPrefix(key, capsKeyPrefix) {
		return 0, fmt.Errorf("not a caps key: %q", key)
	}
	return strconv.ParseInt(strings.TrimPrefix(key, capsKeyPrefix), 10, 64)
}

// capsField returns the caps hash field for one (granularity, resource)
// pair, e.g. "MINUTE:cpu_cap".
func capsField(g inspector.Granularity, r inspector.Resource) string {
	return g.String() + ":" + r.CapKey()
}

// parseCapsField is the inverse of capsField.
func parseCapsField(field string) (inspector.Granularity, inspector.Resource, error) {
	parts := strings.SplitN(field, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed caps field %q", field)
	}
	g, err := inspector.GranularityFromName(parts[0])
	if err != nil {
		return 0, 0, err
	}
	r, err := inspector.ResourceFromName(strings.TrimSuffix(parts[1], "_cap"))
	if err != nil {
		return 0, 0, err
	}
	return g, r, nil
}

// usageKey returns the hash key holding the usage counters of one
// (tenant, granularity, bucket) triple. The bucket start is encoded as unix
// milliseconds so keys sort chronologically.
func usageKey(tenantID int64, g inspector.Granularity, bucketStart time.Time) string {
	return fmt.Sprintf("%s%s:%d:%d",
		usageKeyPrefix, strings.ToLower(g.String()), tenantID, bucketStart.UTC().UnixNano()/int64(time.Millisecond))
}
