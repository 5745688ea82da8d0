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

package mysqlstats

import (
	"fmt"
	"strings"

	"github.com/facetdata/inspector"
)

const (
	capsTable      = "resource_caps"
	capsAuditTable = "resource_caps_audit"
)

// usageTable returns the per-granularity usage table name, e.g.
// "resource_usage_minutely".
func usageTable(g inspector.Granularity) string {
	var suffix string
	switch g {
	case inspector.Second:
		suffix = "secondly"
	case inspector.Minute:
		suffix = "minutely"
	case inspector.Hour:
		suffix = "hourly"
	case inspector.Day:
		suffix = "daily"
	default:
		suffix = strings.ToLower(g.String()) + "ly"
	}
	return "resource_usage_" + suffix
}

func createCapsTableStmt(resources []inspector.Resource) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s(\n", capsTable)
	b.WriteString("  tenant_id BIGINT NOT NULL,\n")
	b.WriteString("  granularity VARCHAR(16) NOT NULL,\n")
	for _, r := range resources {
		fmt.Fprintf(&b, "  %s BIGINT NOT NULL DEFAULT 0,\n", r.CapKey())
	}
	b.WriteString("  PRIMARY KEY(tenant_id, granularity)\n)")
	return b.String()
}

func createUsageTableStmt(g inspector.Granularity, resources []inspector.Resource) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s(\n", usageTable(g))
	b.WriteString("  tenant_id BIGINT NOT NULL,\n")
	b.WriteString("  period_start DATETIME NOT NULL,\n")
	for _, r := range resources {
		fmt.Fprintf(&b, "  %s BIGINT NOT NULL DEFAULT 0,\n", r.UsageKey())
	}
	b.WriteString("  PRIMARY KEY(tenant_id, period_start)\n)")
	return b.String()
}

func createCapsAuditTableStmt() string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s(\n", capsAuditTable)
	b.WriteString("  id BIGINT NOT NULL AUTO_INCREMENT,\n")
	b.WriteString("  tenant_id BIGINT NOT NULL,\n")
	b.WriteString("  author VARCHAR(255) NOT NULL DEFAULT '',\n")
	b.WriteString("  comment VARCHAR(1024) NOT NULL DEFAULT '',\n")
	b.WriteString("  remote_addr VARCHAR(255) NOT NULL DEFAULT '',\n")
	b.WriteString("  caps MEDIUMTEXT NOT NULL,\n")
	b.WriteString("  created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,\n")
	b.WriteString("  PRIMARY KEY(id)\n)")
	return b.String()
}

// seedDefaultCapsStmt inserts the sentinel tenant's row for one granularity
// with insert-if-absent semantics, so redeploys never clobber tuned values.
func seedDefaultCapsStmt(resources []inspector.Resource) string {
	cols := []string{"tenant_id", "granularity"}
	for _, r := range resources {
		cols = append(cols, r.CapKey())
	}
	return fmt.Sprintf("INSERT IGNORE INTO %s(%s) VALUES(%s)",
		capsTable, strings.Join(cols, ","), placeholders(len(cols)))
}

func selectUsageStmt(g inspector.Granularity, resources []inspector.Resource) string {
	cols := make([]string, 0, len(resources))
	for _, r := range resources {
		cols = append(cols, r.UsageKey())
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE tenant_id = ? AND period_start = ?",
		strings.Join(cols, ","), usageTable(g))
}

// upsertUsageStmt builds the atomic read-modify-write for one usage row.
// ON DUPLICATE KEY UPDATE col = col + VALUES(col) makes concurrent updates
// compose by addition inside the server, with no lost writes.
func upsertUsageStmt(g inspector.Granularity, resources []inspector.Resource) string {
	cols := []string{"tenant_id", "period_start"}
	var updates []string
	for _, r := range resources {
		cols = append(cols, r.UsageKey())
		updates = append(updates, fmt.Sprintf("%s = %s + VALUES(%s)", r.UsageKey(), r.UsageKey(), r.UsageKey()))
	}
	return fmt.Sprintf("INSERT INTO %s(%s) VALUES(%s) ON DUPLICATE KEY UPDATE %s",
		usageTable(g), strings.Join(cols, ","), placeholders(len(cols)), strings.Join(updates, ", "))
}

// upsertCapsStmt builds the admin upsert for one caps row. Unlike usage,
// caps are replaced, not accumulated.
func upsertCapsStmt(resources []inspector.Resource) string {
	cols := []string{"tenant_id", "granularity"}
	var updates []string
	for _, r := range resources {
		cols = append(cols, r.CapKey())
		updates = append(updates, fmt.Sprintf("%s = VALUES(%s)", r.CapKey(), r.CapKey()))
	}
	return fmt.Sprintf("INSERT INTO %s(%s) VALUES(%s) ON DUPLICATE KEY UPDATE %s",
		capsTable, strings.Join(cols, ","), placeholders(len(cols)), strings.Join(updates, ", "))
}

func insertCapsAuditStmt() string {
	return fmt.Sprintf("INSERT INTO %s(tenant_id, author, comment, remote_addr, caps) VALUES(?, ?, ?, ?, ?)", capsAuditTable)
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
