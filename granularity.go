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

package inspector

import (
	"fmt"
	"strings"
	"time"
)

// Granularity is a time-bucket width used to partition usage accounting.
// It is a closed set: usage tables exist per member, so adding a member is a
// schema change, not just a code change.
type Granularity int

const (
	// Second buckets are mostly useful for tests; production caps are
	// typically set at Minute granularity and above.
	Second Granularity = iota
	// Minute is one of the two granularities enforced by default.
	Minute
	// Hour is one of the two granularities enforced by default.
	Hour
	// Day buckets align to UTC midnight.
	Day
)

// Granularities returns every member of the closed Granularity set, in
// ascending bucket-width order. Callers must not mutate the returned slice.
func Granularities() []Granularity {
	return []Granularity{Second, Minute, Hour, Day}
}

// DefaultGranularities returns the granularities enforced when no explicit
// configuration is given.
func DefaultGranularities() []Granularity {
	return []Granularity{Minute, Hour}
}

// String returns the constant name of the granularity, e.g. "MINUTE".
func (g Granularity) String() string {
	switch g {
	case Second:
		return "SECOND"
	case Minute:
		return "MINUTE"
	case Hour:
		return "HOUR"
	case Day:
		return "DAY"
	}
	return fmt.Sprintf("Granularity(%d)", int(g))
}

// Width returns the bucket width.
func (g Granularity) Width() time.Duration {
	switch g {
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	}
	return 0
}

// BucketSeconds returns the bucket width in seconds.
func (g Granularity) BucketSeconds() int64 {
	return int64(g.Width() / time.Second)
}

// BucketStart aligns t to the start of its bucket, in UTC. Buckets are
// half-open intervals [BucketStart(t), BucketStart(t)+Width()).
func (g Granularity) BucketStart(t time.Time) time.Time {
	return t.UTC().Truncate(g.Width())
}

// GranularityFromName maps a case-insensitive granularity name to its member.
func GranularityFromName(name string) (Granularity, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "SECOND":
		return Second, nil
	case "MINUTE":
		return Minute, nil
	case "HOUR":
		return Hour, nil
	case "DAY":
		return Day, nil
	}
	return 0, fmt.Errorf("unknown granularity %q", name)
}

// MarshalText makes Granularity usable as a JSON object key.
func (g Granularity) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// UnmarshalText parses a granularity name, case-insensitively.
func (g *Granularity) UnmarshalText(text []byte) error {
	parsed, err := GranularityFromName(string(text))
	if err != nil {
		return err
	}
	*g = parsed
	return nil
}
