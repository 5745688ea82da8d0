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
	"testing"
	"time"
)

func TestBucketStart(t *testing.T) {
	in := time.Date(2019, 7, 14, 10, 23, 42, 123456789, time.UTC)
	tests := []struct {
		g    Granularity
		want time.Time
	}{
		{g: Second, want: time.Date(2019, 7, 14, 10, 23, 42, 0, time.UTC)},
		{g: Minute, want: time.Date(2019, 7, 14, 10, 23, 0, 0, time.UTC)},
		{g: Hour, want: time.Date(2019, 7, 14, 10, 0, 0, 0, time.UTC)},
		{g: Day, want: time.Date(2019, 7, 14, 0, 0, 0, 0, time.UTC)},
	}
	for _, test := range tests {
		if got := test.g.BucketStart(in); !got.Equal(test.want) {
			t.Errorf("%v.BucketStart(%v) = %v, want %v", test.g, in, got, test.want)
		}
	}
}

func TestBucketStartNormalizesZone(t *testing.T) {
	zone := time.FixedZone("UTC+5", 5*60*60)
	in := time.Date(2019, 7, 14, 2, 30, 0, 0, zone) // 2019-07-13 21:30 UTC
	want := time.Date(2019, 7, 13, 0, 0, 0, 0, time.UTC)
	if got := Day.BucketStart(in); !got.Equal(want) {
		t.Errorf("Day.BucketStart(%v) = %v, want %v", in, got, want)
	}
}

func TestGranularityFromName(t *testing.T) {
	for _, g := range Granularities() {
		got, err := GranularityFromName(g.String())
		if err != nil {
			t.Errorf("GranularityFromName(%q) returned error: %v", g.String(), err)
			continue
		}
		if got != g {
			t.Errorf("GranularityFromName(%q) = %v, want %v", g.String(), got, g)
		}
	}
	if got, err := GranularityFromName("minute"); err != nil || got != Minute {
		t.Errorf("GranularityFromName(\"minute\") = %v, %v, want Minute", got, err)
	}
	if _, err := GranularityFromName("FORTNIGHT"); err == nil {
		t.Error("GranularityFromName(\"FORTNIGHT\") = nil, want error")
	}
}

func TestBucketSeconds(t *testing.T) {
	tests := []struct {
		g    Granularity
		want int64
	}{
		{g: Second, want: 1},
		{g: Minute, want: 60},
		{g: Hour, want: 3600},
		{g: Day, want: 86400},
	}
	for _, test := range tests {
		if got := test.g.BucketSeconds(); got != test.want {
			t.Errorf("%v.BucketSeconds() = %d, want %d", test.g, got, test.want)
		}
	}
}
