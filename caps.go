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

// ResourceCaps maps each resource to its cap within one bucket.
type ResourceCaps map[Resource]int64

// CapVector holds a tenant's caps for every (granularity, resource) pair
// that applies to it. It marshals to/from JSON with granularity and resource
// names as object keys, e.g.
//
//	{"MINUTE": {"CPU": 12, "QUERY_COUNT": 6000}}
//
// An installed vector is never mutated in place; cache updates always
// replace whole vectors, so vectors may be shared between tenants.
type CapVector map[Granularity]ResourceCaps

// Clone returns a deep copy of the vector.
func (v CapVector) Clone() CapVector {
	out := make(CapVector, len(v))
	for g, rc := range v {
		cp := make(ResourceCaps, len(rc))
		for r, c := range rc {
			cp[r] = c
		}
		out[g] = cp
	}
	return out
}

// Granularities returns the granularities present in the vector, ordered as
// in Granularities(). Iterating a Go map directly would make inspection
// order nondeterministic.
func (v CapVector) Granularities() []Granularity {
	var out []Granularity
	for _, g := range Granularities() {
		if _, ok := v[g]; ok {
			out = append(out, g)
		}
	}
	return out
}

// Resources returns the resources capped at granularity g, ordered as in
// Resources().
func (v CapVector) Resources(g Granularity) []Resource {
	var out []Resource
	for _, r := range Resources() {
		if _, ok := v[g][r]; ok {
			out = append(out, r)
		}
	}
	return out
}
