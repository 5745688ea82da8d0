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

package stats

import (
	"context"
	"math/rand"
	"time"

	"k8s.io/klog/v2"
)

// Retry calls fn until it succeeds, returning nil, or gives up, returning
// the last error. A failure is retried only if isTransient classifies it as
// such and fewer than maxRetries retries have been spent; each retry waits
// a randomized 10-100ms pause. A done context stops retrying early.
//
// msg describes the operation for the retry warnings and the final alert.
func Retry(ctx context.Context, msg string, maxRetries int, isTransient func(error) bool, fn func() error) error {
	for try := 1; ; try++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransient(err) || try > maxRetries {
			klog.Errorf("%s: %v", msg, err)
			return err
		}
		wait := time.Duration(10+rand.Intn(90)) * time.Millisecond
		klog.Warningf("%s, retrying [%d] of [%d] in [%v]: %v", msg, try, maxRetries, wait, err)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			klog.Errorf("%s: %v", msg, err)
			return err
		}
	}
}
