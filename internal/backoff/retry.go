/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package backoff wraps admin API calls in the golden-ratio exponential
// backoff the certificate manager and proxy instance both retry under:
// base 200ms, multiplier phi, up to five retries, followed by one final
// unguarded attempt so non-retryable errors surface verbatim.
package backoff

import (
	"context"
	"time"

	cenkalti "github.com/cenkalti/backoff/v4"
)

const (
	baseInterval = 200 * time.Millisecond
	// goldenRatio is the interval multiplier between retries.
	goldenRatio = 1.618
	maxRetries  = 5
)

// Retryable classifies whether err is worth retrying. Callers pass a
// predicate built around their transport (e.g. "Google API error with HTTP
// status >= 500").
type Retryable func(err error) bool

// Do runs fn, retrying under golden-ratio exponential backoff while
// isRetryable(err) holds, up to maxRetries times. After the final retry
// fails, one last unguarded call to fn is made so a non-retryable error
// (or a transient one that never recovered) surfaces exactly as fn
// produced it, not wrapped in a backoff-exhausted error.
func Do(ctx context.Context, isRetryable Retryable, fn func() error) error {
	b := cenkalti.NewExponentialBackOff()
	// The first retry waits base*phi, so retry i waits base*phi^i.
	b.InitialInterval = time.Duration(float64(baseInterval) * goldenRatio)
	b.Multiplier = goldenRatio
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // bounded by maxRetries below, not wall-clock time

	bctx := cenkalti.WithContext(b, ctx)

	attempt := 0
	var lastErr error
	err := cenkalti.Retry(func() error {
		attempt++
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if attempt > maxRetries || !isRetryable(lastErr) {
			return cenkalti.Permanent(lastErr)
		}
		return lastErr
	}, bctx)

	if err == nil {
		return nil
	}
	if attempt > maxRetries {
		// One final unguarded attempt: non-retryable and exhausted-retry
		// errors alike surface exactly as the underlying call produced them.
		return fn()
	}
	return lastErr
}
