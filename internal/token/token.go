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

// Package token defines the broker's uniform OAuth2 bearer-token
// abstraction and its three concrete strategies: a static credential file,
// an externally-swappable token, and a workload-identity federation
// exchange.
package token

import (
	"context"
	"time"
)

// DefaultSkew is subtracted from a token's expiry to trigger proactive
// refresh before the token is actually rejected by the server.
const DefaultSkew = 5 * time.Minute

// Token is a bearer credential with an absolute expiry instant.
type Token struct {
	AccessToken string
	Expiry      time.Time
}

// Expired reports whether t must be considered unusable as of now, given
// skew. A zero-value Expiry, or one at the epoch origin (time.Unix(0, 0)), is
// always expired.
func (t Token) Expired(now time.Time, skew time.Duration) bool {
	return !now.Before(t.Expiry.Add(-skew))
}

// Source produces a valid access token on demand. Implementations own
// whatever caching and refresh discipline is appropriate to their
// credential kind; callers always receive a ready-to-use value copy.
type Source interface {
	Token(ctx context.Context) (Token, error)
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc func(ctx context.Context) (Token, error)

// Token implements Source.
func (f SourceFunc) Token(ctx context.Context) (Token, error) { return f(ctx) }
