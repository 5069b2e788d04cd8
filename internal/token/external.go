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

package token

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrNoToken is returned when Token is called before Update has ever been
// called.
var ErrNoToken = errors.New("token: external source has not been updated yet")

// ExternalSource holds a single token updated atomically by a host process
// that mints tokens outside the broker. Token returns the current value
// unconditionally; expiry policy is the updater's responsibility, mirroring
// the spec's "host-fed token" contract.
type ExternalSource struct {
	current atomic.Pointer[Token]
}

// NewExternalSource constructs an ExternalSource with no token set; the
// first Update call publishes one.
func NewExternalSource() *ExternalSource {
	return &ExternalSource{}
}

// Update atomically replaces the current token.
func (s *ExternalSource) Update(next Token) {
	t := next
	s.current.Store(&t)
}

// Token implements Source.
func (s *ExternalSource) Token(_ context.Context) (Token, error) {
	t := s.current.Load()
	if t == nil {
		return Token{}, ErrNoToken
	}
	return *t, nil
}
