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
	"fmt"
	"os"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// cloudPlatformScope is the OAuth2 scope required for the Cloud SQL admin
// API.
const cloudPlatformScope = "https://www.googleapis.com/auth/cloud-platform"

// StaticSource wraps the standard Google credential flow for a
// service-account key, whether supplied as a file path or as the raw JSON
// body. The underlying oauth2.TokenSource owns its own refresh/caching, so
// StaticSource is a thin adapter, not a second cache.
type StaticSource struct {
	ts oauth2.TokenSource
}

// NewStaticSourceFromFile builds a StaticSource from a service-account key
// file on disk.
func NewStaticSourceFromFile(ctx context.Context, path string) (*StaticSource, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("token: reading credentials file %q: %w", path, err)
	}
	return NewStaticSourceFromJSON(ctx, raw)
}

// NewStaticSourceFromJSON builds a StaticSource directly from the JSON body
// of a service-account key, without touching the filesystem or ambient
// environment.
func NewStaticSourceFromJSON(ctx context.Context, credentialsJSON []byte) (*StaticSource, error) {
	creds, err := google.CredentialsFromJSON(ctx, credentialsJSON, cloudPlatformScope)
	if err != nil {
		return nil, fmt.Errorf("token: parsing service-account credentials: %w", err)
	}
	return &StaticSource{ts: creds.TokenSource}, nil
}

// Token implements Source.
func (s *StaticSource) Token(ctx context.Context) (Token, error) {
	t, err := s.ts.Token()
	if err != nil {
		return Token{}, fmt.Errorf("token: refreshing static credential: %w", err)
	}
	return Token{AccessToken: t.AccessToken, Expiry: t.Expiry}, nil
}
