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
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	stsTokenURL               = "https://sts.googleapis.com/v1/token"
	iamCredentialsURLTemplate = "https://iamcredentials.googleapis.com/v1/projects/-/serviceAccounts/%s:generateAccessToken"
	grantTypeTokenExchange    = "urn:ietf:params:oauth:grant-type:token-exchange"
	requestedTokenTypeAccess  = "urn:ietf:params:oauth:token-type:access_token"
	subjectTokenTypeJWT       = "urn:ietf:params:oauth:token-type:jwt"
	cloudPlatformScopeURL     = "https://www.googleapis.com/auth/cloud-platform"
	singleflightRefreshKey    = "refresh"
)

// OIDCTokenProducer supplies the OIDC JWT that anchors a workload-identity
// federation exchange. Callers typically implement this over a platform
// metadata service, a mounted Kubernetes service-account token, or similar.
type OIDCTokenProducer interface {
	GetOIDCIDToken(ctx context.Context) (string, error)
}

// OIDCTokenProducerFunc adapts a plain function to OIDCTokenProducer.
type OIDCTokenProducerFunc func(ctx context.Context) (string, error)

// GetOIDCIDToken implements OIDCTokenProducer.
func (f OIDCTokenProducerFunc) GetOIDCIDToken(ctx context.Context) (string, error) {
	return f(ctx)
}

// FederatedSource mints Google access tokens from an external OIDC identity
// via RFC 8693 STS token exchange, optionally followed by service-account
// impersonation. Concurrent refreshes coalesce onto a single in-flight
// exchange.
type FederatedSource struct {
	audience           string
	serviceAccountMail string
	oidc               OIDCTokenProducer
	httpClient         *http.Client
	skew               time.Duration
	stsURL             string
	iamURLTemplate     string

	cached atomic.Pointer[Token]
	group  singleflight.Group
}

// FederatedSourceOption configures a FederatedSource at construction.
type FederatedSourceOption func(*FederatedSource)

// WithServiceAccountImpersonation configures the optional second-stage
// impersonation call; without it, the STS exchange result is used
// directly.
func WithServiceAccountImpersonation(email string) FederatedSourceOption {
	return func(s *FederatedSource) { s.serviceAccountMail = email }
}

// WithHTTPClient overrides the transport used for the STS and
// iamcredentials calls, primarily for tests.
func WithHTTPClient(c *http.Client) FederatedSourceOption {
	return func(s *FederatedSource) { s.httpClient = c }
}

// WithSkew overrides DefaultSkew.
func WithSkew(d time.Duration) FederatedSourceOption {
	return func(s *FederatedSource) { s.skew = d }
}

// NewFederatedSource constructs a FederatedSource exchanging OIDC tokens
// from oidc for Google access tokens scoped to audience.
func NewFederatedSource(audience string, oidc OIDCTokenProducer, opts ...FederatedSourceOption) *FederatedSource {
	s := &FederatedSource{
		audience:       audience,
		oidc:           oidc,
		httpClient:     http.DefaultClient,
		skew:           DefaultSkew,
		stsURL:         stsTokenURL,
		iamURLTemplate: iamCredentialsURLTemplate,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Token implements Source. A cached token is returned unless it is expired
// under skew, in which case a refresh is performed; concurrent callers
// coalesce onto the one in-flight refresh and all observe its outcome.
// A failed refresh leaves the cache untouched so the next call retries.
func (s *FederatedSource) Token(ctx context.Context) (Token, error) {
	if t := s.cached.Load(); t != nil && !t.Expired(time.Now(), s.skew) {
		return *t, nil
	}

	v, err, _ := s.group.Do(singleflightRefreshKey, func() (any, error) {
		// Double-check: another waiter's refresh may have already landed
		// while we queued up behind the singleflight call.
		if t := s.cached.Load(); t != nil && !t.Expired(time.Now(), s.skew) {
			return *t, nil
		}
		next, err := s.refresh(ctx)
		if err != nil {
			return Token{}, err
		}
		s.cached.Store(&next)
		return next, nil
	})
	if err != nil {
		return Token{}, err
	}
	return v.(Token), nil
}

func (s *FederatedSource) refresh(ctx context.Context) (Token, error) {
	jwt, err := s.oidc.GetOIDCIDToken(ctx)
	if err != nil {
		return Token{}, fmt.Errorf("token: obtaining OIDC identity token: %w", err)
	}
	if jwt == "" {
		return Token{}, errors.New("token: OIDC identity token producer returned an empty token")
	}

	stsToken, expiresIn, err := s.exchangeSTS(ctx, jwt)
	if err != nil {
		return Token{}, err
	}

	if s.serviceAccountMail == "" {
		return Token{
			AccessToken: stsToken,
			Expiry:      time.Now().Add(expiresIn),
		}, nil
	}
	return s.impersonate(ctx, stsToken)
}

// exchangeSTS performs stage one of the federation exchange: trading the
// caller's OIDC JWT for a Google STS access token.
func (s *FederatedSource) exchangeSTS(ctx context.Context, jwt string) (accessToken string, expiresIn time.Duration, err error) {
	form := url.Values{
		"grant_type":           {grantTypeTokenExchange},
		"requested_token_type": {requestedTokenTypeAccess},
		"subject_token_type":   {subjectTokenTypeJWT},
		"subject_token":        {jwt},
		"audience":             {s.audience},
		"scope":                {cloudPlatformScopeURL},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.stsURL, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return "", 0, fmt.Errorf("token: building STS request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("token: STS exchange request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", 0, fmt.Errorf("token: reading STS response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", 0, fmt.Errorf("token: STS exchange failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", 0, fmt.Errorf("token: parsing STS response: %w", err)
	}
	if parsed.AccessToken == "" {
		return "", 0, errors.New("token: STS response did not contain an access_token")
	}
	return parsed.AccessToken, time.Duration(parsed.ExpiresIn) * time.Second, nil
}

// impersonate performs the optional second stage: trading the STS token for
// an access token minted as the configured service account.
func (s *FederatedSource) impersonate(ctx context.Context, stsAccessToken string) (Token, error) {
	reqBody, err := json.Marshal(struct {
		Scope []string `json:"scope"`
	}{Scope: []string{cloudPlatformScopeURL}})
	if err != nil {
		return Token{}, fmt.Errorf("token: building impersonation request body: %w", err)
	}

	endpoint := fmt.Sprintf(s.iamURLTemplate, s.serviceAccountMail)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return Token{}, fmt.Errorf("token: building impersonation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+stsAccessToken)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Token{}, fmt.Errorf("token: impersonation request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Token{}, fmt.Errorf("token: reading impersonation response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Token{}, fmt.Errorf("token: impersonation failed with status %d: %s", resp.StatusCode, string(body))
	}

	var parsed struct {
		AccessToken string `json:"accessToken"`
		ExpireTime  string `json:"expireTime"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return Token{}, fmt.Errorf("token: parsing impersonation response: %w", err)
	}
	if parsed.AccessToken == "" {
		return Token{}, errors.New("token: impersonation response did not contain an accessToken")
	}
	expiry, err := time.Parse(time.RFC3339, parsed.ExpireTime)
	if err != nil {
		return Token{}, fmt.Errorf("token: parsing impersonation expireTime %q: %w", parsed.ExpireTime, err)
	}
	return Token{AccessToken: parsed.AccessToken, Expiry: expiry}, nil
}
