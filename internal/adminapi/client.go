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

// Package adminapi is a thin layer over the Cloud SQL admin API's generated
// client: it attaches a fresh bearer token to every outbound call (the
// token source, not this client, owns the cache) and exposes only the two
// operations the broker needs.
package adminapi

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"

	"github.com/cloudsql-broker/connector/internal/cache"
	"github.com/cloudsql-broker/connector/internal/instancekey"
	"github.com/cloudsql-broker/connector/internal/token"
)

// metadataCacheSize bounds how many distinct instance keys' metadata one
// Client keeps warm. A broker process typically proxies a handful of
// instances, so this comfortably covers realistic fleets without growing
// unbounded in a long-lived process.
const metadataCacheSize = 64

// metadataCacheTTL is how long a cached instances.get result is trusted
// before the next InstanceMetadata call re-fetches it. Shorter than a
// human would reconfigure an instance's IP, long enough to spare repeated
// admin API calls across reconnects for the same instance.
const metadataCacheTTL = 5 * time.Minute

// Client calls the Cloud SQL admin surface on behalf of one broker process.
// It holds no per-instance authentication state; every method re-reads the
// token source supplied at construction, since the source itself owns the
// token cache. It does cache instance metadata lookups, since those are
// reissued on every reconnect to the same instance.
type Client struct {
	tokenSource token.Source
	newService  func(ctx context.Context, opts ...option.ClientOption) (*sqladmin.Service, error)
	metadata    *cache.Cache[instancekey.Key, InstanceMetadata]
}

// Option configures a Client at construction.
type Option func(*Client)

// WithServiceFactory overrides how the underlying sqladmin.Service is
// constructed, primarily so tests can point the client at a local server.
func WithServiceFactory(f func(ctx context.Context, opts ...option.ClientOption) (*sqladmin.Service, error)) Option {
	return func(c *Client) { c.newService = f }
}

// New constructs a Client that authenticates every call with a fresh token
// drawn from ts.
func New(ts token.Source, opts ...Option) *Client {
	metadataCache, err := cache.New[instancekey.Key, InstanceMetadata](metadataCacheSize)
	if err != nil {
		// Only non-nil for a non-positive size, which metadataCacheSize never is.
		panic(err)
	}
	c := &Client{
		tokenSource: ts,
		newService:  sqladmin.NewService,
		metadata:    metadataCache,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// InstanceMetadata is the subset of instances.get the broker needs to dial
// and validate the remote instance.
type InstanceMetadata struct {
	IPAddress string
	ServerCA  *x509.Certificate
}

// service builds a per-call sqladmin client authenticated with a token
// drawn fresh from the configured Source.
func (c *Client) service(ctx context.Context) (*sqladmin.Service, error) {
	t, err := c.tokenSource.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("adminapi: obtaining bearer token: %w", err)
	}
	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: t.AccessToken, Expiry: t.Expiry})
	return c.newService(ctx, option.WithTokenSource(ts))
}

// GenerateEphemeralCert requests a short-lived client certificate signed
// for pub, scoped to key.
func (c *Client) GenerateEphemeralCert(ctx context.Context, key instancekey.Key, pub *rsa.PublicKey) (*x509.Certificate, error) {
	svc, err := c.service(ctx)
	if err != nil {
		return nil, err
	}

	pubPEM, err := publicKeyToPEM(pub)
	if err != nil {
		return nil, fmt.Errorf("adminapi: encoding public key: %w", err)
	}

	resp, err := svc.Connect.GenerateEphemeralCert(key.Project, key.RegionName(), &sqladmin.GenerateEphemeralCertRequest{
		PublicKey: pubPEM,
	}).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("adminapi: generating ephemeral certificate for %s: %w", key, err)
	}
	if resp.EphemeralCert == nil || resp.EphemeralCert.Cert == "" {
		return nil, errors.New("adminapi: GenerateEphemeralCert response did not contain a certificate")
	}

	block, _ := pem.Decode([]byte(resp.EphemeralCert.Cert))
	if block == nil {
		return nil, errors.New("adminapi: ephemeral certificate PEM did not decode")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("adminapi: parsing ephemeral certificate: %w", err)
	}
	return cert, nil
}

// InstanceMetadata fetches the instance's public IP and server CA
// certificate, serving a cached result when one is still fresh.
func (c *Client) InstanceMetadata(ctx context.Context, key instancekey.Key) (InstanceMetadata, error) {
	if meta, ok := c.metadata.Get(key, time.Now()); ok {
		return meta, nil
	}

	svc, err := c.service(ctx)
	if err != nil {
		return InstanceMetadata{}, err
	}

	inst, err := svc.Instances.Get(key.Project, key.Name).Context(ctx).Do()
	if err != nil {
		return InstanceMetadata{}, fmt.Errorf("adminapi: fetching instance metadata for %s: %w", key, err)
	}

	var ip string
	for _, addr := range inst.IpAddresses {
		if addr.Type == "PRIMARY" {
			ip = addr.IpAddress
			break
		}
	}
	if ip == "" && len(inst.IpAddresses) > 0 {
		ip = inst.IpAddresses[0].IpAddress
	}
	if ip == "" {
		return InstanceMetadata{}, fmt.Errorf("adminapi: instance %s has no reachable IP address", key)
	}

	if inst.ServerCaCert == nil || inst.ServerCaCert.Cert == "" {
		return InstanceMetadata{}, fmt.Errorf("adminapi: instance %s has no server CA certificate", key)
	}
	block, _ := pem.Decode([]byte(inst.ServerCaCert.Cert))
	if block == nil {
		return InstanceMetadata{}, errors.New("adminapi: server CA certificate PEM did not decode")
	}
	caCert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return InstanceMetadata{}, fmt.Errorf("adminapi: parsing server CA certificate: %w", err)
	}

	meta := InstanceMetadata{IPAddress: ip, ServerCA: caCert}
	c.metadata.Add(key, meta, time.Now().Add(metadataCacheTTL))
	return meta, nil
}

// IsRetryable reports whether err is a Google API error worth retrying
// under backoff: any HTTP status >= 500.
func IsRetryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code >= 500
	}
	return false
}

func publicKeyToPEM(pub *rsa.PublicKey) (string, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return "", err
	}
	block := &pem.Block{Type: "PUBLIC KEY", Bytes: der}
	return string(pem.EncodeToMemory(block)), nil
}
