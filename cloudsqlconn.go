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

// Package cloudsqlconn lets a local application reach a Cloud SQL instance
// over mTLS without managing certificates or IP allowlists itself. Call
// StartProxy with an instance connection name and a credential; it returns
// a local endpoint that any database client can dial using the instance's
// native wire protocol.
package cloudsqlconn

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cloudsql-broker/connector/internal/adminapi"
	"github.com/cloudsql-broker/connector/internal/cert"
	"github.com/cloudsql-broker/connector/internal/instancekey"
	"github.com/cloudsql-broker/connector/internal/logging"
	"github.com/cloudsql-broker/connector/internal/proxy"
	"github.com/cloudsql-broker/connector/internal/registry"
	"github.com/cloudsql-broker/connector/internal/token"
)

// AuthMode identifies how a proxy instance authenticates to the admin API.
// All StartProxy calls for the same instance must agree on this mode.
type AuthMode = registry.AuthMode

const (
	// ModeCredentialFile authenticates from a service-account key, given as
	// a file path or inline JSON.
	ModeCredentialFile = registry.AuthModeCredentialFile
	// ModeAccessTokenSource authenticates from a caller-supplied
	// token.Source, e.g. an externally swapped token or a workload-identity
	// federation exchange.
	ModeAccessTokenSource = registry.AuthModeAccessTokenSource
)

// Credential selects how a Broker authenticates to the Cloud SQL admin API
// for one instance. Construct one with CredentialFile, CredentialJSON, or
// WithTokenSource.
type Credential interface {
	mode() AuthMode
	tokenSource(ctx context.Context) (token.Source, error)
}

type fileCredential struct{ path string }

func (fileCredential) mode() AuthMode { return ModeCredentialFile }

func (c fileCredential) tokenSource(ctx context.Context) (token.Source, error) {
	return token.NewStaticSourceFromFile(ctx, c.path)
}

// CredentialFile authenticates using the service-account key at path.
func CredentialFile(path string) Credential {
	return fileCredential{path: path}
}

type jsonCredential struct{ json []byte }

func (jsonCredential) mode() AuthMode { return ModeCredentialFile }

func (c jsonCredential) tokenSource(ctx context.Context) (token.Source, error) {
	return token.NewStaticSourceFromJSON(ctx, c.json)
}

// CredentialJSON authenticates using an inline service-account key.
func CredentialJSON(json []byte) Credential {
	return jsonCredential{json: json}
}

type tokenSourceCredential struct{ source token.Source }

func (tokenSourceCredential) mode() AuthMode { return ModeAccessTokenSource }

func (c tokenSourceCredential) tokenSource(context.Context) (token.Source, error) {
	return c.source, nil
}

// WithTokenSource authenticates using a caller-supplied token.Source —
// typically a token.ExternalSource fed from outside this process, or a
// token.FederatedSource performing workload-identity federation.
func WithTokenSource(ts token.Source) Credential {
	return tokenSourceCredential{source: ts}
}

// Broker deduplicates and owns every proxy instance started through it.
// Most programs need only the package-level StartProxy/StopAll, which
// operate on a private default Broker; construct one explicitly to control
// its lifetime independently or to inject a logger.
type Broker struct {
	reg    *registry.Registry
	logger *zap.SugaredLogger

	// adminOpts are applied to every admin API client the Broker constructs.
	adminOpts []adminapi.Option
}

// BrokerOption configures a Broker at construction.
type BrokerOption func(*Broker)

// WithLogger attaches l to every component a Broker constructs.
func WithLogger(l *zap.SugaredLogger) BrokerOption {
	return func(b *Broker) { b.logger = l }
}

// NewBroker constructs an empty Broker.
func NewBroker(opts ...BrokerOption) *Broker {
	b := &Broker{reg: registry.New(), logger: logging.Nop}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Proxy is a running local endpoint for one Cloud SQL instance.
type Proxy struct {
	instance *proxy.Instance
	reg      *registry.Registry
}

// DataSource is the local endpoint address a database client should dial.
func (p *Proxy) DataSource() string {
	return p.instance.DataSource()
}

// Stop releases this holder's reference; the underlying instance is torn
// down once every holder has released it.
func (p *Proxy) Stop() {
	p.reg.Release(p.instance)
}

// StartProxy brings up (or joins) the proxy instance for instanceKey,
// authenticating with cred. It blocks until the instance is ready to
// accept connections or construction fails.
func (b *Broker) StartProxy(ctx context.Context, instanceKey string, cred Credential) (*Proxy, error) {
	key, err := instancekey.Parse(instanceKey)
	if err != nil {
		return nil, fmt.Errorf("cloudsqlconn: %w", err)
	}

	ts, err := cred.tokenSource(ctx)
	if err != nil {
		return nil, fmt.Errorf("cloudsqlconn: resolving credentials for %s: %w", key, err)
	}

	factory := func(fctx context.Context) (*proxy.Instance, error) {
		admin := adminapi.New(ts, b.adminOpts...)
		certMgr := cert.NewManager(key, admin, cert.WithLogger(b.logger))
		if _, err := certMgr.GetValidClientCertificate(fctx); err != nil {
			certMgr.Stop()
			return nil, err
		}
		inst := proxy.New(key, admin, certMgr, proxy.WithLogger(b.logger))
		if err := inst.Start(fctx); err != nil {
			certMgr.Stop()
			return nil, err
		}
		return inst, nil
	}

	inst, err := b.reg.GetOrCreate(ctx, key, cred.mode(), factory)
	if err != nil {
		return nil, err
	}
	return &Proxy{instance: inst, reg: b.reg}, nil
}

// StopAll tears down every instance this Broker owns.
func (b *Broker) StopAll() {
	b.reg.StopAll()
}

var defaultBroker = NewBroker()

// StartProxy calls StartProxy on the package's default Broker.
func StartProxy(ctx context.Context, instanceKey string, cred Credential) (*Proxy, error) {
	return defaultBroker.StartProxy(ctx, instanceKey, cred)
}

// StopAll calls StopAll on the package's default Broker.
func StopAll() {
	defaultBroker.StopAll()
}
