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

package cloudsqlconn

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"

	"github.com/cloudsql-broker/connector/internal/adminapi"
	"github.com/cloudsql-broker/connector/internal/registry"
	"github.com/cloudsql-broker/connector/internal/token"
)

type fakeCA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func newFakeCA(t *testing.T, cn string) fakeCA {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: cn},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		IsCA:                  true,
		BasicConstraintsValid: true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return fakeCA{cert: parsed, key: key}
}

func (ca fakeCA) sign(t *testing.T, pub *rsa.PublicKey, cn string) *x509.Certificate {
	t.Helper()
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Minute),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, ca.cert, pub, ca.key)
	require.NoError(t, err)
	parsed, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return parsed
}

func certPEM(c *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw}))
}

// fakeAdminServer serves instances.get and connect.generateEphemeralCert
// against a self-signed CA, counting ephemeral-cert issuances.
func fakeAdminServer(t *testing.T, ca fakeCA, certCalls *int32) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(sqladmin.DatabaseInstance{
				IpAddresses:  []*sqladmin.IpMapping{{IpAddress: "127.0.0.1", Type: "PRIMARY"}},
				ServerCaCert: &sqladmin.SslCert{Cert: certPEM(ca.cert)},
			})
			return
		}
		if certCalls != nil {
			atomic.AddInt32(certCalls, 1)
		}
		var req sqladmin.GenerateEphemeralCertRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		block, _ := pem.Decode([]byte(req.PublicKey))
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		require.NoError(t, err)
		clientCert := ca.sign(t, pub.(*rsa.PublicKey), "Google Cloud SQL Client")
		_ = json.NewEncoder(w).Encode(sqladmin.GenerateEphemeralCertResponse{
			EphemeralCert: &sqladmin.SslCert{Cert: certPEM(clientCert)},
		})
	}))
}

func staticCredential(tok string) Credential {
	return tokenSourceCredential{source: token.SourceFunc(func(context.Context) (token.Token, error) {
		return token.Token{AccessToken: tok, Expiry: time.Now().Add(time.Hour)}, nil
	})}
}

// fileModeCredential resolves its token like the wrapped Credential but
// reports ModeCredentialFile.
type fileModeCredential struct{ Credential }

func (fileModeCredential) mode() AuthMode { return ModeCredentialFile }

// newTestBroker returns a Broker whose admin API clients call srv.
func newTestBroker(srv *httptest.Server) *Broker {
	b := NewBroker()
	b.adminOpts = []adminapi.Option{adminapi.WithServiceFactory(
		func(ctx context.Context, _ ...option.ClientOption) (*sqladmin.Service, error) {
			return sqladmin.NewService(ctx,
				option.WithEndpoint(srv.URL),
				option.WithHTTPClient(srv.Client()),
				option.WithoutAuthentication(),
			)
		})}
	return b
}

// TestStartProxyPublishesDataSource exercises the facade's full
// instance-bring-up path — key parsing, credential resolution, registry
// admission, admin-API metadata lookup, and certificate-manager priming —
// against a fake admin server, stopping short of an actual remote mTLS dial
// (RemotePort is fixed at 3307 in production and isn't overridable from
// outside the proxy package, so the splice path itself is covered by
// internal/proxy's own tests).
func TestStartProxyPublishesDataSource(t *testing.T) {
	ca := newFakeCA(t, "Google Cloud SQL Server CA")
	admSrv := fakeAdminServer(t, ca, nil)
	defer admSrv.Close()

	b := newTestBroker(admSrv)
	defer b.StopAll()

	p, err := b.StartProxy(context.Background(), "proj:us-central1:inst", staticCredential("tok"))
	require.NoError(t, err)
	require.NotEmpty(t, p.DataSource())
	p.Stop()
}

// TestConcurrentStartProxySharesOneInstance confirms concurrent StartProxy
// calls for the same key observe exactly one construction and one
// ephemeral-cert issuance, exercising the registry's dedup guarantee through
// the public facade.
func TestConcurrentStartProxySharesOneInstance(t *testing.T) {
	ca := newFakeCA(t, "Google Cloud SQL Server CA")
	var certCalls int32
	admSrv := fakeAdminServer(t, ca, &certCalls)
	defer admSrv.Close()

	b := newTestBroker(admSrv)
	defer b.StopAll()
	cred := staticCredential("tok")

	const callers = 5
	var wg sync.WaitGroup
	results := make([]*Proxy, callers)
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		i := i
		go func() {
			defer wg.Done()
			p, err := b.StartProxy(context.Background(), "proj:us-central1:inst", cred)
			require.NoError(t, err)
			results[i] = p
		}()
	}
	wg.Wait()

	for _, p := range results {
		require.Same(t, results[0].instance, p.instance)
	}
	assert := require.New(t)
	assert.LessOrEqual(atomic.LoadInt32(&certCalls), int32(1))

	for _, p := range results {
		p.Stop()
	}
}

// TestStartProxyConflictingAuthModeFails confirms the facade surfaces the
// registry's auth-mode conflict rather than silently reusing credentials
// across modes for the same instance key.
func TestStartProxyConflictingAuthModeFails(t *testing.T) {
	ca := newFakeCA(t, "Google Cloud SQL Server CA")
	admSrv := fakeAdminServer(t, ca, nil)
	defer admSrv.Close()

	b := newTestBroker(admSrv)
	defer b.StopAll()

	p, err := b.StartProxy(context.Background(), "proj:us-central1:inst", staticCredential("tok"))
	require.NoError(t, err)
	defer p.Stop()

	_, err = b.StartProxy(context.Background(), "proj:us-central1:inst", fileModeCredential{staticCredential("tok")})
	require.ErrorIs(t, err, registry.ErrAuthModeConflict)
}
