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

package proxy

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"encoding/pem"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
	sqladmin "google.golang.org/api/sqladmin/v1beta4"

	"github.com/cloudsql-broker/connector/internal/adminapi"
	"github.com/cloudsql-broker/connector/internal/cert"
	"github.com/cloudsql-broker/connector/internal/instancekey"
	"github.com/cloudsql-broker/connector/internal/token"
)

// issuingCA is a self-signed CA used to sign both the fake remote server's
// certificate and the fake admin API's ephemeral client certificates, so
// the proxy's pinned-CA verification has something real to check.
type issuingCA struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

func newIssuingCA(t *testing.T, cn string) issuingCA {
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
	return issuingCA{cert: parsed, key: key}
}

func (ca issuingCA) sign(t *testing.T, pub *rsa.PublicKey, cn string) *x509.Certificate {
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

func certToPEM(c *x509.Certificate) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: c.Raw}))
}

func staticTokenSource(tok string) token.Source {
	return token.SourceFunc(func(context.Context) (token.Token, error) {
		return token.Token{AccessToken: tok, Expiry: time.Now().Add(time.Hour)}, nil
	})
}

func TestInstanceStartAndSplice(t *testing.T) {
	ca := newIssuingCA(t, "Google Cloud SQL Server CA")

	// Remote mTLS server on an ephemeral port, echoing back everything it
	// reads, signed by ca so the proxy's pinned-CA verification succeeds.
	serverKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	serverCert := ca.sign(t, &serverKey.PublicKey, "proj:inst")

	remoteLn, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{
		Certificates: []tls.Certificate{{
			Certificate: [][]byte{serverCert.Raw},
			PrivateKey:  serverKey,
		}},
	})
	require.NoError(t, err)
	defer remoteLn.Close()

	go func() {
		conn, err := remoteLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		reader := bufio.NewReader(conn)
		line, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		_, _ = conn.Write([]byte("echo:" + line))
	}()

	_, remotePortStr, err := net.SplitHostPort(remoteLn.Addr().String())
	require.NoError(t, err)
	remotePort, err := strconv.Atoi(remotePortStr)
	require.NoError(t, err)

	// Fake admin API: instances.get returns the remote's loopback IP and
	// the CA cert; connect.generateEphemeralCert signs whatever public key
	// is sent, as the real admin API would.
	admSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			_ = json.NewEncoder(w).Encode(sqladmin.DatabaseInstance{
				IpAddresses:  []*sqladmin.IpMapping{{IpAddress: "127.0.0.1", Type: "PRIMARY"}},
				ServerCaCert: &sqladmin.SslCert{Cert: certToPEM(ca.cert)},
			})
			return
		}

		var req sqladmin.GenerateEphemeralCertRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		block, _ := pem.Decode([]byte(req.PublicKey))
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		require.NoError(t, err)
		clientCert := ca.sign(t, pub.(*rsa.PublicKey), "Google Cloud SQL Client")
		_ = json.NewEncoder(w).Encode(sqladmin.GenerateEphemeralCertResponse{
			EphemeralCert: &sqladmin.SslCert{Cert: certToPEM(clientCert)},
		})
	}))
	defer admSrv.Close()

	admin := adminapi.New(staticTokenSource("tok"), adminapi.WithServiceFactory(
		func(ctx context.Context, _ ...option.ClientOption) (*sqladmin.Service, error) {
			return sqladmin.NewService(ctx,
				option.WithEndpoint(admSrv.URL),
				option.WithHTTPClient(admSrv.Client()),
				option.WithoutAuthentication(),
			)
		}))

	key, err := instancekey.Parse("proj:us-central1:inst")
	require.NoError(t, err)
	certMgr := cert.NewManager(key, admin)
	defer certMgr.Stop()

	inst := New(key, admin, certMgr)
	inst.remotePort = remotePort
	require.NoError(t, inst.Start(context.Background()))
	defer inst.Stop()

	localAddr := inst.DataSource()[len("tcp:"):]
	conn, err := net.Dial("tcp", localAddr)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("hello\n"))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "echo:hello\n", line)
}
