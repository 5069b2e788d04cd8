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

// Package proxy terminates local client sockets and splices them, over
// mTLS, to one remote Cloud SQL instance.
package proxy

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/cloudsql-broker/connector/internal/adminapi"
	"github.com/cloudsql-broker/connector/internal/backoff"
	"github.com/cloudsql-broker/connector/internal/cert"
	"github.com/cloudsql-broker/connector/internal/instancekey"
	"github.com/cloudsql-broker/connector/internal/logging"
)

// RemotePort is the mTLS port every Cloud SQL instance listens on.
const RemotePort = 3307

// Instance terminates local connections for one Cloud SQL instance and
// splices them to the remote mTLS endpoint.
type Instance struct {
	key    instancekey.Key
	admin  *adminapi.Client
	certs  *cert.Manager
	logger *zap.SugaredLogger

	listener   net.Listener
	dataSource string

	remoteIP   string
	remotePort int
	serverCA   *x509.Certificate

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures an Instance at construction.
type Option func(*Instance)

// WithLogger overrides the Instance's logger, which otherwise defaults to
// logging.Nop.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(i *Instance) { i.logger = logging.Named(l, "proxy") }
}

// New constructs an Instance for key. Start must be called before the
// instance accepts connections.
func New(key instancekey.Key, admin *adminapi.Client, certs *cert.Manager, opts ...Option) *Instance {
	i := &Instance{
		key:        key,
		admin:      admin,
		certs:      certs,
		logger:     logging.Nop,
		remotePort: RemotePort,
		conns:      make(map[net.Conn]struct{}),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Start resolves the instance's remote metadata, binds a loopback listener,
// and launches the accept loop. On return, DataSource is valid.
func (i *Instance) Start(ctx context.Context) error {
	var meta adminapi.InstanceMetadata
	err := backoff.Do(ctx, adminapi.IsRetryable, func() error {
		var callErr error
		meta, callErr = i.admin.InstanceMetadata(ctx, i.key)
		return callErr
	})
	if err != nil {
		return fmt.Errorf("proxy: resolving metadata for %s: %w", i.key, err)
	}
	i.remoteIP = meta.IPAddress
	i.serverCA = meta.ServerCA

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("proxy: binding local listener for %s: %w", i.key, err)
	}
	i.listener = ln
	i.dataSource = fmt.Sprintf("tcp:%s", ln.Addr().String())

	acceptCtx, cancel := context.WithCancel(context.Background())
	i.cancel = cancel
	i.wg.Add(1)
	go i.acceptLoop(acceptCtx)

	return nil
}

// DataSource returns the local endpoint address, valid once Start has
// returned successfully.
func (i *Instance) DataSource() string {
	return i.dataSource
}

// Key returns the instance key this Instance was constructed for.
func (i *Instance) Key() instancekey.Key {
	return i.key
}

// Stop terminates the accept loop, force-closes every in-flight local
// connection, closes the listener, and stops the certificate manager's
// background refresh.
func (i *Instance) Stop() {
	if i.cancel != nil {
		i.cancel()
	}
	if i.listener != nil {
		_ = i.listener.Close()
	}
	i.connsMu.Lock()
	for c := range i.conns {
		_ = c.Close()
	}
	i.connsMu.Unlock()
	i.wg.Wait()
	if i.certs != nil {
		i.certs.Stop()
	}
}

func (i *Instance) acceptLoop(ctx context.Context) {
	defer i.wg.Done()
	for {
		conn, err := i.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				i.logger.Warnw("accept failed", "instance", i.key, "error", err)
				return
			}
		}
		i.wg.Add(1)
		go i.handleConn(ctx, conn)
	}
}

func (i *Instance) handleConn(ctx context.Context, local net.Conn) {
	defer i.wg.Done()
	defer local.Close()

	i.connsMu.Lock()
	i.conns[local] = struct{}{}
	i.connsMu.Unlock()
	defer func() {
		i.connsMu.Lock()
		delete(i.conns, local)
		i.connsMu.Unlock()
	}()

	identity, err := i.certs.GetValidClientCertificate(ctx)
	if err != nil {
		i.logger.Errorw("obtaining client certificate", "instance", i.key, "error", err)
		return
	}

	pool := x509.NewCertPool()
	pool.AddCert(i.serverCA)
	tlsCfg := &tls.Config{
		ServerName:             i.serverCA.Subject.CommonName,
		Certificates:           []tls.Certificate{identity.TLSCert},
		RootCAs:                pool,
		InsecureSkipVerify:     true,
		VerifyPeerCertificate:  verifyPeerCertificate(i.key.Project+":"+i.key.Name, pool),
		MinVersion:             tls.VersionTLS12,
		SessionTicketsDisabled: true,
	}

	remoteAddr := fmt.Sprintf("%s:%d", i.remoteIP, i.remotePort)
	dialer := &tls.Dialer{Config: tlsCfg}
	remote, err := dialer.DialContext(ctx, "tcp", remoteAddr)
	if err != nil {
		i.logger.Errorw("dialing remote instance", "instance", i.key, "addr", remoteAddr, "error", err)
		return
	}
	defer remote.Close()

	splice(local, remote)
}

// verifyPeerCertificate pins the remote peer's certificate chain to pool and
// checks it presents commonName, the instance's project:name form that Cloud
// SQL server certificates carry as their common name. InsecureSkipVerify
// bypasses Go's built-in hostname check because Cloud SQL server
// certificates carry a non-DNS common name; this replaces it.
func verifyPeerCertificate(commonName string, pool *x509.CertPool) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		if len(rawCerts) == 0 {
			return fmt.Errorf("proxy: server presented no certificate")
		}
		peer, err := x509.ParseCertificate(rawCerts[0])
		if err != nil {
			return fmt.Errorf("proxy: parsing server certificate: %w", err)
		}
		if _, err := peer.Verify(x509.VerifyOptions{Roots: pool}); err != nil {
			return fmt.Errorf("proxy: verifying server certificate chain: %w", err)
		}
		if peer.Subject.CommonName != commonName {
			return fmt.Errorf("proxy: server certificate CN %q does not match expected %q", peer.Subject.CommonName, commonName)
		}
		return nil
	}
}

// splice copies bytes bidirectionally between local and remote until either
// side closes.
func splice(local, remote net.Conn) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, _ = io.Copy(remote, local)
		if c, ok := remote.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
	}()
	go func() {
		defer wg.Done()
		_, _ = io.Copy(local, remote)
		if c, ok := local.(interface{ CloseWrite() error }); ok {
			_ = c.CloseWrite()
		}
	}()
	wg.Wait()
}
