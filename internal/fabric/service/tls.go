package service

import (
	"crypto/tls"
	"crypto/x509"

	"github.com/kvmfabric/kvmfabric/internal/fabric/clients"
)

// connectionView adapts a plain stream map to the narrow
// streamhandler.ClientConnectionView interface, letting the client-side
// service wire a just-established connection into each ClientHandler
// without importing clientconn from streamhandler (avoiding the import
// cycle streamhandler/client.go's doc comment calls out).
type connectionView map[clients.StreamKind]*clients.StreamPair

func newConnectionView(streams map[clients.StreamKind]*clients.StreamPair) connectionView {
	return connectionView(streams)
}

func (v connectionView) Stream(kind clients.StreamKind) *clients.StreamPair {
	return v[kind]
}

// tlsClientConfig builds a minimal client-side tls.Config trusting only
// caPEM, or nil if no CA certificate was supplied (SSL disabled).
func tlsClientConfig(caPEM []byte) *tls.Config {
	if len(caPEM) == 0 {
		return nil
	}
	pool := x509.NewCertPool()
	pool.AppendCertsFromPEM(caPEM)
	return &tls.Config{RootCAs: pool}
}
