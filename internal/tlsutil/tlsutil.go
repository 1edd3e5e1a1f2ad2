package tlsutil

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// Hardened returns the TLS baseline shared by every outbound connection:
// TLS 1.2+ and AEAD-only cipher suites.
func Hardened() *tls.Config {
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
		},
	}
}

// ForRedis returns the TLS config for a Redis address, or nil when TLS is
// off. ServerName is taken from the host part of addr.
func ForRedis(enabled bool, addr string) *tls.Config {
	if !enabled {
		return nil
	}
	cfg := Hardened()
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	cfg.ServerName = host
	return cfg
}

// BackendTransport is the transport for LLM backends. It sets no response
// deadline: call budgets travel in the request context so long streams are
// not cut off.
func BackendTransport() *http.Transport {
	return &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: Hardened(),
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// ServiceClient returns a client for short request/response services such
// as the hosted redaction endpoint. timeout bounds the whole exchange.
func ServiceClient(timeout time.Duration) *http.Client {
	tr := BackendTransport()
	tr.ResponseHeaderTimeout = timeout
	return &http.Client{
		Timeout:   timeout,
		Transport: tr,
	}
}
