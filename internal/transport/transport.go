// Package transport provides the network collaborators used by the chat
// client: a raw TLS dialer for streaming exchanges and an HTTP poster for
// single request/response exchanges.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Conn is a single streaming connection
type Conn interface {
	io.ReadWriteCloser
	SetReadDeadline(t time.Time) error
}

// Dialer opens streaming connections
type Dialer interface {
	Dial(ctx context.Context, host string, port int) (Conn, error)
}

// Poster performs a single POST and returns the status code and body
type Poster interface {
	Post(ctx context.Context, url string, headers map[string]string, body []byte) (int, []byte, error)
}

// LoadRootCA builds a certificate pool from PEM data
func LoadRootCA(pemData []byte) (*x509.CertPool, error) {
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("failed to parse root certificate: no PEM blocks found")
	}
	return pool, nil
}

// TLSDialer dials TLS connections. A nil RootCAs uses the system pool.
type TLSDialer struct {
	RootCAs     *x509.CertPool
	DialTimeout time.Duration
}

// Dial connects to host:port and completes the TLS handshake
func (d *TLSDialer) Dial(ctx context.Context, host string, port int) (Conn, error) {
	dialer := &tls.Dialer{
		NetDialer: &net.Dialer{Timeout: d.DialTimeout},
		Config: &tls.Config{
			ServerName: host,
			RootCAs:    d.RootCAs,
			MinVersion: tls.VersionTLS12,
		},
	}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s:%d: %w", host, port, err)
	}
	return conn, nil
}

// HTTPPoster implements Poster over net/http
type HTTPPoster struct {
	Client *http.Client
}

// NewHTTPPoster creates a poster trusting rootCAs (nil for the system pool)
func NewHTTPPoster(rootCAs *x509.CertPool) *HTTPPoster {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{
		RootCAs:    rootCAs,
		MinVersion: tls.VersionTLS12,
	}
	return &HTTPPoster{Client: &http.Client{Transport: transport}}
}

// Post sends body to url. Timeouts are taken from ctx.
func (p *HTTPPoster) Post(ctx context.Context, url string, headers map[string]string, body []byte) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// WriteRequest writes a hand-framed HTTP/1.1 POST carrying a JSON body
func WriteRequest(w io.Writer, host, path, apiKey string, body []byte) error {
	var buf bytes.Buffer
	buf.Grow(len(body) + 256)
	fmt.Fprintf(&buf, "POST %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&buf, "Host: %s\r\n", host)
	fmt.Fprintf(&buf, "Authorization: Bearer %s\r\n", apiKey)
	buf.WriteString("Content-Type: application/json\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n\r\n", len(body))
	buf.Write(body)

	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}
