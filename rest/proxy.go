package rest

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
)

// NewProxyClient returns a copy of client that sends every request to host
// while keeping the original path. This is used with REST proxies such as
// twilight-http-proxy or nirn, which apply rate limits across processes.
func NewProxyClient(client http.Client, host url.URL, apiVersion int) *http.Client {
	client.Transport = NewProxyTransport(client.Transport, host, apiVersion)

	return &client
}

// NewProxyTransport wraps transport so requests are redirected to host.
func NewProxyTransport(transport http.RoundTripper, host url.URL, apiVersion int) http.RoundTripper {
	if transport == nil {
		transport = http.DefaultTransport
	}

	if apiVersion <= 0 {
		apiVersion = DefaultAPIVersion
	}

	return &proxyTransport{
		host:      host,
		apiPrefix: fmt.Sprintf("/api/v%d", apiVersion),
		transport: transport,
	}
}

type proxyTransport struct {
	transport http.RoundTripper
	host      url.URL
	apiPrefix string
}

func (t *proxyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	proxyReq := req.Clone(req.Context())

	proxyReq.URL.Host = t.host.Host
	proxyReq.URL.Scheme = t.host.Scheme
	proxyReq.Host = t.host.Host

	if !strings.HasPrefix(proxyReq.URL.Path, "/api") {
		proxyReq.URL.Path = t.apiPrefix + proxyReq.URL.Path
	}

	resp, err := t.transport.RoundTrip(proxyReq)
	if err != nil {
		return nil, fmt.Errorf("failed to round trip: %w", err)
	}

	return resp, nil
}
