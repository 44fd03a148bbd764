package client

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/itiky/resource-sync/model"
)

const (
	defaultHTTPConnectTimeout = 5 * time.Second
	defaultHTTPTimeout        = 30 * time.Second

	contentTypeFHIR = "application/fhir+json"
)

// Transport performs a single HTTP exchange against the service.
type Transport interface {
	Do(ctx context.Context, req *model.Request) (*model.Response, error)
}

// HTTPTransport is a Transport over net/http.
type HTTPTransport struct {
	baseURL string
	client  *http.Client
}

// String implements the stringer interface.
func (t *HTTPTransport) String() string {
	return fmt.Sprintf("HTTPTransport (%s)", t.baseURL)
}

// Do implements the Transport interface.
func (t *HTTPTransport) Do(ctx context.Context, req *model.Request) (*model.Response, error) {
	url := t.baseURL
	if req.URL != "" {
		url += "/" + strings.TrimPrefix(req.URL, "/")
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, url, body)
	if err != nil {
		return nil, fmt.Errorf("%s: building request: %w", req, err)
	}
	for name, values := range req.Header {
		for _, value := range values {
			httpReq.Header.Add(name, value)
		}
	}
	httpReq.Header.Set("Accept", contentTypeFHIR)

	httpResp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("%s: reading body: %w", req, err)
	}

	return &model.Response{
		Status: httpResp.StatusCode,
		Header: httpResp.Header,
		Body:   respBody,
	}, nil
}

// NewHTTPTransport creates a new HTTPTransport object (a default client with timeouts is used if nil).
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = defaultHTTPClient()
	}

	return &HTTPTransport{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  client,
	}
}

func defaultHTTPClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHTTPConnectTimeout,
	}

	return &http.Client{
		Transport: &http.Transport{
			DialContext:         dialer.DialContext,
			TLSHandshakeTimeout: defaultHTTPConnectTimeout,
		},
		Timeout: defaultHTTPTimeout,
	}
}
