package model

import (
	"net/http"
)

// Transport level HTTP exchange.
type (
	Request struct {
		// HTTP method
		Method string
		// URL relative to the service base ("Patient/1", "" for bundles)
		URL string
		// Request headers (If-Match, Content-Type)
		Header http.Header
		// JSON body
		Body []byte
	}

	Response struct {
		// HTTP status code
		Status int
		// Response headers (Location, ETag, Last-Modified)
		Header http.Header
		// Response body
		Body []byte
	}
)

// String implements the stringer interface.
func (r *Request) String() string {
	if r.URL == "" {
		return r.Method + " /"
	}

	return r.Method + " " + r.URL
}

// NewRequest creates a Request with an initialized header.
func NewRequest(method, url string, body []byte) *Request {
	req := &Request{
		Method: method,
		URL:    url,
		Header: make(http.Header),
		Body:   body,
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/fhir+json")
	}

	return req
}
