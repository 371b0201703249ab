// Package mocks holds in-memory stand-ins for the collaborators the pipeline
// talks to: HTTP endpoints, the OS keychain, the identity provider, key/value
// storage and the WBS registry.
package mocks

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// Request is one recorded call.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
}

type response struct {
	status int
	body   string
	header http.Header
}

// HTTP is an http.RoundTripper serving canned responses keyed by full URL.
// Sequences are consumed first; once exhausted the single response applies.
type HTTP struct {
	mu        sync.Mutex
	responses map[string]response
	sequences map[string][]response
	requests  []Request
}

func NewHTTP() *HTTP {
	return &HTTP{responses: map[string]response{}, sequences: map[string][]response{}}
}

func (h *HTTP) AddResponse(url string, status int, body string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses[url] = response{status: status, body: body}
}

// AddResponseWithHeader is AddResponse plus response headers.
func (h *HTTP) AddResponseWithHeader(url string, status int, body string, header http.Header) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responses[url] = response{status: status, body: body, header: header}
}

// SequenceStep is one response of a sequence.
type SequenceStep struct {
	Status int
	Body   string
}

func (h *HTTP) AddSequence(url string, steps ...SequenceStep) {
	h.mu.Lock()
	defer h.mu.Unlock()
	seq := make([]response, len(steps))
	for i, s := range steps {
		seq[i] = response{status: s.Status, body: s.Body}
	}
	h.sequences[url] = seq
}

func (h *HTTP) RoundTrip(req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		b, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		req.Body.Close()
		body = b
	}
	url := req.URL.String()

	h.mu.Lock()
	h.requests = append(h.requests, Request{Method: req.Method, URL: url, Header: req.Header.Clone(), Body: body})
	resp, ok := response{}, false
	if seq := h.sequences[url]; len(seq) > 0 {
		resp, ok = seq[0], true
		h.sequences[url] = seq[1:]
	} else {
		resp, ok = h.responses[url]
	}
	h.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no response configured for URL: %s", url)
	}
	header := resp.header.Clone()
	if header == nil {
		header = http.Header{}
	}
	if header.Get("Content-Type") == "" {
		header.Set("Content-Type", "application/json")
	}
	return &http.Response{
		StatusCode:    resp.status,
		Status:        fmt.Sprintf("%d %s", resp.status, http.StatusText(resp.status)),
		Header:        header,
		Body:          io.NopCloser(bytes.NewBufferString(resp.body)),
		ContentLength: int64(len(resp.body)),
		Request:       req,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
	}, nil
}

// Client returns an *http.Client routed through h.
func (h *HTTP) Client() *http.Client { return &http.Client{Transport: h} }

func (h *HTTP) Requests() []Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]Request, len(h.requests))
	copy(out, h.requests)
	return out
}

func (h *HTTP) RequestCount(url string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, r := range h.requests {
		if r.URL == url {
			n++
		}
	}
	return n
}

func (h *HTTP) WasCalled(url string) bool { return h.RequestCount(url) > 0 }

func (h *HTTP) LastRequest() (Request, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.requests) == 0 {
		return Request{}, false
	}
	return h.requests[len(h.requests)-1], true
}

func (h *HTTP) ClearRequests() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = nil
}
