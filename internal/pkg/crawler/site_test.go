package crawler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

type fakeResponse struct {
	status      int
	contentType string
	body        string
	location    string
	err         error
}

// fakeSite serves canned responses keyed by absolute URL and records the order
// of requests.
type fakeSite struct {
	mu       sync.Mutex
	pages    map[string]fakeResponse
	requests []string
	agents   []string
	// delay holds every response back, or until the request is canceled.
	delay time.Duration
}

func newFakeSite() *fakeSite {
	return &fakeSite{pages: map[string]fakeResponse{}}
}

func (s *fakeSite) html(url, body string) {
	s.pages[url] = fakeResponse{status: http.StatusOK, contentType: "text/html; charset=utf-8", body: body}
}

func (s *fakeSite) RoundTrip(req *http.Request) (*http.Response, error) {
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-req.Context().Done():
			return nil, req.Context().Err()
		}
	}
	if err := req.Context().Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.requests = append(s.requests, req.URL.String())
	s.agents = append(s.agents, req.Header.Get("User-Agent"))
	page, ok := s.pages[req.URL.String()]
	s.mu.Unlock()

	if !ok {
		page = fakeResponse{status: http.StatusNotFound, contentType: "text/html", body: "not found"}
	}
	if page.err != nil {
		return nil, page.err
	}
	header := http.Header{"Content-Type": []string{page.contentType}}
	if page.location != "" {
		header.Set("Location", page.location)
	}
	return &http.Response{
		StatusCode: page.status,
		Header:     header,
		Body:       io.NopCloser(strings.NewReader(page.body)),
		Request:    req,
	}, nil
}

func (s *fakeSite) crawler(opts ...Option) *Crawler {
	return New(append([]Option{WithHTTPClient(&http.Client{Transport: s})}, opts...)...)
}

func (s *fakeSite) redirect(from, to string) {
	s.pages[from] = fakeResponse{status: http.StatusFound, contentType: "text/html", location: to}
}

func (s *fakeSite) fail(url string) {
	s.pages[url] = fakeResponse{err: errors.New("connection reset by peer")}
}

func crawlCtx() context.Context {
	return context.Background()
}
