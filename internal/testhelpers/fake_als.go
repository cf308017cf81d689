package testhelpers

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/cellguard/cellguard/pkg/als"
	"github.com/cellguard/cellguard/pkg/cell"
)

// answer picks what the location service returns for a request: the cell
// itself plus its neighbors in the same area. An unknown cell is answered
// with an area level approximation, as the real service does.
func answer(known []als.Candidate, id cell.Identity) []als.Candidate {
	tech := id.Technology.LocationTechnology()
	var out []als.Candidate
	exact := false
	for _, c := range known {
		if c.Technology != tech || c.Country != id.Country || c.Network != id.Network || c.Area != id.Area {
			continue
		}
		if c.Matches(id) {
			exact = true
		}
		out = append(out, c)
	}
	if !exact {
		area := als.Candidate{Identity: id, Accuracy: 5000, Latitude: 1, Longitude: 1}
		area.Technology = tech
		area.Cell = -1
		out = append(out, area)
	}
	return out
}

// FakeLocationService is an HTTP server speaking the location service
// protocol, answering from a fixed table
type FakeLocationService struct {
	Server *httptest.Server

	mu       sync.Mutex
	known    []als.Candidate
	status   int
	requests []cell.Identity
}

// NewFakeLocationService starts a fake service; it stops with the server
// returned in Server
func NewFakeLocationService(known ...als.Candidate) *FakeLocationService {
	f := &FakeLocationService{known: known}
	f.Server = httptest.NewServer(http.HandlerFunc(f.handle))
	return f
}

func (f *FakeLocationService) handle(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := als.ParseRequestBody(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	f.requests = append(f.requests, id)
	status := f.status
	candidates := answer(f.known, id)
	f.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		return
	}
	w.Header().Set("Content-Type", "application/x-protobuf")
	_, _ = w.Write(als.MarshalResponse(candidates))
}

// URL of the fake service
func (f *FakeLocationService) URL() string {
	return f.Server.URL
}

// Close stops the server
func (f *FakeLocationService) Close() {
	f.Server.Close()
}

// SetStatus makes every following request fail with code; 0 restores
// normal answers
func (f *FakeLocationService) SetStatus(code int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = code
}

// Requests returns the identities asked for so far
func (f *FakeLocationService) Requests() []cell.Identity {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cell.Identity(nil), f.requests...)
}

// FakeLocator answers lookups in memory
type FakeLocator struct {
	mu    sync.Mutex
	known []als.Candidate
	err   error
	calls int
}

// NewFakeLocator creates an in-memory locator
func NewFakeLocator(known ...als.Candidate) *FakeLocator {
	return &FakeLocator{known: known}
}

// Lookup implements the pipeline's locator. Area approximations are
// dropped like the real client does.
func (f *FakeLocator) Lookup(ctx context.Context, id cell.Identity) ([]als.Candidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.err != nil {
		return nil, f.err
	}
	var out []als.Candidate
	for _, c := range answer(f.known, id) {
		if c.HasCellID() {
			out = append(out, c)
		}
	}
	return out, nil
}

// SetError makes following lookups fail with err
func (f *FakeLocator) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns the number of lookups so far
func (f *FakeLocator) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
