// Package fake implements a deterministic provider.Provider test double,
// used by scenario tests in place of a real Copernicus/USGS backend.
package fake

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/nimbuschain/fetch/internal/provider"
)

// File describes one file a fake product resolves to. Name is used both
// as the suggested filename and as the path segment the fake's built-in
// HTTP server serves it under.
type File struct {
	Name  string
	Bytes []byte
}

// FixedProduct is a canned product this fake returns from Search/Resolve.
type FixedProduct struct {
	Product provider.Product
	Files   []File
}

// Provider is a configurable provider.Provider backed by a real
// httptest.Server, so the DownloadManager exercises its actual HTTP
// retry/backoff/cancellation paths against fixed, in-memory content.
type Provider struct {
	mu sync.Mutex

	name     string
	products []FixedProduct
	srv      *httptest.Server
	bytes    map[string][]byte

	SearchErr  error
	ResolveErr map[string]error // product id -> error

	searchCalls  int
	resolveCalls int
}

func New(name string, products []FixedProduct) *Provider {
	p := &Provider{name: name, products: products, ResolveErr: map[string]error{}, bytes: map[string][]byte{}}
	for _, fp := range products {
		for _, f := range fp.Files {
			p.bytes[f.Name] = f.Bytes
		}
	}
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		b, ok := p.bytes[r.URL.Path[1:]]
		p.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", fmt.Sprintf("%d", len(b)))
		w.Write(b)
	}))
	return p
}

// Close shuts down the fake's backing HTTP server.
func (p *Provider) Close() { p.srv.Close() }

func (p *Provider) Name() string { return p.name }

func (p *Provider) Authenticate(ctx context.Context) error { return nil }

func (p *Provider) Search(ctx context.Context, req provider.SearchRequest) ([]provider.Product, error) {
	p.mu.Lock()
	p.searchCalls++
	p.mu.Unlock()

	if p.SearchErr != nil {
		return nil, p.SearchErr
	}

	out := make([]provider.Product, 0, len(p.products))
	for _, fp := range p.products {
		out = append(out, fp.Product)
	}
	return out, nil
}

func (p *Provider) Resolve(ctx context.Context, product provider.Product) ([]provider.ResolvedFile, provider.AuthHeaderSupplier, error) {
	p.mu.Lock()
	p.resolveCalls++
	err := p.ResolveErr[product.ID]
	p.mu.Unlock()

	if err != nil {
		return nil, nil, err
	}

	for _, fp := range p.products {
		if fp.Product.ID != product.ID {
			continue
		}
		files := make([]provider.ResolvedFile, 0, len(fp.Files))
		for _, f := range fp.Files {
			size := int64(len(f.Bytes))
			files = append(files, provider.ResolvedFile{
				URL:               p.srv.URL + "/" + f.Name,
				SuggestedFilename: f.Name,
				SizeHint:          &size,
			})
		}
		return files, func(context.Context) (string, error) { return "Bearer fake-token", nil }, nil
	}
	return nil, nil, fmt.Errorf("fake provider: unknown product %q", product.ID)
}

func (p *Provider) SearchCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.searchCalls
}

func (p *Provider) ResolveCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolveCalls
}
