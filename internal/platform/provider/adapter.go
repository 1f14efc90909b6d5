// Package provider holds the per-EHR-vendor adapter abstraction: a registry
// of configured providers, an outbound request pacer, and a generic
// SMART-on-FHIR R4 adapter that covers any conformant vendor. Vendors with
// nonstandard field layouts get their own Adapter implementation registered
// under their provider id.
package provider

import (
	"context"
	"encoding/json"
	"io"
	"time"
)

// ConnectionInfo is the slice of a connection an adapter needs for outbound
// calls. The access token arrives already decrypted and short-lived; adapters
// never see refresh tokens or vault ciphertext.
type ConnectionInfo struct {
	BaseURL     string
	AccessToken string
	PatientID   string
}

// Adapter maps generic resource-sync requests onto one vendor's REST
// endpoints. Implementations must route every outbound request through their
// pacer, single-record lookups included.
type Adapter interface {
	// ListResources returns a lazy iterator over raw records of the given
	// type, optionally bounded below by since. The iterator is finite and
	// non-restartable; callers drain it or Close it.
	ListResources(ctx context.Context, conn ConnectionInfo, resourceType string, since *time.Time) (*ResourceIterator, error)

	// FetchDocument retrieves the bytes of a binary attachment reference.
	FetchDocument(ctx context.Context, conn ConnectionInfo, ref string) ([]byte, error)
}

// ResourceIterator yields raw records one at a time, pulling further pages
// from the provider only as the caller advances. Next returns io.EOF when the
// sequence is exhausted.
type ResourceIterator struct {
	fetch   func(ctx context.Context, url string) ([]json.RawMessage, string, error)
	ctx     context.Context
	buf     []json.RawMessage
	nextURL string
	done    bool
}

// Next returns the next raw record, fetching the next page when the current
// one is exhausted. A transport failure mid-sequence surfaces here and ends
// the iteration.
func (it *ResourceIterator) Next() (json.RawMessage, error) {
	for len(it.buf) == 0 {
		if it.done || it.nextURL == "" {
			it.done = true
			return nil, io.EOF
		}
		records, next, err := it.fetch(it.ctx, it.nextURL)
		if err != nil {
			it.done = true
			return nil, err
		}
		it.buf = records
		it.nextURL = next
	}
	rec := it.buf[0]
	it.buf = it.buf[1:]
	return rec, nil
}

// Close abandons the iterator; no further pages are fetched.
func (it *ResourceIterator) Close() {
	it.done = true
	it.buf = nil
}
