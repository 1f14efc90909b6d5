package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

var ErrUnauthorized = errors.New("provider rejected credentials")

const searchPageSize = 100

// R4Adapter talks to any conformant FHIR R4 server using standard search
// semantics and bundle pagination. It is the default adapter for every
// registered provider without a vendor-specific one.
type R4Adapter struct {
	client *http.Client
	pacer  *Pacer
}

func NewR4Adapter(client *http.Client, pacer *Pacer) *R4Adapter {
	if client == nil {
		client = http.DefaultClient
	}
	return &R4Adapter{client: client, pacer: pacer}
}

type bundle struct {
	Entry []struct {
		Resource json.RawMessage `json:"resource"`
	} `json:"entry"`
	Link []struct {
		Relation string `json:"relation"`
		URL      string `json:"url"`
	} `json:"link"`
}

func (a *R4Adapter) ListResources(ctx context.Context, conn ConnectionInfo, resourceType string, since *time.Time) (*ResourceIterator, error) {
	base := strings.TrimSuffix(conn.BaseURL, "/")
	q := url.Values{}
	q.Set("patient", conn.PatientID)
	q.Set("_count", fmt.Sprintf("%d", searchPageSize))
	if since != nil {
		q.Set("_lastUpdated", "gt"+since.UTC().Format(time.RFC3339))
	}
	first := fmt.Sprintf("%s/%s?%s", base, resourceType, q.Encode())

	return &ResourceIterator{
		ctx:     ctx,
		nextURL: first,
		fetch: func(ctx context.Context, pageURL string) ([]json.RawMessage, string, error) {
			return a.fetchPage(ctx, conn, pageURL)
		},
	}, nil
}

func (a *R4Adapter) fetchPage(ctx context.Context, conn ConnectionInfo, pageURL string) ([]json.RawMessage, string, error) {
	body, err := a.get(ctx, conn, pageURL, "application/fhir+json")
	if err != nil {
		return nil, "", err
	}

	var b bundle
	if err := json.Unmarshal(body, &b); err != nil {
		return nil, "", fmt.Errorf("decoding search bundle: %w", err)
	}

	records := make([]json.RawMessage, 0, len(b.Entry))
	for _, e := range b.Entry {
		if len(e.Resource) > 0 {
			records = append(records, e.Resource)
		}
	}

	var next string
	for _, l := range b.Link {
		if l.Relation == "next" {
			next = l.URL
			break
		}
	}
	return records, next, nil
}

func (a *R4Adapter) FetchDocument(ctx context.Context, conn ConnectionInfo, ref string) ([]byte, error) {
	target := ref
	if !strings.HasPrefix(ref, "http://") && !strings.HasPrefix(ref, "https://") {
		target = strings.TrimSuffix(conn.BaseURL, "/") + "/" + strings.TrimPrefix(ref, "/")
	}
	return a.get(ctx, conn, target, "*/*")
}

func (a *R4Adapter) get(ctx context.Context, conn ConnectionInfo, target, accept string) ([]byte, error) {
	if err := a.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("building provider request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+conn.AccessToken)
	req.Header.Set("Accept", accept)

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, ErrUnauthorized
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("provider returned status %d for %s", resp.StatusCode, target)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}
	return body, nil
}
