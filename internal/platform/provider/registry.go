package provider

import (
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"
)

var ErrUnknownProvider = errors.New("unknown provider")

// TokenAuthStyle selects how the token endpoint authenticates the client.
type TokenAuthStyle string

const (
	// TokenAuthSecret sends client_id and client_secret in the form body.
	TokenAuthSecret TokenAuthStyle = "client_secret"
	// TokenAuthPrivateKeyJWT sends a signed client assertion per SMART
	// backend services.
	TokenAuthPrivateKeyJWT TokenAuthStyle = "private_key_jwt"
)

// Settings is the static network profile of one EHR provider: where its FHIR
// base and OAuth endpoints live, which scopes to request, and how fast it
// tolerates being called.
type Settings struct {
	ID            string
	Name          string
	BaseURL       string
	AuthorizeURL  string
	TokenURL      string
	Scopes        []string
	ClientID      string
	ClientSecret  string
	PrivateKeyPEM []byte
	AuthStyle     TokenAuthStyle

	// MinRequestInterval is the declared outbound floor between requests.
	MinRequestInterval time.Duration
}

// Provider bundles a provider's settings with its adapter and the shared
// pacer every outbound request to it must wait on.
type Provider struct {
	Settings Settings
	Adapter  Adapter
	Pacer    *Pacer
}

// Registry maps provider ids to configured providers. Registration normally
// happens once at startup; lookups are concurrency-safe.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]*Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]*Provider)}
}

// Register installs a provider under its id, replacing any previous entry.
// A nil adapter gets the generic R4 adapter over the provider's pacer.
func (r *Registry) Register(s Settings, adapter Adapter) *Provider {
	pacer := NewPacer(s.MinRequestInterval)
	if adapter == nil {
		adapter = NewR4Adapter(http.DefaultClient, pacer)
	}
	return r.register(s, adapter, pacer)
}

// RegisterWithClient installs a provider with the generic R4 adapter over a
// caller-supplied HTTP client.
func (r *Registry) RegisterWithClient(s Settings, client *http.Client) *Provider {
	pacer := NewPacer(s.MinRequestInterval)
	return r.register(s, NewR4Adapter(client, pacer), pacer)
}

func (r *Registry) register(s Settings, adapter Adapter, pacer *Pacer) *Provider {
	p := &Provider{Settings: s, Adapter: adapter, Pacer: pacer}
	r.mu.Lock()
	r.providers[s.ID] = p
	r.mu.Unlock()
	return p
}

func (r *Registry) Get(id string) (*Provider, error) {
	r.mu.RLock()
	p, ok := r.providers[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

// List returns all registered providers ordered by id.
func (r *Registry) List() []*Provider {
	r.mu.RLock()
	out := make([]*Provider, 0, len(r.providers))
	for _, p := range r.providers {
		out = append(out, p)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Settings.ID < out[j].Settings.ID })
	return out
}
