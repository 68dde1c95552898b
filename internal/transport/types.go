package transport

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Post is the outbound unit handed to a platform client.
//
// It is deliberately small: the pipeline owns selection and retry policy,
// clients own formatting and delivery.
type Post struct {
	ID    string
	Group string
	Text  string
}

// Client publishes posts to one external platform.
type Client interface {
	Name() string
	Publish(ctx context.Context, post Post) error
}

// Notifier delivers short operator notices (used by the log alert sink).
// Clients that can reach an operator channel implement it; others don't.
type Notifier interface {
	Notify(ctx context.Context, text string) error
}

var ErrUnknownPlatform = errors.New("unknown platform")

// Registry maps platform names to clients and resolves a schedule's
// platform set to the clients that will receive its posts.
type Registry struct {
	mu       sync.RWMutex
	clients  map[string]Client
	fallback string
}

func NewRegistry(defaultPlatform string) *Registry {
	return &Registry{
		clients:  map[string]Client{},
		fallback: defaultPlatform,
	}
}

func (r *Registry) Register(c Client) {
	if c == nil {
		return
	}
	r.mu.Lock()
	r.clients[c.Name()] = c
	r.mu.Unlock()
}

// Resolve returns the clients for the given platform names.
// An empty set resolves to the default platform.
func (r *Registry) Resolve(platforms []string) ([]Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(platforms) == 0 {
		if c, ok := r.clients[r.fallback]; ok {
			return []Client{c}, nil
		}
		return nil, fmt.Errorf("%w: default %q not registered", ErrUnknownPlatform, r.fallback)
	}

	out := make([]Client, 0, len(platforms))
	for _, name := range platforms {
		c, ok := r.clients[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, name)
		}
		out = append(out, c)
	}
	return out, nil
}

// Names lists registered platform names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	return names
}
