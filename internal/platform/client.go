package platform

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"storesync/internal/config"
	"storesync/internal/services"
)

// Client creates listings for one destination platform.
type Client interface {
	// CreateListing publishes payload under accountID and returns the
	// platform's listing id.
	CreateListing(ctx context.Context, accountID, payload string) (string, error)
}

// ClientFunc adapts a function to the Client interface.
type ClientFunc func(ctx context.Context, accountID, payload string) (string, error)

// CreateListing calls f.
func (f ClientFunc) CreateListing(ctx context.Context, accountID, payload string) (string, error) {
	return f(ctx, accountID, payload)
}

// Registry maps platform names to clients.
type Registry struct {
	clients map[string]Client
}

// NewRegistry builds an HTTP client for every configured platform. Account
// credentials are resolved per call through the configuration snapshot.
func NewRegistry(cfg *config.Config, opts ...Option) *Registry {
	reg := &Registry{clients: make(map[string]Client, len(cfg.Platforms))}
	for name, settings := range cfg.Platforms {
		reg.clients[name] = NewHTTPClient(name, settings, cfg.Worker.RequestTimeoutDuration(), configTokens(cfg), opts...)
	}
	return reg
}

// NewStaticRegistry wraps pre-built clients, typically test stubs.
func NewStaticRegistry(clients map[string]Client) *Registry {
	reg := &Registry{clients: make(map[string]Client, len(clients))}
	for name, client := range clients {
		reg.clients[strings.ToLower(name)] = client
	}
	return reg
}

// For returns the client for platform.
func (r *Registry) For(platform string) (Client, error) {
	if r != nil {
		if client, ok := r.clients[strings.ToLower(strings.TrimSpace(platform))]; ok {
			return client, nil
		}
	}
	return nil, services.Wrap(services.ErrConfiguration, "platform", "lookup", fmt.Sprintf("no client for platform %q", platform), nil)
}

// Names returns the registered platforms, sorted.
func (r *Registry) Names() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.clients))
	for name := range r.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func configTokens(cfg *config.Config) TokenFunc {
	return func(accountID string) (string, error) {
		acct, ok := cfg.Account(accountID)
		if !ok {
			return "", services.Wrap(services.ErrConfiguration, "platform", "resolve token", fmt.Sprintf("unknown account %q", accountID), nil)
		}
		token := cfg.ResolveToken(acct)
		if token == "" {
			return "", services.Wrap(services.ErrConfiguration, "platform", "resolve token", fmt.Sprintf("account %q has no token", accountID), nil)
		}
		return token, nil
	}
}
