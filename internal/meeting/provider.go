// Package meeting resolves the join/start links a live session is reached through.
package meeting

import (
	"context"
	"fmt"

	"github.com/aura-learn/liveclass/internal/models"
)

// Links is what a provider returns for a session.
type Links struct {
	JoinURL  string
	StartURL string
}

// Provider creates or looks up an external meeting for a session.
type Provider interface {
	Resolve(ctx context.Context, s *models.LiveSession) (Links, error)
}

// Registry dispatches on the session's provider tag.
type Registry struct {
	providers map[string]Provider
	fallback  string
}

// NewRegistry returns a registry whose default provider is the built-in WebRTC room.
func NewRegistry(basePath string) *Registry {
	return &Registry{
		providers: map[string]Provider{models.ProviderWebRTC: WebRTCRoom{BasePath: basePath}},
		fallback:  models.ProviderWebRTC,
	}
}

// Register adds or replaces a provider.
func (r *Registry) Register(name string, p Provider) {
	r.providers[name] = p
}

// Has reports whether a provider tag is known.
func (r *Registry) Has(name string) bool {
	if name == "" {
		return true
	}
	_, ok := r.providers[name]
	return ok
}

// Resolve implements Provider.
func (r *Registry) Resolve(ctx context.Context, s *models.LiveSession) (Links, error) {
	name := s.Provider
	if name == "" {
		name = r.fallback
	}
	p, ok := r.providers[name]
	if !ok {
		return Links{}, fmt.Errorf("meeting provider %q is not configured", name)
	}
	return p.Resolve(ctx, s)
}

// WebRTCRoom points clients at the in-app signaling room.
type WebRTCRoom struct {
	BasePath string
}

// Resolve implements Provider.
func (w WebRTCRoom) Resolve(_ context.Context, s *models.LiveSession) (Links, error) {
	room := fmt.Sprintf("%s/sessions/%s/room", w.BasePath, s.ID)
	return Links{JoinURL: room, StartURL: room}, nil
}
