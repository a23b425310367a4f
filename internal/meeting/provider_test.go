package meeting

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-learn/liveclass/internal/models"
)

type failingProvider struct{}

func (failingProvider) Resolve(context.Context, *models.LiveSession) (Links, error) {
	return Links{}, errors.New("provider down")
}

func TestRegistry_Resolve(t *testing.T) {
	reg := NewRegistry("/live")
	s := &models.LiveSession{ID: uuid.MustParse("6f1c2a50-8d0e-4b8b-9a57-0d1f7b6b2a11")}

	t.Run("empty provider uses the webrtc room", func(t *testing.T) {
		links, err := reg.Resolve(context.Background(), s)
		require.NoError(t, err)
		assert.Equal(t, "/live/sessions/6f1c2a50-8d0e-4b8b-9a57-0d1f7b6b2a11/room", links.JoinURL)
	})

	t.Run("unknown provider fails", func(t *testing.T) {
		s2 := *s
		s2.Provider = models.ProviderZego
		_, err := reg.Resolve(context.Background(), &s2)
		assert.Error(t, err)
		assert.False(t, reg.Has(models.ProviderZego))
	})

	t.Run("registered provider errors propagate", func(t *testing.T) {
		reg.Register("broken", failingProvider{})
		s3 := *s
		s3.Provider = "broken"
		_, err := reg.Resolve(context.Background(), &s3)
		assert.EqualError(t, err, "provider down")
	})
}

func TestNewZego_Validation(t *testing.T) {
	_, err := NewZego(ZegoConfig{})
	assert.Error(t, err)

	_, err = NewZego(ZegoConfig{AppID: 1, ServerSecret: "short", JoinBaseURL: "https://meet.example.com"})
	assert.Error(t, err)
}

func TestZego_Resolve(t *testing.T) {
	z, err := NewZego(ZegoConfig{
		AppID:        1234567,
		ServerSecret: "0123456789abcdef0123456789abcdef",
		JoinBaseURL:  "https://meet.example.com/room",
	})
	require.NoError(t, err)

	s := &models.LiveSession{ID: uuid.New(), TeacherID: uuid.New(), Provider: models.ProviderZego}
	links, err := z.Resolve(context.Background(), s)
	require.NoError(t, err)

	assert.Contains(t, links.JoinURL, "roomID="+s.ID.String())
	assert.NotContains(t, links.JoinURL, "token=")
	assert.Contains(t, links.StartURL, "token=")
}
