package livesession

import (
	"testing"
	"time"

	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestICEProvider_Servers(t *testing.T) {
	t.Run("defaults to public stun", func(t *testing.T) {
		servers, err := NewICEProvider(nil, nil, "", 0).Servers()
		require.NoError(t, err)
		require.Len(t, servers, 1)
		assert.Equal(t, []string{"stun:stun.l.google.com:19302"}, servers[0].URLs)
	})

	t.Run("turn without secret is skipped", func(t *testing.T) {
		servers, err := NewICEProvider([]string{"stun:a"}, []string{"turn:b"}, "", 0).Servers()
		require.NoError(t, err)
		require.Len(t, servers, 1)
	})

	t.Run("turn gets ephemeral credentials", func(t *testing.T) {
		p := NewICEProvider([]string{"stun:a"}, []string{"turn:turn.example.com:3478"}, "shared", time.Hour)
		servers, err := p.Servers()
		require.NoError(t, err)
		require.Len(t, servers, 2)

		turnServer := servers[1]
		assert.NotEmpty(t, turnServer.Username)
		assert.NotEmpty(t, turnServer.Credential)
		assert.Equal(t, webrtc.ICECredentialTypePassword, turnServer.CredentialType)
	})
}
