package livesession

import (
	"fmt"
	"time"

	"github.com/pion/turn/v2"
	"github.com/pion/webrtc/v3"
)

// ICEProvider builds the ICE server list handed to clients at join time.
// TURN entries get ephemeral long-term credentials when a shared secret is set.
type ICEProvider struct {
	stunURLs      []string
	turnURLs      []string
	turnSecret    string
	credentialTTL time.Duration
}

// NewICEProvider creates an ICE provider.
func NewICEProvider(stunURLs, turnURLs []string, turnSecret string, ttl time.Duration) *ICEProvider {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &ICEProvider{stunURLs: stunURLs, turnURLs: turnURLs, turnSecret: turnSecret, credentialTTL: ttl}
}

// Servers returns the ICE configuration for a new signaling connection.
func (p *ICEProvider) Servers() ([]webrtc.ICEServer, error) {
	servers := make([]webrtc.ICEServer, 0, 2)
	if len(p.stunURLs) > 0 {
		servers = append(servers, webrtc.ICEServer{URLs: p.stunURLs})
	}
	if len(p.turnURLs) > 0 && p.turnSecret != "" {
		username, password, err := turn.GenerateLongTermCredentials(p.turnSecret, p.credentialTTL)
		if err != nil {
			return nil, fmt.Errorf("generate turn credentials: %w", err)
		}
		servers = append(servers, webrtc.ICEServer{
			URLs:           p.turnURLs,
			Username:       username,
			Credential:     password,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	if len(servers) == 0 {
		servers = append(servers, webrtc.ICEServer{URLs: []string{"stun:stun.l.google.com:19302"}})
	}
	return servers, nil
}
