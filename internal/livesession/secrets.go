package livesession

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/aura-learn/liveclass/pkg/utils"
)

const hostSecretLen = 24

// Signaling roles.
const (
	RoleHost        = "host"
	RoleParticipant = "participant"
)

// SignalingKey derives the key a participant presents when opening the
// signaling channel. Replacing the session secret invalidates every key.
func SignalingKey(secret string, sessionID, participantID uuid.UUID, role string) string {
	data := sessionID.String() + ":" + participantID.String()
	if role == RoleHost {
		data = RoleHost + ":" + data
	}
	return utils.HmacSHA256(secret, data)
}

func newSignalingSecret() (string, error) {
	secret, err := utils.GenerateToken()
	if err != nil {
		return "", fmt.Errorf("generate signaling secret: %w", err)
	}
	return secret, nil
}

// newHostSecret returns the plain host secret and its bcrypt hash.
func newHostSecret() (string, string, error) {
	token, err := utils.GenerateToken()
	if err != nil {
		return "", "", fmt.Errorf("generate host secret: %w", err)
	}
	plain := token[:hostSecretLen]
	hash, err := utils.HashSecret(plain)
	if err != nil {
		return "", "", fmt.Errorf("hash host secret: %w", err)
	}
	return plain, hash, nil
}
