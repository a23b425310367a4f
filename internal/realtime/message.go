package realtime

import (
	"encoding/json"
)

// Message types on the signaling channel.
const (
	TypeOffer             = "webrtc-offer"
	TypeAnswer            = "webrtc-answer"
	TypeICECandidate      = "webrtc-ice-candidate"
	TypeSessionUpdate     = "session:update"
	TypeTargetUnavailable = "target-unavailable"
	TypeError             = "error"
	TypeConnected         = "connected"
)

// Error reasons the relay itself produces.
const (
	ReasonBadRequest        = "bad-request"
	ReasonSignalingRejected = "signaling-rejected"
	ReasonUnavailable       = "unavailable"
	ReasonUnknownType       = "unknown-type"
	ReasonReplaced          = "replaced"
	ReasonShutdown          = "shutdown"
)

// Message is the signaling envelope. Target and From are participant ids.
type Message struct {
	Type   string          `json:"type"`
	Target string          `json:"target,omitempty"`
	From   string          `json:"from,omitempty"`
	Data   json.RawMessage `json:"data,omitempty"`
	Reason string          `json:"reason,omitempty"`
}

func isRelayed(t string) bool {
	return t == TypeOffer || t == TypeAnswer || t == TypeICECandidate
}

func errorMessage(reason string) Message {
	return Message{Type: TypeError, Reason: reason}
}

func encode(payload any) json.RawMessage {
	switch v := payload.(type) {
	case nil:
		return nil
	case json.RawMessage:
		return v
	case []byte:
		return v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil
	}
	return data
}
