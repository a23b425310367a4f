package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-learn/liveclass/internal/livesession"
	"github.com/aura-learn/liveclass/internal/models"
)

const publishTimeout = 5 * time.Second

// Bus fans relay commands out to the other server instances.
type Bus interface {
	Publish(ctx context.Context, sessionID uuid.UUID, cmd Command) error
	Subscribe(sessionID uuid.UUID, handler func(Command)) (cancel func(), err error)
}

// Command kinds carried on the bus.
const (
	CommandBroadcast  = "broadcast"
	CommandSend       = "send"
	CommandDisconnect = "disconnect"
	CommandRevoke     = "revoke"
)

// Command is a relay operation replayed on every instance holding
// connections for the session.
type Command struct {
	Origin        string    `json:"origin"`
	Kind          string    `json:"kind"`
	ParticipantID uuid.UUID `json:"participantId"`
	Message       Message   `json:"message"`
}

// Relay owns the (session, participant) -> connection registry. Offer, answer
// and ICE messages are forwarded between connections of one session on this
// instance; session-wide commands also go out on the bus.
type Relay struct {
	id       string
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[uuid.UUID]*Client
	subs     map[uuid.UUID]*subscription
	bus      Bus
	reaper   *Reaper
	logger   *zap.Logger
}

// NewRelay creates a relay. bus and reaper may be nil.
func NewRelay(bus Bus, reaper *Reaper, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{
		id:       uuid.NewString(),
		sessions: make(map[uuid.UUID]map[uuid.UUID]*Client),
		subs:     make(map[uuid.UUID]*subscription),
		bus:      bus,
		reaper:   reaper,
		logger:   logger,
	}
}

// subscription is a session's bus subscription. cancel stays nil until
// Subscribe returns.
type subscription struct {
	cancel func()
}

// Register makes c the live connection for its participant, replacing and
// closing any previous one. The bus subscription for a new session is made
// after the registry lock is released.
func (r *Relay) Register(c *Client) {
	r.mu.Lock()
	conns := r.sessions[c.SessionID]
	var sub *subscription
	if conns == nil {
		conns = make(map[uuid.UUID]*Client)
		r.sessions[c.SessionID] = conns
		if r.bus != nil {
			sub = &subscription{}
			r.subs[c.SessionID] = sub
		}
	}
	prev := conns[c.ParticipantID]
	conns[c.ParticipantID] = c
	r.mu.Unlock()

	if sub != nil {
		r.subscribe(c.SessionID, sub)
	}
	if r.reaper != nil {
		r.reaper.Cancel(c.SessionID, c.ParticipantID)
	}
	if prev != nil && prev != c {
		prev.closeWith(ReasonReplaced)
	}
	r.logger.Debug("signaling connection registered",
		zap.String("session_id", c.SessionID.String()),
		zap.String("participant_id", c.ParticipantID.String()),
		zap.String("role", c.Role),
	)
}

func (r *Relay) subscribe(sessionID uuid.UUID, sub *subscription) {
	cancel, err := r.bus.Subscribe(sessionID, func(cmd Command) {
		if cmd.Origin == r.id {
			return
		}
		r.apply(sessionID, cmd)
	})
	if err != nil {
		r.logger.Warn("relay bus subscribe failed", zap.String("session_id", sessionID.String()), zap.Error(err))
		r.mu.Lock()
		if r.subs[sessionID] == sub {
			delete(r.subs, sessionID)
		}
		r.mu.Unlock()
		return
	}

	r.mu.Lock()
	current := r.subs[sessionID] == sub
	if current {
		sub.cancel = cancel
	}
	r.mu.Unlock()
	// the session emptied (or the relay closed) while subscribing
	if !current {
		cancel()
	}
}

// Deregister drops c if it is still the registered connection. Participants
// that go away this way get a grace timer before they are marked LEFT.
func (r *Relay) Deregister(c *Client) {
	r.mu.Lock()
	conns := r.sessions[c.SessionID]
	current, ok := conns[c.ParticipantID]
	if !ok || current != c {
		r.mu.Unlock()
		return
	}
	delete(conns, c.ParticipantID)
	var unsubscribe func()
	if len(conns) == 0 {
		delete(r.sessions, c.SessionID)
		if sub, ok := r.subs[c.SessionID]; ok {
			unsubscribe = sub.cancel
			delete(r.subs, c.SessionID)
		}
	}
	r.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}

	if r.reaper != nil && c.Role == livesession.RoleParticipant && !c.revoked() {
		r.reaper.Arm(c.SessionID, c.ParticipantID)
	}
	r.logger.Debug("signaling connection removed",
		zap.String("session_id", c.SessionID.String()),
		zap.String("participant_id", c.ParticipantID.String()),
	)
}

func (r *Relay) lookup(sessionID, participantID uuid.UUID) *Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[sessionID][participantID]
}

func (r *Relay) clients(sessionID uuid.UUID) []*Client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Client, 0, len(r.sessions[sessionID]))
	for _, c := range r.sessions[sessionID] {
		out = append(out, c)
	}
	return out
}

// Connected reports whether participantID has a live connection here.
func (r *Relay) Connected(sessionID, participantID uuid.UUID) bool {
	return r.lookup(sessionID, participantID) != nil
}

// Clients counts the connections held by this instance.
func (r *Relay) Clients() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.sessions {
		n += len(m)
	}
	return n
}

// Forward delivers an offer, answer or ICE message to its target within the
// sender's session, or tells the sender the target is not connected.
func (r *Relay) Forward(from *Client, msg Message) {
	target, err := uuid.Parse(msg.Target)
	if err != nil {
		from.deliver(errorMessage(ReasonBadRequest))
		return
	}
	to := r.lookup(from.SessionID, target)
	msg.From = from.ParticipantID.String()
	if to == nil || !to.deliver(msg) {
		from.deliver(Message{Type: TypeTargetUnavailable, Target: msg.Target})
	}
}

func (r *Relay) publish(sessionID uuid.UUID, cmd Command) {
	if r.bus == nil {
		return
	}
	cmd.Origin = r.id
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := r.bus.Publish(ctx, sessionID, cmd); err != nil {
		r.logger.Warn("relay bus publish failed",
			zap.String("session_id", sessionID.String()),
			zap.String("kind", cmd.Kind),
			zap.Error(err),
		)
	}
}

func (r *Relay) apply(sessionID uuid.UUID, cmd Command) {
	switch cmd.Kind {
	case CommandBroadcast:
		for _, c := range r.clients(sessionID) {
			c.deliver(cmd.Message)
		}
	case CommandSend:
		if c := r.lookup(sessionID, cmd.ParticipantID); c != nil {
			c.deliver(cmd.Message)
		}
	case CommandDisconnect:
		if c := r.lookup(sessionID, cmd.ParticipantID); c != nil {
			c.revoke(cmd.Message.Reason)
		}
	case CommandRevoke:
		for _, c := range r.clients(sessionID) {
			c.revoke(cmd.Message.Reason)
		}
	}
}

func (r *Relay) run(sessionID uuid.UUID, cmd Command) {
	r.apply(sessionID, cmd)
	r.publish(sessionID, cmd)
}

// BroadcastSession pushes the full snapshot to every connection of the session.
func (r *Relay) BroadcastSession(sessionID uuid.UUID, snap models.Snapshot) {
	r.run(sessionID, Command{Kind: CommandBroadcast, Message: Message{Type: TypeSessionUpdate, Data: encode(snap)}})
}

// SendTo delivers one message to a single participant.
func (r *Relay) SendTo(sessionID, participantID uuid.UUID, msgType string, payload any) {
	r.run(sessionID, Command{Kind: CommandSend, ParticipantID: participantID, Message: Message{Type: msgType, Data: encode(payload)}})
}

// Disconnect closes one participant's connection with reason.
func (r *Relay) Disconnect(sessionID, participantID uuid.UUID, reason string) {
	r.run(sessionID, Command{Kind: CommandDisconnect, ParticipantID: participantID, Message: errorMessage(reason)})
}

// Revoke closes every connection of the session with reason.
func (r *Relay) Revoke(sessionID uuid.UUID, reason string) {
	r.run(sessionID, Command{Kind: CommandRevoke, Message: errorMessage(reason)})
}

// Close shuts down every local connection.
func (r *Relay) Close() {
	r.mu.Lock()
	var all []*Client
	for _, conns := range r.sessions {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	var cancels []func()
	for id, sub := range r.subs {
		if sub.cancel != nil {
			cancels = append(cancels, sub.cancel)
		}
		delete(r.subs, id)
	}
	r.mu.Unlock()
	for _, cancel := range cancels {
		cancel()
	}
	for _, c := range all {
		c.revoke(ReasonShutdown)
	}
	if r.reaper != nil {
		r.reaper.Stop()
	}
}
