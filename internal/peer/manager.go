// Package peer runs the participant side of the classroom mesh: one pion peer
// connection per remote participant, negotiated over the signaling relay.
package peer

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"

	"github.com/aura-learn/liveclass/internal/models"
	"github.com/aura-learn/liveclass/internal/realtime"
)

const rtpBufferSize = 1500

var rtpBufferPool = sync.Pool{
	New: func() interface{} {
		b := make([]byte, rtpBufferSize)
		return &b
	},
}

// Signaler sends a message through the signaling relay.
type Signaler interface {
	Signal(msg realtime.Message) error
}

// TrackHandler is told about every remote track and the participant it came from.
type TrackHandler func(participantID uuid.UUID, track *webrtc.TrackRemote)

// RosterEntry is one remote participant as rendered locally.
type RosterEntry struct {
	ParticipantID uuid.UUID
	Connected     bool
	Streams       int
}

// Config configures a Manager.
type Config struct {
	Self       uuid.UUID
	ICEServers []webrtc.ICEServer
	Media      MediaSource
	OnTrack    TrackHandler
	OnRoster   func([]RosterEntry)
}

type remotePeer struct {
	id      uuid.UUID
	pc      *webrtc.PeerConnection
	streams map[string]*webrtc.TrackRemote
	packets atomic.Int64

	// candidates are held until our description went out and theirs came in
	mu        sync.Mutex
	described bool
	outbox    []webrtc.ICECandidateInit
	inbox     []webrtc.ICECandidateInit
}

// Manager owns the peer connections of one local participant.
type Manager struct {
	cfg      Config
	api      *webrtc.API
	signaler Signaler
	log      *zap.Logger

	mu       sync.Mutex
	peers    map[uuid.UUID]*remotePeer
	local    []*LocalTrack
	acquired bool
	snapshot *models.Snapshot
	roster   []RosterEntry
	audioOn  bool
	videoOn  bool
	closed   bool
}

// NewManager creates a manager that signals through s.
func NewManager(cfg Config, s Signaler, log *zap.Logger) (*Manager, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Media == nil {
		cfg.Media = NoMedia{}
	}
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	return &Manager{
		cfg:      cfg,
		api:      webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine)),
		signaler: s,
		log:      log.With(zap.String("self", cfg.Self.String())),
		peers:    make(map[uuid.UUID]*remotePeer),
		audioOn:  true,
		videoOn:  true,
	}, nil
}

// SetICEServers replaces the ICE list used for connections created from now on.
func (m *Manager) SetICEServers(servers []webrtc.ICEServer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.ICEServers = servers
}

// Dispatch routes one relay message. Unknown types are ignored.
func (m *Manager) Dispatch(msg realtime.Message) error {
	switch msg.Type {
	case realtime.TypeOffer, realtime.TypeAnswer, realtime.TypeICECandidate:
	case realtime.TypeSessionUpdate:
		var snap models.Snapshot
		if err := json.Unmarshal(msg.Data, &snap); err != nil {
			return fmt.Errorf("decode session update: %w", err)
		}
		m.UpdateSnapshot(snap)
		return nil
	default:
		return nil
	}

	from, err := uuid.Parse(msg.From)
	if err != nil {
		return fmt.Errorf("bad sender %q: %w", msg.From, err)
	}
	switch msg.Type {
	case realtime.TypeOffer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &sdp); err != nil {
			return fmt.Errorf("decode offer: %w", err)
		}
		return m.HandleOffer(from, sdp)
	case realtime.TypeAnswer:
		var sdp webrtc.SessionDescription
		if err := json.Unmarshal(msg.Data, &sdp); err != nil {
			return fmt.Errorf("decode answer: %w", err)
		}
		return m.HandleAnswer(from, sdp)
	default:
		var cand webrtc.ICECandidateInit
		if err := json.Unmarshal(msg.Data, &cand); err != nil {
			return fmt.Errorf("decode candidate: %w", err)
		}
		return m.HandleCandidate(from, cand)
	}
}

func (m *Manager) localTracks() ([]*LocalTrack, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.acquired {
		return m.local, nil
	}
	tracks, err := m.cfg.Media.Acquire()
	if err != nil {
		return nil, fmt.Errorf("acquire media: %w", err)
	}
	m.local = tracks
	m.acquired = true
	m.applyToggles()
	return tracks, nil
}

// newPeer creates and registers a peer connection for participantID.
func (m *Manager) newPeer(participantID uuid.UUID) (*remotePeer, error) {
	tracks, err := m.localTracks()
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	ice := m.cfg.ICEServers
	closed := m.closed
	m.mu.Unlock()
	if closed {
		return nil, fmt.Errorf("manager closed")
	}

	pc, err := m.api.NewPeerConnection(webrtc.Configuration{ICEServers: ice})
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	p := &remotePeer{id: participantID, pc: pc, streams: make(map[string]*webrtc.TrackRemote)}

	for _, t := range tracks {
		if _, err := pc.AddTrack(t); err != nil {
			_ = pc.Close()
			return nil, fmt.Errorf("add track %s: %w", t.ID(), err)
		}
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		cand := c.ToJSON()
		p.mu.Lock()
		if !p.described {
			p.outbox = append(p.outbox, cand)
			p.mu.Unlock()
			return
		}
		p.mu.Unlock()
		m.send(realtime.TypeICECandidate, participantID, cand)
	})
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		m.mu.Lock()
		p.streams[track.ID()] = track
		m.mu.Unlock()
		m.log.Info("remote track",
			zap.String("participant_id", participantID.String()),
			zap.String("kind", track.Kind().String()),
		)
		if m.cfg.OnTrack != nil {
			m.cfg.OnTrack(participantID, track)
		}
		m.publishRoster()
		go p.drain(track)
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		m.onState(p, state)
	})

	m.mu.Lock()
	prev := m.peers[participantID]
	m.peers[participantID] = p
	m.mu.Unlock()
	if prev != nil {
		_ = prev.pc.Close()
	}
	return p, nil
}

// drain reads RTP so pion's buffers keep moving when nothing renders the track.
func (p *remotePeer) drain(track *webrtc.TrackRemote) {
	for {
		ptr := rtpBufferPool.Get().(*[]byte)
		_, _, err := track.Read(*ptr)
		rtpBufferPool.Put(ptr)
		if err != nil {
			return
		}
		p.packets.Add(1)
	}
}

func (m *Manager) peer(participantID uuid.UUID) *remotePeer {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.peers[participantID]
}

func (m *Manager) send(msgType string, target uuid.UUID, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		m.log.Warn("encode signaling payload", zap.Error(err))
		return
	}
	err = m.signaler.Signal(realtime.Message{Type: msgType, Target: target.String(), Data: data})
	if err != nil {
		m.log.Warn("signal failed",
			zap.String("type", msgType),
			zap.String("target", target.String()),
			zap.Error(err),
		)
	}
}

// sendDescription sends sdp and then any candidates gathered before it.
func (m *Manager) sendDescription(p *remotePeer, msgType string, sdp webrtc.SessionDescription) {
	m.send(msgType, p.id, sdp)
	p.mu.Lock()
	p.described = true
	held := p.outbox
	p.outbox = nil
	p.mu.Unlock()
	for _, c := range held {
		m.send(realtime.TypeICECandidate, p.id, c)
	}
}

// flushInbox applies candidates that arrived before the remote description.
func (m *Manager) flushInbox(p *remotePeer) {
	p.mu.Lock()
	held := p.inbox
	p.inbox = nil
	p.mu.Unlock()
	for _, c := range held {
		if err := p.pc.AddICECandidate(c); err != nil {
			m.log.Warn("add held candidate", zap.String("participant_id", p.id.String()), zap.Error(err))
		}
	}
}

// Call starts negotiation with participantID by sending an offer.
func (m *Manager) Call(participantID uuid.UUID) error {
	p, err := m.newPeer(participantID)
	if err != nil {
		return err
	}
	if len(p.pc.GetTransceivers()) == 0 {
		// receive-only caller still needs media sections in the offer
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := p.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{Direction: webrtc.RTPTransceiverDirectionRecvonly}); err != nil {
				m.remove(p)
				return fmt.Errorf("add transceiver: %w", err)
			}
		}
	}
	offer, err := p.pc.CreateOffer(nil)
	if err != nil {
		m.remove(p)
		return fmt.Errorf("create offer: %w", err)
	}
	if err := p.pc.SetLocalDescription(offer); err != nil {
		m.remove(p)
		return fmt.Errorf("set local offer: %w", err)
	}
	m.sendDescription(p, realtime.TypeOffer, offer)
	return nil
}

// HandleOffer answers a remote offer, creating the connection on first contact.
func (m *Manager) HandleOffer(from uuid.UUID, offer webrtc.SessionDescription) error {
	p := m.peer(from)
	if p == nil {
		var err error
		if p, err = m.newPeer(from); err != nil {
			return err
		}
	}
	if err := p.pc.SetRemoteDescription(offer); err != nil {
		m.remove(p)
		return fmt.Errorf("set remote offer: %w", err)
	}
	m.flushInbox(p)
	answer, err := p.pc.CreateAnswer(nil)
	if err != nil {
		m.remove(p)
		return fmt.Errorf("create answer: %w", err)
	}
	if err := p.pc.SetLocalDescription(answer); err != nil {
		m.remove(p)
		return fmt.Errorf("set local answer: %w", err)
	}
	m.sendDescription(p, realtime.TypeAnswer, answer)
	return nil
}

// HandleAnswer applies a remote answer. Answers with no matching connection
// are stale and dropped.
func (m *Manager) HandleAnswer(from uuid.UUID, answer webrtc.SessionDescription) error {
	p := m.peer(from)
	if p == nil {
		m.log.Debug("dropping answer for unknown peer", zap.String("from", from.String()))
		return nil
	}
	if err := p.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	m.flushInbox(p)
	return nil
}

// HandleCandidate adds a remote ICE candidate. Candidates that arrive before
// the connection exists are dropped.
func (m *Manager) HandleCandidate(from uuid.UUID, cand webrtc.ICECandidateInit) error {
	p := m.peer(from)
	if p == nil {
		m.log.Debug("dropping candidate for unknown peer", zap.String("from", from.String()))
		return nil
	}
	p.mu.Lock()
	if p.pc.RemoteDescription() == nil {
		p.inbox = append(p.inbox, cand)
		p.mu.Unlock()
		return nil
	}
	p.mu.Unlock()
	if err := p.pc.AddICECandidate(cand); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (m *Manager) onState(p *remotePeer, state webrtc.PeerConnectionState) {
	m.log.Debug("peer state",
		zap.String("participant_id", p.id.String()),
		zap.String("state", state.String()),
	)
	switch state {
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		m.remove(p)
	case webrtc.PeerConnectionStateConnected:
		m.publishRoster()
	}
}

// remove tears down p if it is still the registered connection.
func (m *Manager) remove(p *remotePeer) {
	m.mu.Lock()
	current, ok := m.peers[p.id]
	if ok && current == p {
		delete(m.peers, p.id)
	}
	m.mu.Unlock()
	if !ok || current != p {
		return
	}
	_ = p.pc.Close()
	m.publishRoster()
}

// Disconnect closes the connection to participantID if there is one.
func (m *Manager) Disconnect(participantID uuid.UUID) {
	if p := m.peer(participantID); p != nil {
		m.remove(p)
	}
}

// UpdateSnapshot records the latest session state and recomputes the roster.
func (m *Manager) UpdateSnapshot(snap models.Snapshot) {
	m.mu.Lock()
	m.snapshot = &snap
	m.mu.Unlock()
	m.publishRoster()
}

func (m *Manager) computeRosterLocked() []RosterEntry {
	seen := make(map[uuid.UUID]bool)
	var out []RosterEntry
	add := func(id uuid.UUID) {
		if id == m.cfg.Self || seen[id] {
			return
		}
		seen[id] = true
		e := RosterEntry{ParticipantID: id}
		if p, ok := m.peers[id]; ok {
			e.Connected = true
			e.Streams = len(p.streams)
		}
		out = append(out, e)
	}
	if m.snapshot != nil {
		for _, p := range m.snapshot.Participants {
			if p.Status == models.ParticipantJoined {
				add(p.ID)
			}
		}
	}
	// hosts are not listed as participants but still hold connections
	for id := range m.peers {
		add(id)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ParticipantID.String() < out[j].ParticipantID.String()
	})
	return out
}

func (m *Manager) publishRoster() {
	m.mu.Lock()
	m.roster = m.computeRosterLocked()
	roster := append([]RosterEntry(nil), m.roster...)
	fn := m.cfg.OnRoster
	m.mu.Unlock()
	if fn != nil {
		fn(roster)
	}
}

// Roster returns the last computed roster.
func (m *Manager) Roster() []RosterEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]RosterEntry(nil), m.roster...)
}

// Peers returns the ids with an open connection.
func (m *Manager) Peers() []uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]uuid.UUID, 0, len(m.peers))
	for id := range m.peers {
		out = append(out, id)
	}
	return out
}

// PacketsFrom returns how many RTP packets arrived from participantID.
func (m *Manager) PacketsFrom(participantID uuid.UUID) int64 {
	if p := m.peer(participantID); p != nil {
		return p.packets.Load()
	}
	return 0
}

// SetAudio enables or disables local audio tracks without renegotiating.
func (m *Manager) SetAudio(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioOn = on
	m.applyToggles()
}

// SetVideo enables or disables local video tracks without renegotiating.
func (m *Manager) SetVideo(on bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.videoOn = on
	m.applyToggles()
}

// ApplyMedia follows host-enforced media flags.
func (m *Manager) ApplyMedia(state models.MediaState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audioOn, m.videoOn = state.Audio, state.Video
	m.applyToggles()
}

func (m *Manager) applyToggles() {
	for _, t := range m.local {
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			t.SetEnabled(m.audioOn)
		case webrtc.RTPCodecTypeVideo:
			t.SetEnabled(m.videoOn)
		}
	}
}

// Close tears down every connection.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	peers := make([]*remotePeer, 0, len(m.peers))
	for _, p := range m.peers {
		peers = append(peers, p)
	}
	m.mu.Unlock()
	for _, p := range peers {
		m.remove(p)
	}
}
