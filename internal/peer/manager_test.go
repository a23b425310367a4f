package peer

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-learn/liveclass/internal/models"
	"github.com/aura-learn/liveclass/internal/realtime"
)

// pipe delivers one side's messages to the other manager in order, stamping
// From the way the relay does.
type pipe struct {
	from uuid.UUID
	ch   chan realtime.Message
}

func (p *pipe) Signal(msg realtime.Message) error {
	msg.From = p.from.String()
	p.ch <- msg
	return nil
}

func pump(p *pipe, to func() *Manager, done <-chan struct{}) {
	go func() {
		for {
			select {
			case msg := <-p.ch:
				_ = to().Dispatch(msg)
			case <-done:
				return
			}
		}
	}()
}

type recorder struct {
	mu    sync.Mutex
	sent  []realtime.Message
	lists [][]RosterEntry
}

func (r *recorder) Signal(msg realtime.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, msg)
	return nil
}

func (r *recorder) onRoster(entries []RosterEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lists = append(r.lists, entries)
}

func TestManager_LoopbackNegotiation(t *testing.T) {
	if testing.Short() {
		t.Skip("needs a usable network interface for ICE")
	}
	hostID, studentID := uuid.New(), uuid.New()
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	toStudent := &pipe{from: hostID, ch: make(chan realtime.Message, 64)}
	toHost := &pipe{from: studentID, ch: make(chan realtime.Message, 64)}

	host, err := NewManager(Config{Self: hostID}, toStudent, nil)
	require.NoError(t, err)
	student, err := NewManager(Config{Self: studentID}, toHost, nil)
	require.NoError(t, err)
	t.Cleanup(host.Close)
	t.Cleanup(student.Close)

	pump(toStudent, func() *Manager { return student }, done)
	pump(toHost, func() *Manager { return host }, done)

	require.NoError(t, host.Call(studentID))

	assert.Eventually(t, func() bool {
		roster := student.Roster()
		return len(roster) == 1 && roster[0].ParticipantID == hostID && roster[0].Connected
	}, 10*time.Second, 20*time.Millisecond)
	assert.Eventually(t, func() bool {
		p := host.peer(studentID)
		return p != nil && p.pc.ConnectionState() == webrtc.PeerConnectionStateConnected
	}, 10*time.Second, 20*time.Millisecond)

	host.Disconnect(studentID)
	assert.Empty(t, host.Peers())
}

func TestManager_DropsStaleMessages(t *testing.T) {
	rec := &recorder{}
	m, err := NewManager(Config{Self: uuid.New()}, rec, nil)
	require.NoError(t, err)
	defer m.Close()

	stranger := uuid.New()
	assert.NoError(t, m.HandleAnswer(stranger, webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "v=0"}))
	assert.NoError(t, m.HandleCandidate(stranger, webrtc.ICECandidateInit{Candidate: "candidate:1 1 udp 1 127.0.0.1 9 typ host"}))
	assert.Empty(t, m.Peers())

	err = m.Dispatch(realtime.Message{Type: realtime.TypeAnswer, From: "nobody"})
	assert.Error(t, err)
	assert.NoError(t, m.Dispatch(realtime.Message{Type: "chat"}))
}

func TestManager_RosterFromSnapshot(t *testing.T) {
	self, a, b, c := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	rec := &recorder{}
	m, err := NewManager(Config{Self: self, OnRoster: rec.onRoster}, rec, nil)
	require.NoError(t, err)
	defer m.Close()

	snap := models.Snapshot{Participants: []models.Participant{
		{ID: self, Status: models.ParticipantJoined},
		{ID: a, Status: models.ParticipantJoined},
		{ID: b, Status: models.ParticipantLeft},
		{ID: c, Status: models.ParticipantInvited},
	}}
	data, err := json.Marshal(snap)
	require.NoError(t, err)
	require.NoError(t, m.Dispatch(realtime.Message{Type: realtime.TypeSessionUpdate, Data: data}))

	roster := m.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, a, roster[0].ParticipantID)
	assert.False(t, roster[0].Connected)

	rec.mu.Lock()
	assert.Len(t, rec.lists, 1)
	rec.mu.Unlock()
}

func TestManager_FailedPeerIsRemoved(t *testing.T) {
	rec := &recorder{}
	m, err := NewManager(Config{Self: uuid.New()}, rec, nil)
	require.NoError(t, err)
	defer m.Close()

	remote := uuid.New()
	require.NoError(t, m.Call(remote))
	rec.mu.Lock()
	require.NotEmpty(t, rec.sent)
	assert.Equal(t, realtime.TypeOffer, rec.sent[0].Type)
	assert.Equal(t, remote.String(), rec.sent[0].Target)
	rec.mu.Unlock()

	p := m.peer(remote)
	require.NotNil(t, p)
	assert.Len(t, m.Roster(), 0)

	m.onState(p, webrtc.PeerConnectionStateFailed)
	assert.Nil(t, m.peer(remote))
	assert.Empty(t, m.Roster())
}

type staticMedia struct{ tracks []*LocalTrack }

func (s staticMedia) Acquire() ([]*LocalTrack, error) { return s.tracks, nil }

func TestManager_ToggleMedia(t *testing.T) {
	audio, err := NewLocalTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "local")
	require.NoError(t, err)
	video, err := NewLocalTrack(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "local")
	require.NoError(t, err)

	rec := &recorder{}
	m, err := NewManager(Config{Self: uuid.New(), Media: staticMedia{[]*LocalTrack{audio, video}}}, rec, nil)
	require.NoError(t, err)
	defer m.Close()

	m.SetAudio(false)
	require.NoError(t, m.Call(uuid.New()))
	assert.False(t, audio.Enabled())
	assert.True(t, video.Enabled())

	m.ApplyMedia(models.MediaState{Audio: true, Video: false})
	assert.True(t, audio.Enabled())
	assert.False(t, video.Enabled())
}
