package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/aura-learn/liveclass/internal/apperrors"
	"github.com/aura-learn/liveclass/internal/livesession"
	"github.com/aura-learn/liveclass/internal/models"
)

// memBus connects relays in one process the way Redis connects instances.
type memBus struct {
	mu   sync.Mutex
	subs map[uuid.UUID]map[int]func(Command)
	next int
}

func newMemBus() *memBus {
	return &memBus{subs: make(map[uuid.UUID]map[int]func(Command))}
}

func (b *memBus) Publish(_ context.Context, sessionID uuid.UUID, cmd Command) error {
	b.mu.Lock()
	handlers := make([]func(Command), 0, len(b.subs[sessionID]))
	for _, h := range b.subs[sessionID] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()
	for _, h := range handlers {
		h(cmd)
	}
	return nil
}

func (b *memBus) Subscribe(sessionID uuid.UUID, handler func(Command)) (func(), error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[sessionID] == nil {
		b.subs[sessionID] = make(map[int]func(Command))
	}
	id := b.next
	b.next++
	b.subs[sessionID][id] = handler
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs[sessionID], id)
	}, nil
}

func (b *memBus) subscribers(sessionID uuid.UUID) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[sessionID])
}

func testClient(r *Relay, sessionID, participantID uuid.UUID, role string) *Client {
	return newClient(r, nil, livesession.SignalingGrant{
		SessionID:     sessionID,
		ParticipantID: participantID,
		Role:          role,
	}, zap.NewNop())
}

func drain(c *Client) []Message {
	var out []Message
	for {
		select {
		case m, ok := <-c.send:
			if !ok {
				return out
			}
			out = append(out, m)
		default:
			return out
		}
	}
}

func TestRelay_ForwardStaysInSession(t *testing.T) {
	r := NewRelay(nil, nil, nil)
	s1, s2 := uuid.New(), uuid.New()
	a, b := uuid.New(), uuid.New()

	ca := testClient(r, s1, a, livesession.RoleParticipant)
	cb := testClient(r, s1, b, livesession.RoleParticipant)
	other := testClient(r, s2, b, livesession.RoleParticipant)
	r.Register(ca)
	r.Register(cb)
	r.Register(other)
	assert.Equal(t, 3, r.Clients())

	r.Forward(ca, Message{Type: TypeOffer, Target: b.String(), Data: json.RawMessage(`{"sdp":"x"}`)})

	got := drain(cb)
	require.Len(t, got, 1)
	assert.Equal(t, TypeOffer, got[0].Type)
	assert.Equal(t, a.String(), got[0].From)
	assert.JSONEq(t, `{"sdp":"x"}`, string(got[0].Data))
	assert.Empty(t, drain(other))
	assert.Empty(t, drain(ca))
}

func TestRelay_TargetUnavailable(t *testing.T) {
	r := NewRelay(nil, nil, nil)
	s := uuid.New()
	ca := testClient(r, s, uuid.New(), livesession.RoleParticipant)
	r.Register(ca)

	missing := uuid.New()
	r.Forward(ca, Message{Type: TypeICECandidate, Target: missing.String()})
	got := drain(ca)
	require.Len(t, got, 1)
	assert.Equal(t, TypeTargetUnavailable, got[0].Type)
	assert.Equal(t, missing.String(), got[0].Target)

	r.Forward(ca, Message{Type: TypeAnswer, Target: "nope"})
	got = drain(ca)
	require.Len(t, got, 1)
	assert.Equal(t, ReasonBadRequest, got[0].Reason)
}

func TestRelay_RegisterReplacesPrevious(t *testing.T) {
	r := NewRelay(nil, nil, nil)
	s, p := uuid.New(), uuid.New()
	first := testClient(r, s, p, livesession.RoleParticipant)
	second := testClient(r, s, p, livesession.RoleParticipant)
	r.Register(first)
	r.Register(second)

	got := drain(first)
	require.Len(t, got, 1)
	assert.Equal(t, ReasonReplaced, got[0].Reason)
	assert.False(t, first.deliver(Message{Type: TypeOffer}))

	// the stale client going away must not evict the new one
	r.Deregister(first)
	assert.True(t, r.Connected(s, p))
	r.Deregister(second)
	assert.False(t, r.Connected(s, p))
}

func TestRelay_SessionCommands(t *testing.T) {
	r := NewRelay(nil, nil, nil)
	s := uuid.New()
	a, b := uuid.New(), uuid.New()
	ca := testClient(r, s, a, livesession.RoleParticipant)
	cb := testClient(r, s, b, livesession.RoleHost)
	r.Register(ca)
	r.Register(cb)

	r.BroadcastSession(s, models.Snapshot{ID: s, Status: models.SessionLive})
	for _, c := range []*Client{ca, cb} {
		got := drain(c)
		require.Len(t, got, 1)
		assert.Equal(t, TypeSessionUpdate, got[0].Type)
		var snap models.Snapshot
		require.NoError(t, json.Unmarshal(got[0].Data, &snap))
		assert.Equal(t, models.SessionLive, snap.Status)
	}

	r.SendTo(s, a, "media:update", map[string]bool{"audio": false})
	got := drain(ca)
	require.Len(t, got, 1)
	assert.Equal(t, "media:update", got[0].Type)
	assert.Empty(t, drain(cb))

	r.Disconnect(s, a, "kicked")
	got = drain(ca)
	require.Len(t, got, 1)
	assert.Equal(t, "kicked", got[0].Reason)
	assert.True(t, ca.revoked())
	assert.False(t, cb.revoked())

	r.Revoke(s, "session-ended")
	got = drain(cb)
	require.Len(t, got, 1)
	assert.Equal(t, TypeError, got[0].Type)
	assert.Equal(t, "session-ended", got[0].Reason)
}

func TestRelay_BusFanOut(t *testing.T) {
	bus := newMemBus()
	r1 := NewRelay(bus, nil, nil)
	r2 := NewRelay(bus, nil, nil)
	s := uuid.New()
	c1 := testClient(r1, s, uuid.New(), livesession.RoleParticipant)
	c2 := testClient(r2, s, uuid.New(), livesession.RoleParticipant)
	r1.Register(c1)
	r2.Register(c2)
	assert.Equal(t, 2, bus.subscribers(s))

	r1.BroadcastSession(s, models.Snapshot{ID: s})
	// one copy each: the origin instance skips its own echo
	assert.Len(t, drain(c1), 1)
	assert.Len(t, drain(c2), 1)

	r1.Revoke(s, "session-cancelled")
	got := drain(c2)
	require.Len(t, got, 1)
	assert.Equal(t, "session-cancelled", got[0].Reason)

	r2.Deregister(c2)
	assert.Equal(t, 1, bus.subscribers(s))
}

type fakeLeaver struct {
	calls atomic.Int32
	err   error
	done  chan struct{}
}

func (f *fakeLeaver) LeaveOnDisconnect(context.Context, uuid.UUID, uuid.UUID, time.Time) error {
	f.calls.Add(1)
	if f.done != nil {
		f.done <- struct{}{}
	}
	return f.err
}

func TestReaper_FiresAfterGrace(t *testing.T) {
	leaver := &fakeLeaver{done: make(chan struct{}, 1)}
	reaper := NewReaper(20*time.Millisecond, leaver, nil)
	r := NewRelay(nil, reaper, nil)
	s, p := uuid.New(), uuid.New()
	c := testClient(r, s, p, livesession.RoleParticipant)
	r.Register(c)
	r.Deregister(c)
	assert.Equal(t, 1, reaper.Pending())

	select {
	case <-leaver.done:
	case <-time.After(2 * time.Second):
		t.Fatal("reaper did not fire")
	}
	assert.Equal(t, int32(1), leaver.calls.Load())
	assert.Eventually(t, func() bool { return reaper.Pending() == 0 }, time.Second, 5*time.Millisecond)
}

func TestReaper_CancelledByReconnect(t *testing.T) {
	leaver := &fakeLeaver{}
	reaper := NewReaper(50*time.Millisecond, leaver, nil)
	r := NewRelay(nil, reaper, nil)
	s, p := uuid.New(), uuid.New()

	first := testClient(r, s, p, livesession.RoleParticipant)
	r.Register(first)
	r.Deregister(first)
	require.Equal(t, 1, reaper.Pending())

	r.Register(testClient(r, s, p, livesession.RoleParticipant))
	assert.Equal(t, 0, reaper.Pending())
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(0), leaver.calls.Load())
}

func TestReaper_SkipsHostsAndRevoked(t *testing.T) {
	leaver := &fakeLeaver{err: apperrors.Conflict("not live")}
	reaper := NewReaper(time.Hour, leaver, nil)
	r := NewRelay(nil, reaper, nil)
	s := uuid.New()

	host := testClient(r, s, uuid.New(), livesession.RoleHost)
	r.Register(host)
	r.Deregister(host)
	assert.Equal(t, 0, reaper.Pending())

	kicked := testClient(r, s, uuid.New(), livesession.RoleParticipant)
	r.Register(kicked)
	r.Disconnect(s, kicked.ParticipantID, "kicked")
	r.Deregister(kicked)
	assert.Equal(t, 0, reaper.Pending())

	reaper.Stop()
	reaper.Arm(s, uuid.New())
	assert.Equal(t, 0, reaper.Pending())
}

func TestReaper_CancelSession(t *testing.T) {
	reaper := NewReaper(time.Hour, &fakeLeaver{}, nil)
	s, other := uuid.New(), uuid.New()
	reaper.Arm(s, uuid.New())
	reaper.Arm(s, uuid.New())
	reaper.Arm(other, uuid.New())
	require.Equal(t, 3, reaper.Pending())

	reaper.CancelSession(s)
	assert.Equal(t, 1, reaper.Pending())
	reaper.Stop()
}

// slowBus blocks Subscribe for one session until release is closed.
type slowBus struct {
	*memBus
	slow    uuid.UUID
	entered chan struct{}
	release chan struct{}
}

func (b *slowBus) Subscribe(sessionID uuid.UUID, handler func(Command)) (func(), error) {
	if sessionID == b.slow {
		close(b.entered)
		<-b.release
	}
	return b.memBus.Subscribe(sessionID, handler)
}

func TestRelay_SubscribeDoesNotBlockOtherSessions(t *testing.T) {
	sa, sb := uuid.New(), uuid.New()
	bus := &slowBus{memBus: newMemBus(), slow: sb, entered: make(chan struct{}), release: make(chan struct{})}
	r := NewRelay(bus, nil, nil)

	a1 := testClient(r, sa, uuid.New(), livesession.RoleParticipant)
	a2 := testClient(r, sa, uuid.New(), livesession.RoleParticipant)
	r.Register(a1)
	r.Register(a2)

	done := make(chan struct{})
	go func() {
		r.Register(testClient(r, sb, uuid.New(), livesession.RoleParticipant))
		close(done)
	}()
	<-bus.entered

	forwarded := make(chan struct{})
	go func() {
		r.Forward(a1, Message{Type: TypeOffer, Target: a2.ParticipantID.String()})
		close(forwarded)
	}()
	select {
	case <-forwarded:
	case <-time.After(time.Second):
		t.Fatal("forward blocked behind another session's subscribe")
	}
	require.Len(t, drain(a2), 1)

	close(bus.release)
	<-done
	assert.Equal(t, 1, bus.subscribers(sb))
	assert.Equal(t, 3, r.Clients())
}

func TestRelay_SessionEmptiedWhileSubscribing(t *testing.T) {
	s := uuid.New()
	bus := &slowBus{memBus: newMemBus(), slow: s, entered: make(chan struct{}), release: make(chan struct{})}
	r := NewRelay(bus, nil, nil)
	c := testClient(r, s, uuid.New(), livesession.RoleHost)

	done := make(chan struct{})
	go func() {
		r.Register(c)
		close(done)
	}()
	<-bus.entered
	r.Deregister(c)
	close(bus.release)
	<-done

	assert.Equal(t, 0, bus.subscribers(s))
	assert.False(t, r.Connected(s, c.ParticipantID))
}
