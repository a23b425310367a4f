// Package main runs liveprobe, a headless classroom participant: it joins a
// live session over HTTP, opens the signaling socket, answers WebRTC offers
// receive-only, and keeps its attendance alive with heartbeats until SIGINT.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-learn/liveclass/internal/auth"
	"github.com/aura-learn/liveclass/internal/livesession"
	"github.com/aura-learn/liveclass/internal/models"
	"github.com/aura-learn/liveclass/internal/peer"
	"github.com/aura-learn/liveclass/internal/realtime"
)

type options struct {
	server     string
	sessionID  string
	token      string
	passcode   string
	hostSecret string
	call       bool
	devSecret  string
	devUser    string
	devRole    string
	verbose    bool
}

func parseFlags() options {
	var o options
	flag.StringVar(&o.server, "server", "http://localhost:8080", "API base URL")
	flag.StringVar(&o.sessionID, "session", "", "live session id")
	flag.StringVar(&o.token, "token", os.Getenv("LIVEPROBE_TOKEN"), "bearer token")
	flag.StringVar(&o.passcode, "passcode", "", "session passcode")
	flag.StringVar(&o.hostSecret, "host-secret", "", "join as host with this secret")
	flag.BoolVar(&o.call, "call", false, "as host, send offers to every joined participant")
	flag.StringVar(&o.devSecret, "dev-jwt-secret", "", "mint a token locally with this JWT secret")
	flag.StringVar(&o.devUser, "dev-user", "", "user id for a minted token")
	flag.StringVar(&o.devRole, "dev-role", string(models.RoleStudent), "role for a minted token")
	flag.BoolVar(&o.verbose, "v", false, "debug logging")
	flag.Parse()
	return o
}

func main() {
	o := parseFlags()
	logger := newLogger(o.verbose)
	defer logger.Sync()

	if err := run(o, logger); err != nil {
		logger.Fatal("liveprobe", zap.Error(err))
	}
}

func run(o options, logger *zap.Logger) error {
	sessionID, err := uuid.Parse(o.sessionID)
	if err != nil {
		return fmt.Errorf("-session: %w", err)
	}
	token, err := resolveToken(o)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	api := newAPIClient(o.server, token)
	host := o.hostSecret != ""

	res, err := joinUntilAdmitted(ctx, api, sessionID, o, logger)
	if err != nil {
		return err
	}
	sig := res.Signaling
	self := sig.ParticipantID
	logger = logger.With(zap.String("session_id", sessionID.String()), zap.String("participant_id", self.String()))
	logger.Info("joined", zap.String("role", res.Participant.Role), zap.Int64("heartbeat_ms", res.HeartbeatIntervalMs))

	conn, err := dialSignaling(ctx, o.server, sig)
	if err != nil {
		return err
	}
	defer conn.Close()
	out := &wsSignaler{conn: conn}

	mgr, err := peer.NewManager(peer.Config{
		Self:       self,
		ICEServers: sig.IceServers,
		OnRoster: func(entries []peer.RosterEntry) {
			logger.Info("roster", zap.Int("size", len(entries)))
		},
	}, out, logger)
	if err != nil {
		return err
	}
	defer mgr.Close()
	mgr.UpdateSnapshot(res.Session)

	readErr := make(chan error, 1)
	go func() { readErr <- readLoop(conn, mgr, host && o.call, logger) }()

	interval := time.Duration(res.HeartbeatIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	last := time.Now()

	for {
		select {
		case <-ctx.Done():
			if !host {
				leaveCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				stats, err := api.leave(leaveCtx, sessionID)
				cancel()
				if err != nil {
					logger.Warn("leave failed", zap.Error(err))
				} else {
					logger.Info("left", zap.Int64("watch_ms", stats.AccumulatedWatchTimeMs), zap.Int("attendance", stats.AttendancePercentage))
				}
			}
			_ = out.close()
			return nil
		case err := <-readErr:
			return err
		case now := <-ticker.C:
			if host {
				continue
			}
			stats, err := api.ping(ctx, sessionID, now.Sub(last))
			if err != nil {
				logger.Warn("ping failed", zap.Error(err))
				continue
			}
			last = now
			logger.Info("heartbeat", zap.Int64("watch_ms", stats.AccumulatedWatchTimeMs), zap.Int("attendance", stats.AttendancePercentage))
		}
	}
}

func resolveToken(o options) (string, error) {
	if o.devSecret == "" {
		if o.token == "" {
			return "", errors.New("-token or -dev-jwt-secret is required")
		}
		return o.token, nil
	}
	userID, err := uuid.Parse(o.devUser)
	if err != nil {
		return "", fmt.Errorf("-dev-user: %w", err)
	}
	return auth.NewJWTService(o.devSecret, 1).Generate(userID, "", models.Role(o.devRole))
}

// joinUntilAdmitted retries join while the participant sits in the waiting room.
func joinUntilAdmitted(ctx context.Context, api *apiClient, sessionID uuid.UUID, o options, logger *zap.Logger) (*livesession.JoinResult, error) {
	for {
		var (
			res *livesession.JoinResult
			err error
		)
		if o.hostSecret != "" {
			res, err = api.instructorJoin(ctx, sessionID, o.hostSecret)
		} else {
			res, err = api.join(ctx, sessionID, o.passcode)
		}
		if err != nil {
			return nil, fmt.Errorf("join: %w", err)
		}
		if !res.Waiting && res.Signaling != nil {
			return res, nil
		}
		logger.Info("waiting for the host to admit us")
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(5 * time.Second):
		}
	}
}

func dialSignaling(ctx context.Context, server string, sig *livesession.Signaling) (*websocket.Conn, error) {
	u, err := url.Parse(server)
	if err != nil {
		return nil, fmt.Errorf("-server: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + sig.Path
	q := url.Values{}
	q.Set("sessionId", sig.SessionID.String())
	q.Set("participantId", sig.ParticipantID.String())
	q.Set("key", sig.Key)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial signaling: %w", err)
	}
	return conn, nil
}

// wsSignaler serializes writes to the signaling socket.
type wsSignaler struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSignaler) Signal(msg realtime.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(msg)
}

func (s *wsSignaler) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func readLoop(conn *websocket.Conn, mgr *peer.Manager, call bool, logger *zap.Logger) error {
	for {
		var msg realtime.Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("signaling closed: %w", err)
		}
		switch msg.Type {
		case realtime.TypeError:
			logger.Warn("signaling error", zap.String("reason", msg.Reason))
			if msg.Reason != realtime.ReasonUnknownType && msg.Reason != realtime.ReasonBadRequest {
				return fmt.Errorf("signaling ended: %s", msg.Reason)
			}
		case realtime.TypeTargetUnavailable:
			logger.Debug("target unavailable", zap.String("target", msg.Target))
			if id, err := uuid.Parse(msg.Target); err == nil {
				mgr.Disconnect(id)
			}
		case livesession.MessageMediaUpdate:
			var state models.MediaState
			if err := json.Unmarshal(msg.Data, &state); err == nil {
				mgr.ApplyMedia(state)
				logger.Info("media updated by host", zap.Bool("audio", state.Audio), zap.Bool("video", state.Video))
			}
		default:
			if err := mgr.Dispatch(msg); err != nil {
				logger.Warn("dispatch failed", zap.String("type", msg.Type), zap.Error(err))
			}
			if call && msg.Type == realtime.TypeSessionUpdate {
				callNewcomers(mgr, logger)
			}
		}
	}
}

// callNewcomers offers to every roster entry we have no connection with yet.
func callNewcomers(mgr *peer.Manager, logger *zap.Logger) {
	for _, e := range mgr.Roster() {
		if e.Connected {
			continue
		}
		if err := mgr.Call(e.ParticipantID); err != nil {
			logger.Warn("call failed", zap.String("target", e.ParticipantID.String()), zap.Error(err))
		}
	}
}

func newLogger(verbose bool) *zap.Logger {
	config := zap.NewDevelopmentConfig()
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if !verbose {
		config.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}
	logger, _ := config.Build()
	return logger
}
