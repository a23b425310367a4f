package livesession

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-learn/liveclass/internal/middleware"
)

func newTestRouter(f *fixture) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/live", func(c *gin.Context) {
		var actor Actor
		switch c.GetHeader("X-Test-User") {
		case "teacher":
			actor = f.teacher
		case "admin":
			actor = f.admin
		case "studentA":
			actor = f.studentA
		default:
			actor = f.outsider
		}
		c.Set(middleware.ContextUserID, actor.UserID)
		c.Set(middleware.ContextUserRole, actor.Role)
		c.Next()
	})
	NewHandler(f.svc).Register(g, 5*time.Second)
	return r
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

func do(t *testing.T, r *gin.Engine, method, path, user string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestHandler_SessionFlow(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)

	w, env := do(t, r, http.MethodPost, "/live/sessions", "teacher", gin.H{
		"courseId":     f.course.ID.String(),
		"title":        "Interfaces",
		"scheduledFor": t0.Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created CreateResult
	require.NoError(t, json.Unmarshal(env.Data, &created))
	assert.NotEmpty(t, created.HostSecret)
	id := created.Session.ID.String()

	w, env = do(t, r, http.MethodPost, "/live/sessions/"+id+"/join", "studentA", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "CONFLICT", env.Code)

	w, _ = do(t, r, http.MethodPatch, "/live/sessions/"+id, "teacher", gin.H{"status": "live"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env = do(t, r, http.MethodPost, "/live/sessions/"+id+"/join", "studentA", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var join JoinResult
	require.NoError(t, json.Unmarshal(env.Data, &join))
	require.NotNil(t, join.Signaling)
	assert.Equal(t, int64(15000), join.HeartbeatIntervalMs)

	f.clock.Advance(10 * time.Minute)
	w, env = do(t, r, http.MethodPost, "/live/sessions/"+id+"/ping", "studentA", gin.H{"elapsedMs": 600000})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var ping struct {
		Stats Stats `json:"stats"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &ping))
	assert.Equal(t, 17, ping.Stats.AttendancePercentage)

	// a negative client delta is floored, not rejected
	w, env = do(t, r, http.MethodPost, "/live/sessions/"+id+"/ping", "studentA", gin.H{"elapsedMs": -1})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, &ping))
	assert.Equal(t, int64(600000), ping.Stats.AccumulatedWatchTimeMs)

	w, env = do(t, r, http.MethodPost, "/live/sessions/"+id+"/leave", "studentA", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(env.Data, &ping))
	assert.Equal(t, int64(600000), ping.Stats.AccumulatedWatchTimeMs)

	w, _ = do(t, r, http.MethodGet, "/live/sessions/"+id+"/attendance", "teacher", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w, env = do(t, r, http.MethodPost, "/live/sessions/"+id+"/attendance/export", "teacher", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "UNAVAILABLE", env.Code)

	w, _ = do(t, r, http.MethodPatch, "/live/sessions/"+id, "teacher", gin.H{"status": "ended"})
	require.Equal(t, http.StatusOK, w.Code)
	w, _ = do(t, r, http.MethodPatch, "/live/sessions/"+id, "teacher", gin.H{"status": "ended"})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_Validation(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)

	cases := []struct {
		name string
		body gin.H
	}{
		{"missing course", gin.H{"title": "x", "scheduledFor": t0}},
		{"blank title", gin.H{"courseId": f.course.ID.String(), "title": "   ", "scheduledFor": t0}},
		{"bad provider", gin.H{"courseId": f.course.ID.String(), "title": "x", "provider": "teams", "scheduledFor": t0}},
		{"bad duration", gin.H{"courseId": f.course.ID.String(), "title": "x", "durationMinutes": -1, "scheduledFor": t0}},
		{"zero duration", gin.H{"courseId": f.course.ID.String(), "title": "x", "durationMinutes": 0, "scheduledFor": t0}},
		{"no schedule", gin.H{"courseId": f.course.ID.String(), "title": "x"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w, env := do(t, r, http.MethodPost, "/live/sessions", "teacher", tc.body)
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
			assert.Equal(t, "BAD_REQUEST", env.Code)
		})
	}

	res := f.create(t, nil)
	w, env := do(t, r, http.MethodPatch, "/live/sessions/"+res.Session.ID.String(), "teacher", gin.H{"status": "paused"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, env.Error, "status")

	w, _ = do(t, r, http.MethodGet, "/live/sessions/not-a-uuid", "teacher", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_RoleGate(t *testing.T) {
	f := newFixture(t)
	r := newTestRouter(f)

	w, _ := do(t, r, http.MethodGet, "/live/sessions", "studentA", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	res := f.live(t, nil)
	w, _ = do(t, r, http.MethodPost, "/live/sessions/"+res.Session.ID.String()+"/participants/"+f.studentA.UserID.String()+"/kick", "studentA", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w, _ = do(t, r, http.MethodPost, "/live/sessions/"+res.Session.ID.String()+"/participants/"+f.studentA.UserID.String()+"/media", "teacher", gin.H{"audio": false})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = do(t, r, http.MethodPost, "/live/sessions/"+res.Session.ID.String()+"/participants/"+f.studentA.UserID.String()+"/media", "teacher", gin.H{"audio": false, "video": true})
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w, env := do(t, r, http.MethodGet, "/live/courses/go-101/active", "studentA", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, string(env.Data), res.Session.ID.String())

	w, _ = do(t, r, http.MethodGet, "/live/courses/go-101/active", "outsider", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
