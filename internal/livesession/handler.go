package livesession

import (
	"errors"
	"io"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/aura-learn/liveclass/internal/middleware"
	"github.com/aura-learn/liveclass/internal/models"
	"github.com/aura-learn/liveclass/pkg/response"
)

// CreateRequest is the body for POST /live/sessions.
type CreateRequest struct {
	CourseID           string     `json:"courseId" binding:"required,uuid"`
	Title              string     `json:"title" binding:"required,notblank,max=200"`
	Description        string     `json:"description" binding:"max=5000"`
	Provider           string     `json:"provider" binding:"omitempty,oneof=webrtc zego"`
	ScheduledFor       *time.Time `json:"scheduledFor"`
	DurationMinutes    *int       `json:"durationMinutes" binding:"omitempty,min=1,max=1440"`
	Passcode           string     `json:"passcode" binding:"omitempty,min=4,max=64"`
	WaitingRoomEnabled bool       `json:"waitingRoomEnabled"`
	Locked             bool       `json:"locked"`
	MeetingURL         string     `json:"meetingUrl" binding:"omitempty,url"`
	StartNow           bool       `json:"startNow"`
}

// UpdateRequest is the body for PATCH /live/sessions/:id.
type UpdateRequest struct {
	Title              *string    `json:"title" binding:"omitempty,notblank,max=200"`
	Description        *string    `json:"description" binding:"omitempty,max=5000"`
	ScheduledFor       *time.Time `json:"scheduledFor"`
	DurationMinutes    *int       `json:"durationMinutes" binding:"omitempty,min=1,max=1440"`
	Status             *string    `json:"status" binding:"omitempty,session_status"`
	WaitingRoomEnabled *bool      `json:"waitingRoomEnabled"`
	Locked             *bool      `json:"locked"`
	Passcode           *string    `json:"passcode" binding:"omitempty,max=64"`
	RotateMeetingToken bool       `json:"rotateMeetingToken"`
	MeetingURL         string     `json:"meetingUrl" binding:"omitempty,url"`
}

// InstructorJoinRequest is the body for POST /live/sessions/:id/instructor/join.
type InstructorJoinRequest struct {
	HostSecret string `json:"hostSecret" binding:"required"`
}

// JoinRequest is the optional body for POST /live/sessions/:id/join.
type JoinRequest struct {
	Passcode string `json:"passcode"`
}

// PingRequest is the optional body for POST /live/sessions/:id/ping.
type PingRequest struct {
	ElapsedMs *int64 `json:"elapsedMs" binding:"omitempty,max=86400000"`
}

// MediaRequest is the body for POST /live/sessions/:id/participants/:pid/media.
type MediaRequest struct {
	Audio *bool `json:"audio" binding:"required"`
	Video *bool `json:"video" binding:"required"`
}

// Handler serves the live session HTTP API.
type Handler struct {
	svc *Service
}

// NewHandler creates a live session handler.
func NewHandler(svc *Service) *Handler {
	RegisterValidators()
	return &Handler{svc: svc}
}

// Register mounts the routes on a JWT-protected group. Join, ping and leave
// run under their own request timeout.
func (h *Handler) Register(g *gin.RouterGroup, requestTimeout time.Duration) {
	staff := middleware.RequireRole(models.RoleTeacher, models.RoleAdmin, models.RoleSuperAdmin)
	timeout := middleware.Timeout(requestTimeout)

	g.POST("/sessions", staff, h.Create)
	g.GET("/sessions", staff, h.List)
	g.GET("/sessions/:id", h.Get)
	g.PATCH("/sessions/:id", staff, h.Update)
	g.POST("/sessions/:id/instructor/join", staff, h.InstructorJoin)
	g.GET("/courses/:courseSlug/active", h.ActiveForCourse)
	g.POST("/sessions/:id/join", timeout, h.Join)
	g.POST("/sessions/:id/ping", timeout, h.Ping)
	g.POST("/sessions/:id/leave", timeout, h.Leave)
	g.POST("/sessions/:id/participants/:pid/media", staff, h.SetMedia)
	g.POST("/sessions/:id/participants/:pid/kick", staff, h.Kick)
	g.POST("/sessions/:id/participants/:pid/admit", staff, h.Admit)
	g.POST("/sessions/:id/participants/:pid/deny", staff, h.Deny)
	g.GET("/sessions/:id/attendance", staff, h.Attendance)
	g.POST("/sessions/:id/attendance/export", staff, h.ExportAttendance)
}

func actorFrom(c *gin.Context) Actor {
	return Actor{UserID: middleware.UserID(c), Role: middleware.UserRole(c)}
}

func parseID(c *gin.Context, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(param))
	if err != nil {
		response.BadRequest(c, "invalid "+param)
		return uuid.Nil, false
	}
	return id, true
}

// bindOptional binds a JSON body when one was sent.
func bindOptional(c *gin.Context, dst any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(c, validationMessage(err))
		return false
	}
	return true
}

// Create handles POST /live/sessions.
func (h *Handler) Create(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, validationMessage(err))
		return
	}
	in := CreateInput{
		CourseID:           uuid.MustParse(req.CourseID),
		Title:              req.Title,
		Description:        req.Description,
		Provider:           req.Provider,
		DurationMinutes:    req.DurationMinutes,
		Passcode:           req.Passcode,
		WaitingRoomEnabled: req.WaitingRoomEnabled,
		Locked:             req.Locked,
		MeetingURL:         req.MeetingURL,
		StartNow:           req.StartNow,
	}
	if req.ScheduledFor != nil {
		in.ScheduledStart = *req.ScheduledFor
	}
	res, err := h.svc.Create(c.Request.Context(), actorFrom(c), in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, res)
}

// List handles GET /live/sessions.
func (h *Handler) List(c *gin.Context) {
	list, err := h.svc.List(c.Request.Context(), actorFrom(c))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, list)
}

// Get handles GET /live/sessions/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	snap, err := h.svc.Get(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"session": snap})
}

// Update handles PATCH /live/sessions/:id.
func (h *Handler) Update(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, validationMessage(err))
		return
	}
	in := UpdateInput{
		Title:              req.Title,
		Description:        req.Description,
		ScheduledStart:     req.ScheduledFor,
		DurationMinutes:    req.DurationMinutes,
		WaitingRoomEnabled: req.WaitingRoomEnabled,
		Locked:             req.Locked,
		Passcode:           req.Passcode,
		RotateMeetingToken: req.RotateMeetingToken,
		MeetingURL:         req.MeetingURL,
	}
	if req.Status != nil {
		status := models.SessionStatus(*req.Status)
		in.Status = &status
	}
	snap, err := h.svc.Update(c.Request.Context(), actorFrom(c), id, in)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"session": snap})
}

// InstructorJoin handles POST /live/sessions/:id/instructor/join.
func (h *Handler) InstructorJoin(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req InstructorJoinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, validationMessage(err))
		return
	}
	res, err := h.svc.InstructorJoin(c.Request.Context(), actorFrom(c), id, req.HostSecret)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

// ActiveForCourse handles GET /live/courses/:courseSlug/active.
func (h *Handler) ActiveForCourse(c *gin.Context) {
	snap, err := h.svc.ActiveForCourse(c.Request.Context(), actorFrom(c), c.Param("courseSlug"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"session": snap})
}

// Join handles POST /live/sessions/:id/join.
func (h *Handler) Join(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req JoinRequest
	if !bindOptional(c, &req) {
		return
	}
	res, err := h.svc.Join(c.Request.Context(), actorFrom(c), id, req.Passcode)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}

// Ping handles POST /live/sessions/:id/ping.
func (h *Handler) Ping(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req PingRequest
	if !bindOptional(c, &req) {
		return
	}
	stats, err := h.svc.Ping(c.Request.Context(), actorFrom(c), id, req.ElapsedMs)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"stats": stats})
}

// Leave handles POST /live/sessions/:id/leave.
func (h *Handler) Leave(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	stats, err := h.svc.Leave(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"stats": stats})
}

func (h *Handler) moderation(c *gin.Context, fn func(id, pid uuid.UUID) (models.Snapshot, error)) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	pid, ok := parseID(c, "pid")
	if !ok {
		return
	}
	snap, err := fn(id, pid)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, gin.H{"session": snap})
}

// SetMedia handles POST /live/sessions/:id/participants/:pid/media.
func (h *Handler) SetMedia(c *gin.Context) {
	var req MediaRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, validationMessage(err))
		return
	}
	h.moderation(c, func(id, pid uuid.UUID) (models.Snapshot, error) {
		return h.svc.SetMedia(c.Request.Context(), actorFrom(c), id, pid, models.MediaState{Audio: *req.Audio, Video: *req.Video})
	})
}

// Kick handles POST /live/sessions/:id/participants/:pid/kick.
func (h *Handler) Kick(c *gin.Context) {
	h.moderation(c, func(id, pid uuid.UUID) (models.Snapshot, error) {
		return h.svc.Kick(c.Request.Context(), actorFrom(c), id, pid)
	})
}

// Admit handles POST /live/sessions/:id/participants/:pid/admit.
func (h *Handler) Admit(c *gin.Context) {
	h.moderation(c, func(id, pid uuid.UUID) (models.Snapshot, error) {
		return h.svc.Admit(c.Request.Context(), actorFrom(c), id, pid)
	})
}

// Deny handles POST /live/sessions/:id/participants/:pid/deny.
func (h *Handler) Deny(c *gin.Context) {
	h.moderation(c, func(id, pid uuid.UUID) (models.Snapshot, error) {
		return h.svc.Deny(c.Request.Context(), actorFrom(c), id, pid)
	})
}

// Attendance handles GET /live/sessions/:id/attendance.
func (h *Handler) Attendance(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	report, err := h.svc.Attendance(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, report)
}

// ExportAttendance handles POST /live/sessions/:id/attendance/export.
func (h *Handler) ExportAttendance(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	res, err := h.svc.ExportAttendance(c.Request.Context(), actorFrom(c), id)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.OK(c, res)
}
