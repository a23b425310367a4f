package livesession

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-learn/liveclass/internal/apperrors"
	"github.com/aura-learn/liveclass/internal/models"
	"github.com/aura-learn/liveclass/pkg/storage"
)

// ExportStore receives attendance CSVs and signs download links.
type ExportStore interface {
	Put(ctx context.Context, key, contentType string, body io.Reader) error
	PresignGet(ctx context.Context, key string) (string, time.Time, error)
}

// AttendanceRow is one participant's line in the attendance report.
type AttendanceRow struct {
	ParticipantID          uuid.UUID                `json:"participantId"`
	Status                 models.ParticipantStatus `json:"status"`
	AccumulatedWatchTimeMs int64                    `json:"accumulatedWatchTimeMs"`
	AttendancePercentage   int                      `json:"attendancePercentage"`
	Intervals              int                      `json:"intervals"`
	FirstJoinedAt          *time.Time               `json:"firstJoinedAt"`
	LastLeftAt             *time.Time               `json:"lastLeftAt"`
}

// AttendanceReport summarizes watch time for a session.
type AttendanceReport struct {
	SessionID           uuid.UUID            `json:"sessionId"`
	Title               string               `json:"title"`
	Status              models.SessionStatus `json:"status"`
	ExpectedWatchTimeMs int64                `json:"expectedWatchTimeMs"`
	ActualStart         *time.Time           `json:"actualStart"`
	ActualEnd           *time.Time           `json:"actualEnd"`
	Rows                []AttendanceRow      `json:"rows"`
}

// ExportResult points at an uploaded attendance CSV.
type ExportResult struct {
	Key       string    `json:"key"`
	URL       string    `json:"url"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func buildReport(ls *models.LiveSession) AttendanceReport {
	snap := ls.Snapshot()
	report := AttendanceReport{
		SessionID:           snap.ID,
		Title:               snap.Title,
		Status:              snap.Status,
		ExpectedWatchTimeMs: snap.ExpectedWatchTimeMs,
		ActualStart:         snap.ActualStart,
		ActualEnd:           snap.ActualEnd,
		Rows:                make([]AttendanceRow, 0, len(snap.Participants)),
	}
	for _, p := range snap.Participants {
		row := AttendanceRow{
			ParticipantID:          p.ID,
			Status:                 p.Status,
			AccumulatedWatchTimeMs: p.AccumulatedWatchTimeMs,
			AttendancePercentage:   p.AttendancePercentage,
			Intervals:              len(p.JoinEvents),
		}
		if len(p.JoinEvents) > 0 {
			first := p.JoinEvents[0].JoinedAt
			row.FirstJoinedAt = &first
			row.LastLeftAt = p.JoinEvents[len(p.JoinEvents)-1].LeftAt
		}
		report.Rows = append(report.Rows, row)
	}
	return report
}

// Attendance returns the per-participant report for a session.
func (s *Service) Attendance(ctx context.Context, actor Actor, id uuid.UUID) (AttendanceReport, error) {
	ls, err := s.load(ctx, id)
	if err != nil {
		return AttendanceReport{}, err
	}
	if !actor.canManage(ls) {
		return AttendanceReport{}, apperrors.Forbidden("only the session owner can view attendance")
	}
	return buildReport(ls), nil
}

// ExportAttendance uploads the report as CSV and returns a signed link.
func (s *Service) ExportAttendance(ctx context.Context, actor Actor, id uuid.UUID) (*ExportResult, error) {
	if s.exports == nil {
		return nil, apperrors.Unavailable("attendance export storage is not configured")
	}
	report, err := s.Attendance(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := writeCSV(&buf, report); err != nil {
		return nil, fmt.Errorf("encode attendance csv: %w", err)
	}
	key := storage.AttendanceKey(id.String(), s.now())
	if err := s.exports.Put(ctx, key, "text/csv", &buf); err != nil {
		return nil, apperrors.UpstreamFailure("object storage", err)
	}
	url, expires, err := s.exports.PresignGet(ctx, key)
	if err != nil {
		return nil, apperrors.UpstreamFailure("object storage", err)
	}
	s.logger.Info("attendance exported", zap.String("session_id", id.String()), zap.String("key", key))
	return &ExportResult{Key: key, URL: url, ExpiresAt: expires}, nil
}

func writeCSV(w io.Writer, r AttendanceReport) error {
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"participant_id", "status", "watch_time_ms", "attendance_percentage", "intervals", "first_joined_at", "last_left_at"})
	for _, row := range r.Rows {
		_ = cw.Write([]string{
			row.ParticipantID.String(),
			string(row.Status),
			strconv.FormatInt(row.AccumulatedWatchTimeMs, 10),
			strconv.Itoa(row.AttendancePercentage),
			strconv.Itoa(row.Intervals),
			formatTime(row.FirstJoinedAt),
			formatTime(row.LastLeftAt),
		})
	}
	cw.Flush()
	return cw.Error()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
