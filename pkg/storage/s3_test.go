package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttendanceKey(t *testing.T) {
	at := time.Unix(1700000000, 0)
	assert.Equal(t, "attendance/abc/1700000000.csv", AttendanceKey("abc", at))
}

func TestNewS3_RequiresBucket(t *testing.T) {
	_, err := NewS3(context.Background(), S3Config{Region: "us-east-1"}, nil)
	require.Error(t, err)
}

func TestPresignExpire(t *testing.T) {
	s := &S3{cfg: S3Config{}}
	assert.Equal(t, 15*time.Minute, s.PresignExpire())
	s.cfg.PresignExpireMinutes = 5
	assert.Equal(t, 5*time.Minute, s.PresignExpire())
}
