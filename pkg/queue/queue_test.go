package queue

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJob(t *testing.T) {
	sessionID := uuid.New()
	job, err := NewJob(QueueEmails, JobTypeEmail, EmailPayload{
		Kind:           "session_live",
		SessionID:      sessionID,
		RecipientEmail: "ada@example.com",
	})
	require.NoError(t, err)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, QueueEmails, job.Queue)
	assert.Equal(t, 0, job.Attempt)

	var payload EmailPayload
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	assert.Equal(t, sessionID, payload.SessionID)
	assert.Equal(t, "ada@example.com", payload.RecipientEmail)
}

func TestNewJob_UnencodablePayload(t *testing.T) {
	_, err := NewJob(QueueEmails, JobTypeEmail, make(chan int))
	assert.Error(t, err)
}
