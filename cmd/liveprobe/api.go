package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/aura-learn/liveclass/internal/livesession"
)

// apiClient talks to the /live HTTP surface with a bearer token.
type apiClient struct {
	base  string
	token string
	http  *http.Client
}

func newAPIClient(base, token string) *apiClient {
	return &apiClient{
		base:  strings.TrimRight(base, "/"),
		token: token,
		http:  &http.Client{Timeout: 15 * time.Second},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Code    string          `json:"code"`
}

// apiError is a non-2xx response.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
}

func (c *apiClient) do(ctx context.Context, method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	if resp.StatusCode >= 300 || !env.Success {
		return &apiError{Status: resp.StatusCode, Code: env.Code, Message: env.Error}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

func (c *apiClient) join(ctx context.Context, sessionID uuid.UUID, passcode string) (*livesession.JoinResult, error) {
	var res livesession.JoinResult
	body := map[string]string{}
	if passcode != "" {
		body["passcode"] = passcode
	}
	err := c.do(ctx, http.MethodPost, "/live/sessions/"+sessionID.String()+"/join", body, &res)
	return &res, err
}

func (c *apiClient) instructorJoin(ctx context.Context, sessionID uuid.UUID, hostSecret string) (*livesession.JoinResult, error) {
	var res livesession.JoinResult
	err := c.do(ctx, http.MethodPost, "/live/sessions/"+sessionID.String()+"/instructor/join",
		map[string]string{"hostSecret": hostSecret}, &res)
	return &res, err
}

type statsResponse struct {
	Stats livesession.Stats `json:"stats"`
}

func (c *apiClient) ping(ctx context.Context, sessionID uuid.UUID, elapsed time.Duration) (livesession.Stats, error) {
	var res statsResponse
	err := c.do(ctx, http.MethodPost, "/live/sessions/"+sessionID.String()+"/ping",
		map[string]int64{"elapsedMs": elapsed.Milliseconds()}, &res)
	return res.Stats, err
}

func (c *apiClient) leave(ctx context.Context, sessionID uuid.UUID) (livesession.Stats, error) {
	var res statsResponse
	err := c.do(ctx, http.MethodPost, "/live/sessions/"+sessionID.String()+"/leave", nil, &res)
	return res.Stats, err
}
