// Package lms is a thin REST client for the LMS web-service endpoint that
// receives course content chunks. It provides the submit function the chunk
// scheduler drives; chunking itself happens upstream.
package lms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sijadev/chunkflow/internal/domain"
)

// ChunkActivity is one activity inside a content chunk.
type ChunkActivity struct {
	Name    string          `json:"name"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content,omitempty"`
}

// Chunk is one bounded slice of course content, as produced by the upstream
// transcript chunker.
type Chunk struct {
	Section    string          `json:"section,omitempty"`
	Summary    string          `json:"summary,omitempty"`
	Activities []ChunkActivity `json:"activities"`
}

// ActivityCount lets the scheduler size-prioritize chunks.
func (c Chunk) ActivityCount() int { return len(c.Activities) }

type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

func NewClient(baseURL, token string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		hc:      &http.Client{Timeout: timeout},
	}
}

type submitRequest struct {
	CourseID string `json:"course_id"`
	Chunk    Chunk  `json:"chunk"`
}

type submitResponse struct {
	Success  bool             `json:"success"`
	Message  string           `json:"message"`
	Sections []domain.Section `json:"sections"`
}

// Submit posts one chunk to the LMS. Any transport error, non-2xx status or
// success=false response is reported as an error; the scheduler treats them
// all as the same retryable failure class.
func (c *Client) Submit(ctx context.Context, courseID string, chunk Chunk) (domain.Result, error) {
	body, err := json.Marshal(submitRequest{CourseID: courseID, Chunk: chunk})
	if err != nil {
		return domain.Result{}, fmt.Errorf("encode chunk: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/webservice/course/chunks", bytes.NewReader(body))
	if err != nil {
		return domain.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return domain.Result{}, fmt.Errorf("submit chunk: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.Result{}, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return domain.Result{}, fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var sr submitResponse
	if err := json.Unmarshal(respBody, &sr); err != nil {
		return domain.Result{}, fmt.Errorf("decode response: %w", err)
	}
	if !sr.Success {
		return domain.Result{}, fmt.Errorf("remote rejected chunk: %s", sr.Message)
	}
	return domain.Result{Message: sr.Message, Sections: sr.Sections}, nil
}
