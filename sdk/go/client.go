// Package epiclinesdk is a minimal Epicline HTTP API client, including a
// reader for the streamed conversational turn endpoint.
package epiclinesdk

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Epicline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Epic represents the API epic model.
type Epic struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	OwnerID   string `json:"owner_id"`
	Stage     string `json:"stage"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Snapshot holds the epic's fields and their lock state.
type Snapshot struct {
	ProblemStatement   string   `json:"problem_statement,omitempty"`
	ProblemLocked      bool     `json:"problem_locked"`
	DesiredOutcome     string   `json:"desired_outcome,omitempty"`
	OutcomeLocked      bool     `json:"outcome_locked"`
	EpicSummary        string   `json:"epic_summary,omitempty"`
	AcceptanceCriteria []string `json:"acceptance_criteria,omitempty"`
	SummaryLocked      bool     `json:"summary_locked"`
	UpdatedAt          string   `json:"updated_at"`
}

// Proposal is a model-emitted suggestion awaiting the user's verdict.
type Proposal struct {
	ID          string         `json:"id"`
	EpicID      string         `json:"epic_id"`
	Content     string         `json:"content"`
	TargetStage string         `json:"target_stage"`
	Fields      map[string]any `json:"fields"`
	CreatedAt   string         `json:"created_at"`
}

// EpicDetail is an epic with its snapshot and pending proposal.
type EpicDetail struct {
	Epic            Epic      `json:"epic"`
	Snapshot        Snapshot  `json:"snapshot"`
	PendingProposal *Proposal `json:"pending_proposal,omitempty"`
}

// TranscriptEvent is one conversation log entry.
type TranscriptEvent struct {
	ID      int64  `json:"id"`
	EpicID  string `json:"epic_id"`
	Role    string `json:"role"`
	Content string `json:"content"`
	Stage   string `json:"stage"`
	TS      string `json:"ts"`
}

// Decision is one decision log entry.
type Decision struct {
	ID         int64          `json:"id"`
	EpicID     string         `json:"epic_id"`
	Type       string         `json:"type"`
	ProposalID *string        `json:"proposal_id,omitempty"`
	FromStage  string         `json:"from_stage"`
	ToStage    *string        `json:"to_stage,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	TS         string         `json:"ts"`
}

// PaginatedEpics wraps list responses with cursors.
type PaginatedEpics struct {
	Items      []Epic `json:"items"`
	NextCursor string `json:"next_cursor"`
}

// APIError wraps non-2xx responses and streamed error events.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: code=%s message=%s", e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreateEpic creates an epic.
func (c *Client) CreateEpic(ctx context.Context, title, ownerID string) (Epic, error) {
	body := map[string]any{"title": title}
	if ownerID != "" {
		body["owner_id"] = ownerID
	}
	var resp Epic
	err := c.do(ctx, http.MethodPost, "v0/epics", body, &resp)
	return resp, err
}

// Epics returns a page of epics.
func (c *Client) Epics(ctx context.Context, limit int, cursor string) (PaginatedEpics, error) {
	endpoint := "v0/epics"
	params := url.Values{}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		params.Set("cursor", cursor)
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp PaginatedEpics
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetEpic fetches an epic with snapshot and pending proposal.
func (c *Client) GetEpic(ctx context.Context, epicID string) (EpicDetail, error) {
	var resp EpicDetail
	err := c.do(ctx, http.MethodGet, c.epicPath(epicID, ""), nil, &resp)
	return resp, err
}

// DeleteEpic removes an epic and all its records.
func (c *Client) DeleteEpic(ctx context.Context, epicID string) error {
	return c.do(ctx, http.MethodDelete, c.epicPath(epicID, ""), nil, nil)
}

// ResolveProposal confirms or rejects the pending proposal.
func (c *Client) ResolveProposal(ctx context.Context, epicID, proposalID string, confirmed bool) (EpicDetail, error) {
	body := map[string]any{"confirmed": confirmed}
	endpoint := c.epicPath(epicID, fmt.Sprintf("proposals/%s/resolve", url.PathEscape(proposalID)))
	var resp EpicDetail
	err := c.do(ctx, http.MethodPost, endpoint, body, &resp)
	return resp, err
}

// Transcript returns the full transcript in insertion order.
func (c *Client) Transcript(ctx context.Context, epicID string) ([]TranscriptEvent, error) {
	var resp []TranscriptEvent
	err := c.do(ctx, http.MethodGet, c.epicPath(epicID, "transcript"), nil, &resp)
	return resp, err
}

// Decisions returns the decision log in insertion order.
func (c *Client) Decisions(ctx context.Context, epicID string) ([]Decision, error) {
	var resp []Decision
	err := c.do(ctx, http.MethodGet, c.epicPath(epicID, "decisions"), nil, &resp)
	return resp, err
}

// TurnHandler receives the events of one streamed conversational turn. Nil
// callbacks are skipped.
type TurnHandler struct {
	OnChunk     func(text string)
	OnAssistant func(ev TranscriptEvent)
	OnProposal  func(p Proposal)
}

// SubmitMessage sends one user message and consumes the server-sent event
// stream until the turn ends. A streamed "error" event is returned as an
// *APIError.
func (c *Client) SubmitMessage(ctx context.Context, epicID, content string, h TurnHandler) error {
	body, err := json.Marshal(map[string]any{"content": content})
	if err != nil {
		return err
	}
	endpoint := c.base() + "/" + c.epicPath(epicID, "messages")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	// Streaming must not be bounded by the client-level timeout.
	client := &http.Client{Transport: c.httpClient().Transport}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	return readTurnStream(resp.Body, h)
}

func readTurnStream(r io.Reader, h TurnHandler) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	event := ""
	var data strings.Builder
	dispatch := func() error {
		defer func() {
			event = ""
			data.Reset()
		}()
		if data.Len() == 0 {
			return nil
		}
		payload := data.String()
		switch event {
		case "", "chunk":
			var chunk struct {
				Text string `json:"text"`
			}
			if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
				return err
			}
			if h.OnChunk != nil {
				h.OnChunk(chunk.Text)
			}
		case "assistant_text":
			var ev TranscriptEvent
			if err := json.Unmarshal([]byte(payload), &ev); err != nil {
				return err
			}
			if h.OnAssistant != nil {
				h.OnAssistant(ev)
			}
		case "pending_proposal":
			var p Proposal
			if err := json.Unmarshal([]byte(payload), &p); err != nil {
				return err
			}
			if h.OnProposal != nil {
				h.OnProposal(p)
			}
		case "error":
			var apiErr struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			}
			if err := json.Unmarshal([]byte(payload), &apiErr); err != nil {
				return err
			}
			return &APIError{Code: apiErr.Code, Message: apiErr.Message}
		}
		return nil
	}
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if err := dispatch(); err != nil {
				return err
			}
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return dispatch()
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	endpointURL := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, endpointURL, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	return c.HTTPClient
}

func (c *Client) epicPath(epicID, p string) string {
	base := fmt.Sprintf("v0/epics/%s", url.PathEscape(epicID))
	if p == "" {
		return base
	}
	return base + "/" + strings.TrimLeft(p, "/")
}
