package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"epicline/internal/config"
	"epicline/internal/db"
	"epicline/internal/engine"
	"epicline/internal/extract"
	"epicline/internal/llm"
	"epicline/internal/migrate"
)

type scriptedTurn struct {
	chunks []string
	err    error
}

type fakeModel struct {
	turns []scriptedTurn
	calls int
}

func (m *fakeModel) script(chunks ...string) {
	m.turns = append(m.turns, scriptedTurn{chunks: chunks})
}

func (m *fakeModel) Stream(ctx context.Context, req llm.Request) (*llm.Stream, error) {
	turn := m.turns[m.calls]
	m.calls++
	st := llm.NewStream(len(turn.chunks) + 1)
	go func() {
		for _, c := range turn.chunks {
			if err := st.Send(ctx, c); err != nil {
				st.Close(err)
				return
			}
		}
		st.Close(turn.err)
	}()
	return st, nil
}

func newTestServer(t *testing.T) (*httptest.Server, *fakeModel) {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	model := &fakeModel{}
	e := engine.New(conn, config.Default(), model, zerolog.Nop())
	e.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	handler, err := New(Config{Engine: e, BasePath: "/v0", Log: zerolog.Nop()})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return srv, model
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

type sseEvent struct {
	Event string
	Data  string
}

// streamTurn posts a message and reads the whole SSE response.
func streamTurn(t *testing.T, url, content string) []sseEvent {
	t.Helper()
	body, _ := json.Marshal(map[string]any{"content": content})
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(res.Body)
		t.Fatalf("stream status %d: %s", res.StatusCode, string(b))
	}

	var events []sseEvent
	cur := sseEvent{}
	scanner := bufio.NewScanner(res.Body)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur.Data != "" {
				events = append(events, cur)
			}
			cur = sseEvent{}
		case strings.HasPrefix(line, "event:"):
			cur.Event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			cur.Data += strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read stream: %v", err)
	}
	if cur.Data != "" {
		events = append(events, cur)
	}
	return events
}

func proposalBlock(t *testing.T, id, target string, fields map[string]any) string {
	t.Helper()
	b, err := json.Marshal(map[string]any{
		"proposal_id":   id,
		"content":       "Proposed wording.",
		"target_stage":  target,
		"target_fields": fields,
	})
	if err != nil {
		t.Fatalf("marshal block: %v", err)
	}
	return extract.OpenMarker + string(b) + extract.CloseMarker
}

func createEpic(t *testing.T, baseURL string) string {
	t.Helper()
	res, data := doJSON(t, http.MethodPost, baseURL+"/v0/epics", map[string]any{"title": "Checkout revamp"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create epic status %d: %s", res.StatusCode, string(data))
	}
	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal epic: %v", err)
	}
	return created.ID
}

func TestEpicLifecycleOverHTTP(t *testing.T) {
	srv, model := newTestServer(t)
	epicID := createEpic(t, srv.URL)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/epics/"+epicID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get epic status %d: %s", res.StatusCode, string(data))
	}
	var detail struct {
		Epic struct {
			Stage string `json:"stage"`
		} `json:"epic"`
	}
	_ = json.Unmarshal(data, &detail)
	if detail.Epic.Stage != "problem_capture" {
		t.Fatalf("stage %s", detail.Epic.Stage)
	}

	model.script("Noted. ", proposalBlock(t, "p-1", "problem_confirmed",
		map[string]any{"problem_statement": "Carts are lost."}))
	events := streamTurn(t, srv.URL+"/v0/epics/"+epicID+"/messages", "that's the problem")
	if len(events) < 2 {
		t.Fatalf("expected chunk + terminal events, got %+v", events)
	}
	if events[0].Event != "chunk" {
		t.Fatalf("first event %q", events[0].Event)
	}
	last := events[len(events)-1]
	if last.Event != "pending_proposal" {
		t.Fatalf("terminal event %q: %s", last.Event, last.Data)
	}
	var proposal struct {
		ID string `json:"id"`
	}
	_ = json.Unmarshal([]byte(last.Data), &proposal)
	if proposal.ID != "p-1" {
		t.Fatalf("proposal id %q", proposal.ID)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/epics/"+epicID+"/proposals/p-1/resolve",
		map[string]any{"confirmed": true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve status %d: %s", res.StatusCode, string(data))
	}
	var resolved struct {
		Epic struct {
			Stage string `json:"stage"`
		} `json:"epic"`
		Snapshot struct {
			ProblemLocked bool `json:"problem_locked"`
		} `json:"snapshot"`
	}
	_ = json.Unmarshal(data, &resolved)
	if resolved.Epic.Stage != "problem_confirmed" || !resolved.Snapshot.ProblemLocked {
		t.Fatalf("resolve result: %s", string(data))
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, _ := newTestServer(t)

	res, data := doJSON(t, http.MethodGet, srv.URL+"/v0/epics/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code %q", envelope.Error.Code)
	}

	res, data = doJSON(t, http.MethodPost, srv.URL+"/v0/epics", map[string]any{"title": ""})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestPendingProposalBlocksStreamWithErrorEvent(t *testing.T) {
	srv, model := newTestServer(t)
	epicID := createEpic(t, srv.URL)

	model.script(proposalBlock(t, "p-1", "problem_confirmed",
		map[string]any{"problem_statement": "s"}))
	streamTurn(t, srv.URL+"/v0/epics/"+epicID+"/messages", "first")

	events := streamTurn(t, srv.URL+"/v0/epics/"+epicID+"/messages", "second")
	if len(events) != 1 || events[0].Event != "error" {
		t.Fatalf("expected single error event, got %+v", events)
	}
	var envelope struct {
		Code string `json:"code"`
	}
	_ = json.Unmarshal([]byte(events[0].Data), &envelope)
	if envelope.Code != "proposal_pending" {
		t.Fatalf("code %q", envelope.Code)
	}

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/epics/"+epicID+"/proposals/p-0/resolve",
		map[string]any{"confirmed": false})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("stale resolve status %d: %s", res.StatusCode, string(data))
	}
	var envelope2 struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope2)
	if envelope2.Error.Code != "stale_proposal" {
		t.Fatalf("code %q", envelope2.Error.Code)
	}
}

func TestResolveRequiresVerdict(t *testing.T) {
	srv, model := newTestServer(t)
	epicID := createEpic(t, srv.URL)
	model.script(proposalBlock(t, "p-1", "problem_confirmed",
		map[string]any{"problem_statement": "s"}))
	streamTurn(t, srv.URL+"/v0/epics/"+epicID+"/messages", "go")

	res, data := doJSON(t, http.MethodPost, srv.URL+"/v0/epics/"+epicID+"/proposals/p-1/resolve",
		map[string]any{})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}
