// Package server exposes the epicline engine over HTTP. Conversational turns
// stream as server-sent events; everything else is plain JSON with a uniform
// error envelope.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/danielgtaylor/huma/v2/sse"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"epicline/internal/engine"
	"epicline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Log      zerolog.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"proposal_pending"`
	Message string         `json:"message" example:"pending proposal must be resolved first"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the epicline API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(requestLogger(cfg.Log))
	hcfg := huma.DefaultConfig("Epicline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerEpics(group, cfg.Engine)
	registerConversation(group, cfg.Engine, cfg.Log)
	registerProposals(group, cfg.Engine)
	registerLogs(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			log.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Dur("elapsed", time.Since(start)).
				Msg("request")
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrLocked):
		return newAPIError(http.StatusConflict, "locked", err.Error(), nil)
	case errors.Is(err, engine.ErrProposalPending):
		return newAPIError(http.StatusConflict, "proposal_pending", err.Error(), nil)
	case errors.Is(err, engine.ErrStaleProposal):
		return newAPIError(http.StatusConflict, "stale_proposal", err.Error(), nil)
	case errors.Is(err, engine.ErrModelCall):
		return newAPIError(http.StatusBadGateway, "model_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "empty") ||
		strings.Contains(lowered, "exceeds") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusBadGateway:
		return "model_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerEpics(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-epic",
		Method:        http.MethodPost,
		Path:          "/epics",
		Summary:       "Create epic",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateEpicRequest `json:"body"`
	}) (*struct {
		Body EpicResponse `json:"body"`
	}, error) {
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		owner := ""
		if input.Body.OwnerID != nil {
			owner = *input.Body.OwnerID
		}
		ep, err := e.CreateEpic(ctx, input.Body.Title, owner)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EpicResponse `json:"body"`
		}{Body: epicResponse(ep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-epics",
		Method:      http.MethodGet,
		Path:        "/epics",
		Summary:     "List epics",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		OwnerID string `query:"owner_id"`
		Stage   string `query:"stage"`
		Limit   int    `query:"limit"`
		Cursor  string `query:"cursor"`
	}) (*struct {
		Body EpicListResponse `json:"body"`
	}, error) {
		filters := repo.EpicFilters{OwnerID: input.OwnerID, Stage: input.Stage, Limit: input.Limit}
		if filters.Limit <= 0 || filters.Limit > 100 {
			filters.Limit = 50
		}
		if input.Cursor != "" {
			createdAt, id, ok := strings.Cut(input.Cursor, ",")
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", nil)
			}
			filters.CursorCreatedAt = createdAt
			filters.CursorID = id
		}
		items, err := e.ListEpics(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := EpicListResponse{Items: mapEpics(items)}
		if len(items) == filters.Limit {
			last := items[len(items)-1]
			resp.NextCursor = last.CreatedAt + "," + last.ID
		}
		return &struct {
			Body EpicListResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-epic",
		Method:      http.MethodGet,
		Path:        "/epics/{epic_id}",
		Summary:     "Get epic with snapshot and pending proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
	}) (*struct {
		Body EpicDetailResponse `json:"body"`
	}, error) {
		detail, err := e.GetEpic(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EpicDetailResponse `json:"body"`
		}{Body: detailResponse(detail)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-epic",
		Method:        http.MethodDelete,
		Path:          "/epics/{epic_id}",
		Summary:       "Delete epic and all its records",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
	}) (*struct{}, error) {
		if err := e.DeleteEpic(ctx, input.EpicID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

// registerConversation wires the streaming turn endpoint. Because the
// response is an event stream, precondition failures are delivered as a
// terminal "error" event rather than an HTTP status.
func registerConversation(api huma.API, e *engine.Engine, log zerolog.Logger) {
	sse.Register(api, huma.Operation{
		OperationID: "submit-message",
		Method:      http.MethodPost,
		Path:        "/epics/{epic_id}/messages",
		Summary:     "Submit a user message and stream the model's reply",
	}, map[string]any{
		"chunk":            ChunkEvent{},
		"assistant_text":   TranscriptEventResponse{},
		"pending_proposal": ProposalResponse{},
		"error":            apiErrorBody{},
	}, func(ctx context.Context, input *struct {
		EpicID string               `path:"epic_id"`
		Body   SubmitMessageRequest `json:"body"`
	}, send sse.Sender) {
		turn, err := e.SubmitMessage(ctx, input.EpicID, input.Body.Content)
		if err != nil {
			send.Data(errorEventBody(err))
			return
		}
		for ev := range turn.Events() {
			switch {
			case ev.Chunk != "":
				if err := send.Data(ChunkEvent{Text: ev.Chunk}); err != nil {
					return
				}
			case ev.Assistant != nil:
				send.Data(transcriptEventResponse(*ev.Assistant))
			case ev.Proposal != nil:
				send.Data(proposalResponse(*ev.Proposal))
			}
		}
		if err := turn.Err(); err != nil && !errors.Is(err, context.Canceled) {
			log.Warn().Str("epic_id", input.EpicID).Err(err).Msg("turn failed")
			send.Data(errorEventBody(err))
		}
	})
}

func errorEventBody(err error) apiErrorBody {
	var ae *apiError
	if errors.As(handleError(err), &ae) {
		return ae.Body
	}
	return apiErrorBody{Code: "internal_error", Message: err.Error()}
}

func registerProposals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-proposal",
		Method:      http.MethodPost,
		Path:        "/epics/{epic_id}/proposals/{proposal_id}/resolve",
		Summary:     "Confirm or reject the pending proposal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		EpicID     string                 `path:"epic_id"`
		ProposalID string                 `path:"proposal_id"`
		Body       ResolveProposalRequest `json:"body"`
	}) (*struct {
		Body EpicDetailResponse `json:"body"`
	}, error) {
		if input.Body.Confirmed == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "confirmed is required", nil)
		}
		detail, err := e.ResolveProposal(ctx, input.EpicID, input.ProposalID, *input.Body.Confirmed)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EpicDetailResponse `json:"body"`
		}{Body: detailResponse(detail)}, nil
	})
}

func registerLogs(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-transcript",
		Method:      http.MethodGet,
		Path:        "/epics/{epic_id}/transcript",
		Summary:     "Full transcript in insertion order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
	}) (*struct {
		Body []TranscriptEventResponse `json:"body"`
	}, error) {
		items, err := e.GetTranscript(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TranscriptEventResponse `json:"body"`
		}{Body: mapTranscript(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-decisions",
		Method:      http.MethodGet,
		Path:        "/epics/{epic_id}/decisions",
		Summary:     "Decision log in insertion order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		EpicID string `path:"epic_id"`
	}) (*struct {
		Body []DecisionResponse `json:"body"`
	}, error) {
		items, err := e.GetDecisions(ctx, input.EpicID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]DecisionResponse, 0, len(items))
		for _, d := range items {
			var fields map[string]any
			if d.FieldsJSON != nil {
				if err := json.Unmarshal([]byte(*d.FieldsJSON), &fields); err != nil {
					return nil, handleError(fmt.Errorf("decision %d fields: %w", d.ID, err))
				}
			}
			out = append(out, decisionResponse(d, fields))
		}
		return &struct {
			Body []DecisionResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Epicline API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}
