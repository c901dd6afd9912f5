// Package server exposes the HTTP API: webhook intake plus read and command
// surfaces over items, reviews, events, and dead letters.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"crewline/internal/domain"
	"crewline/internal/engine"
	"crewline/internal/ingress"
	"crewline/internal/state"
	"crewline/internal/store"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid transition in_review -> merged"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Crewline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
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
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Crewline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group, cfg.Engine)
	registerHooks(group, cfg.Engine)
	registerItems(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerDeadLetters(group, cfg.Engine)

	return router, nil
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
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, store.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	var invalid *state.InvalidTransitionError
	if errors.As(err, &invalid) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{
			"from": invalid.From,
			"to":   invalid.To,
		})
	}
	var malformed *ingress.MalformedEventError
	if errors.As(err, &malformed) {
		return newAPIError(http.StatusBadRequest, "malformed_event", err.Error(), map[string]any{
			"source": malformed.Source,
		})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "cycle") || strings.Contains(lowered, "cannot") {
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "healthz",
		Method:      http.MethodGet,
		Path:        "/healthz",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := e.DB.PingContext(ctx); err != nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "store_unavailable", err.Error(), nil)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerHooks(api huma.API, e engine.Engine) {
	in := ingress.New(e.Store)

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-host-hook",
		Method:        http.MethodPost,
		Path:          "/hooks/host",
		Summary:       "Ingest a host webhook delivery",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		DeliveryID string `header:"X-Crewline-Delivery"`
		RawBody    []byte
	}) (*struct {
		Body HookAcceptedResponse `json:"body"`
	}, error) {
		accepted, err := in.IngestHost(ctx, input.DeliveryID, input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HookAcceptedResponse `json:"body"`
		}{Body: HookAcceptedResponse{Accepted: true, Duplicate: !accepted}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "ingest-ci-hook",
		Method:        http.MethodPost,
		Path:          "/hooks/ci",
		Summary:       "Ingest a CI result callback",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		RawBody []byte
	}) (*struct {
		Body HookAcceptedResponse `json:"body"`
	}, error) {
		accepted, err := in.IngestCI(ctx, input.RawBody)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body HookAcceptedResponse `json:"body"`
		}{Body: HookAcceptedResponse{Accepted: true, Duplicate: !accepted}}, nil
	})
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-epic",
		Method:        http.MethodPost,
		Path:          "/epics",
		Summary:       "Submit an epic",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body SubmitEpicRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := e.SubmitEpic(ctx, input.Body.Title, input.Body.Description, input.Body.AcceptanceCriteria)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-item",
		Method:        http.MethodPost,
		Path:          "/items",
		Summary:       "Create a work item",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body CreateItemRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := e.CreateItem(ctx, engine.CreateItemOptions{
			Type:               input.Body.Type,
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			ParentID:           input.Body.ParentID,
			AssignedTo:         input.Body.AssignedTo,
			Priority:           input.Body.Priority,
			StoryPoints:        input.Body.StoryPoints,
			Labels:             input.Body.Labels,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-items",
		Method:      http.MethodGet,
		Path:        "/items",
		Summary:     "List work items",
	}, func(ctx context.Context, input *struct {
		Type     string `query:"type"`
		Status   string `query:"status"`
		ParentID string `query:"parent_id"`
		Limit    int    `query:"limit"`
	}) (*struct {
		Body ItemListResponse `json:"body"`
	}, error) {
		items, err := e.Store.ListItems(ctx, store.ItemFilters{
			Type:     input.Type,
			Status:   input.Status,
			ParentID: input.ParentID,
			Limit:    input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ItemListResponse `json:"body"`
		}{Body: ItemListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item",
		Method:      http.MethodGet,
		Path:        "/items/{id}",
		Summary:     "Get a work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		item, err := e.Store.GetItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-item",
		Method:      http.MethodPost,
		Path:        "/items/{id}/transition",
		Summary:     "Transition a work item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body TransitionRequest `json:"body"`
	}) (*struct {
		Body domain.WorkItem `json:"body"`
	}, error) {
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		item, err := e.TransitionItem(ctx, input.ID, input.Body.To, input.Body.Version, 0)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WorkItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-item-reviews",
		Method:      http.MethodGet,
		Path:        "/items/{id}/reviews",
		Summary:     "Review bundle and verdict for a work item",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ReviewSummaryResponse `json:"body"`
	}, error) {
		item, err := e.Store.GetItem(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		outcome, err := e.Aggregate(ctx, item.ID)
		if err != nil {
			return nil, handleError(err)
		}
		responses, err := e.Store.ListReviewResponses(ctx, item.ID)
		if err != nil {
			return nil, handleError(err)
		}
		ci, err := e.Store.GetCIStatus(ctx, item.ID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := ReviewSummaryResponse{
			SubjectID: item.ID,
			Required:  e.Config.RequiredReviewers(item.Type),
			CI:        ci,
			Verdict:   outcome.Verdict,
			Reasoning: outcome.Reasoning,
			Responses: responses,
		}
		if round, err := e.Store.GetReviewRound(ctx, item.ID); err == nil {
			resp.Required = round.Required
			resp.Deadline = round.Deadline
		}
		return &struct {
			Body ReviewSummaryResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-review",
		Method:        http.MethodPost,
		Path:          "/items/{id}/reviews",
		Summary:       "Submit a reviewer response",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body SubmitReviewRequest `json:"body"`
	}) (*struct {
		Body domain.ReviewResponse `json:"body"`
	}, error) {
		if input.Body.ReviewerRole == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reviewer_role is required", nil)
		}
		resp, err := e.SubmitReview(ctx, input.ID, input.Body.ReviewerRole, domain.ReviewResponse{
			Decision:        input.Body.Decision,
			Reasoning:       input.Body.Reasoning,
			Artifacts:       input.Body.Artifacts,
			FollowUpActions: input.Body.FollowUpActions,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
	}, func(ctx context.Context, input *struct {
		Kind      string `query:"kind"`
		SubjectID string `query:"subject_id"`
		Limit     int    `query:"limit"`
		After     int64  `query:"after"`
	}) (*struct {
		Body EventListResponse `json:"body"`
	}, error) {
		events, err := e.Store.ListEvents(ctx, store.EventFilters{
			Kind:      input.Kind,
			SubjectID: input.SubjectID,
			Limit:     input.Limit,
			After:     input.After,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventListResponse `json:"body"`
		}{Body: EventListResponse{Items: events}}, nil
	})
}

func registerDeadLetters(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-deadletters",
		Method:      http.MethodGet,
		Path:        "/deadletters",
		Summary:     "List dead-lettered deliveries",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit"`
	}) (*struct {
		Body DeadLetterListResponse `json:"body"`
	}, error) {
		letters, err := e.Store.ListDeadLetters(ctx, input.Limit)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeadLetterListResponse `json:"body"`
		}{Body: DeadLetterListResponse{Items: letters}}, nil
	})
}
