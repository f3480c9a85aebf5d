package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"taskline/internal/engine"
	"taskline/internal/graph"
	"taskline/internal/lifecycle"
	"taskline/internal/migrate"
	"taskline/internal/repo"
	"taskline/internal/suggest"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Suggest  *suggest.Manager
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"invalid status transition: completed -> pending"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"task_id\":\"t-1\"}"`
}

type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Taskline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Suggest == nil {
		cfg.Suggest = suggest.NewManager(cfg.Engine, nil)
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope above.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	hcfg := huma.DefaultConfig("Taskline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerBlocks(group, cfg.Engine)
	registerRelationships(group, cfg.Engine)
	registerLists(group, cfg.Engine, cfg.Suggest)
	registerScheduling(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerConfig(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

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
	var vb *engine.ValidationBlockedError
	if errors.As(err, &vb) {
		issues := make([]map[string]any, 0, len(vb.Issues))
		for _, issue := range vb.Issues {
			issues = append(issues, map[string]any{
				"rule_id":  issue.RuleID,
				"severity": issue.Severity,
				"message":  issue.Message,
			})
		}
		return newAPIError(http.StatusUnprocessableEntity, "validation_blocked", err.Error(), map[string]any{
			"task_id": vb.TaskID,
			"issues":  issues,
		})
	}
	var ce *graph.CycleError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusUnprocessableEntity, "dependency_cycle", err.Error(), map[string]any{"path": ce.Path})
	}
	if errors.Is(err, lifecycle.ErrInvalidTransition) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrConflict) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown") {
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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
    <title>Taskline API Docs</title>
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

func registerHealth(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		version, err := migrate.Version(e.DB)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"status": "ok", "schema_version": version}}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Submit task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Actor string            `header:"X-Actor-Id"`
		Body  SubmitTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		opts := engine.TaskCreateOptions{
			ID:             strVal(input.Body.ID),
			Title:          input.Body.Title,
			Description:    strVal(input.Body.Description),
			Category:       input.Body.Category,
			EffortMinutes:  intVal(input.Body.EffortMinutes, 0),
			Deadline:       strVal(input.Body.Deadline),
			StrategicBonus: intVal(input.Body.StrategicBonus, 0),
			ConflictSet:    input.Body.ConflictSet,
			Tests:          input.Body.Tests,
			AssigneeID:     strVal(input.Body.AssigneeID),
			ActorID:        actorOrDefault(input.Actor),
		}
		t, err := e.SubmitTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status     string `query:"status" enum:"draft,pending,blocked,in_progress,validating,failed,stale,completed,cancelled"`
		Category   string `query:"category" enum:"feature,bugfix,refactor,docs,chore,research"`
		AssigneeID string `query:"assignee_id"`
		ListID     string `query:"list_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.TaskFilters{
			Status:          input.Status,
			Category:        input.Category,
			AssigneeID:      input.AssigneeID,
			ListID:          input.ListID,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		tasks, err := e.Repo.ListTasks(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(tasks) > limit {
			tasks = tasks[:limit]
			resp.NextCursor = composeCursor(tasks[limit-1].CreatedAt, tasks[limit-1].ID)
		}
		resp.Items = mapTasks(tasks)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task fields",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID    string            `path:"id"`
		Actor string            `header:"X-Actor-Id"`
		Body  UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		opts := engine.TaskUpdateOptions{
			ID:             input.ID,
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			Category:       input.Body.Category,
			EffortMinutes:  input.Body.EffortMinutes,
			Deadline:       input.Body.Deadline,
			StrategicBonus: input.Body.StrategicBonus,
			ConflictSet:    input.Body.ConflictSet,
			Tests:          input.Body.Tests,
			Assignee:       input.Body.AssigneeID,
			ActorID:        actorOrDefault(input.Actor),
		}
		t, err := e.UpdateTaskFields(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/transition",
		Summary:     "Request status transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID    string            `path:"id"`
		Actor string            `header:"X-Actor-Id"`
		Body  TransitionRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.To == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "to is required", nil)
		}
		t, err := e.RequestTransition(ctx, engine.TransitionOptions{
			TaskID:  input.ID,
			To:      input.Body.To,
			Reason:  input.Body.Reason,
			ActorID: actorOrDefault(input.Actor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/history",
		Summary:     "Task status history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TransitionResponse `json:"body"`
	}, error) {
		items, err := e.History(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TransitionResponse `json:"body"`
		}{Body: mapTransitions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-blockers",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/blockers",
		Summary:     "Transitive incomplete blockers",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.Blockers(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-relationships",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/relationships",
		Summary:     "Relationships touching a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []RelationshipResponse `json:"body"`
	}, error) {
		items, err := e.Relationships(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RelationshipResponse `json:"body"`
		}{Body: mapRelationships(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-blocks",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}/blocks",
		Summary:     "Blocks held against a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID              string `path:"id"`
		IncludeResolved bool   `query:"include_resolved"`
	}) (*struct {
		Body []BlockResponse `json:"body"`
	}, error) {
		items, err := e.Blocks(ctx, input.ID, input.IncludeResolved)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []BlockResponse `json:"body"`
		}{Body: mapBlocks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "block-task",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/blocks",
		Summary:       "Record a manual block",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID    string           `path:"id"`
		Actor string           `header:"X-Actor-Id"`
		Body  BlockTaskRequest `json:"body"`
	}) (*struct {
		Body BlockResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Reason) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "reason is required", nil)
		}
		b, err := e.BlockTask(ctx, engine.BlockOptions{
			TaskID:   input.ID,
			Reason:   input.Body.Reason,
			Severity: input.Body.Severity,
			ActorID:  actorOrDefault(input.Actor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BlockResponse `json:"body"`
		}{Body: blockResponse(b)}, nil
	})
}

func registerBlocks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "resolve-block",
		Method:      http.MethodPost,
		Path:        "/blocks/{id}/resolve",
		Summary:     "Resolve a block",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Actor string `header:"X-Actor-Id"`
	}) (*struct {
		Body BlockResponse `json:"body"`
	}, error) {
		b, err := e.ResolveBlock(ctx, input.ID, actorOrDefault(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BlockResponse `json:"body"`
		}{Body: blockResponse(b)}, nil
	})
}

func registerRelationships(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-relationship",
		Method:        http.MethodPost,
		Path:          "/relationships",
		Summary:       "Record a relationship",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Actor string                    `header:"X-Actor-Id"`
		Body  CreateRelationshipRequest `json:"body"`
	}) (*struct {
		Body RelationshipResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.SourceID == "" || input.Body.TargetID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "source_id and target_id are required", nil)
		}
		if input.Body.Type == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "type is required", nil)
		}
		rel, err := e.AddDependency(ctx, engine.DependencyOptions{
			SourceID: input.Body.SourceID,
			TargetID: input.Body.TargetID,
			Type:     input.Body.Type,
			Strength: input.Body.Strength,
			ActorID:  actorOrDefault(input.Actor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RelationshipResponse `json:"body"`
		}{Body: relationshipResponse(rel)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-relationship",
		Method:      http.MethodDelete,
		Path:        "/relationships/{id}",
		Summary:     "Remove a relationship",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Actor string `header:"X-Actor-Id"`
	}) (*struct{}, error) {
		if err := e.RemoveRelationship(ctx, input.ID, actorOrDefault(input.Actor)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLists(api huma.API, e engine.Engine, mgr *suggest.Manager) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-list",
		Method:        http.MethodPost,
		Path:          "/lists",
		Summary:       "Create task list",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Actor string            `header:"X-Actor-Id"`
		Body  CreateListRequest `json:"body"`
	}) (*struct {
		Body ListResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		l, err := e.CreateList(ctx, engine.ListCreateOptions{
			ID:            strVal(input.Body.ID),
			Name:          input.Body.Name,
			ScopeRefs:     input.Body.ScopeRefs,
			ExecutionMode: input.Body.ExecutionMode,
			ChannelID:     strVal(input.Body.ChannelID),
			ActorID:       actorOrDefault(input.Actor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse `json:"body"`
		}{Body: listResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-lists",
		Method:      http.MethodGet,
		Path:        "/lists",
		Summary:     "List task lists",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"active,completed,archived"`
		Limit  int    `query:"limit" default:"50"`
		Cursor string `query:"cursor"`
	}) (*struct {
		Body paginatedLists `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		lists, err := e.Lists(ctx, repo.ListFilters{
			Status:          input.Status,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedLists{Items: []ListResponse{}}
		if len(lists) > limit {
			lists = lists[:limit]
			resp.NextCursor = composeCursor(lists[limit-1].CreatedAt, lists[limit-1].ID)
		}
		resp.Items = mapLists(lists)
		return &struct {
			Body paginatedLists `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-list",
		Method:      http.MethodGet,
		Path:        "/lists/{id}",
		Summary:     "Get task list",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ListResponse `json:"body"`
	}, error) {
		l, err := e.GetList(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse `json:"body"`
		}{Body: listResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/lists/{id}/tasks",
		Summary:     "List memberships in order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []MembershipResponse `json:"body"`
	}, error) {
		items, err := e.Members(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []MembershipResponse `json:"body"`
		}{Body: mapMemberships(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-list-task",
		Method:        http.MethodPost,
		Path:          "/lists/{id}/tasks",
		Summary:       "Add task to list",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID    string             `path:"id"`
		Actor string             `header:"X-Actor-Id"`
		Body  AddListTaskRequest `json:"body"`
	}) (*struct {
		Body MembershipResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.TaskID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id is required", nil)
		}
		position := -1
		if input.Body.Position != nil {
			position = *input.Body.Position
		}
		m, err := e.AddTaskToList(ctx, engine.AddToListOptions{
			ListID:   input.ID,
			TaskID:   input.Body.TaskID,
			Position: position,
			ActorID:  actorOrDefault(input.Actor),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MembershipResponse `json:"body"`
		}{Body: MembershipResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-list-task",
		Method:      http.MethodDelete,
		Path:        "/lists/{id}/tasks/{task_id}",
		Summary:     "Remove task from list",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID     string `path:"id"`
		TaskID string `path:"task_id"`
		Actor  string `header:"X-Actor-Id"`
	}) (*struct{}, error) {
		if err := e.RemoveTaskFromList(ctx, input.ID, input.TaskID, actorOrDefault(input.Actor)); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-list",
		Method:      http.MethodPost,
		Path:        "/lists/{id}/complete",
		Summary:     "Complete a list",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Actor string `header:"X-Actor-Id"`
	}) (*struct {
		Body ListResponse `json:"body"`
	}, error) {
		l, err := e.CompleteList(ctx, input.ID, actorOrDefault(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse `json:"body"`
		}{Body: listResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-list",
		Method:      http.MethodPost,
		Path:        "/lists/{id}/archive",
		Summary:     "Archive a list",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Actor string `header:"X-Actor-Id"`
	}) (*struct {
		Body ListResponse `json:"body"`
	}, error) {
		l, err := e.ArchiveList(ctx, input.ID, actorOrDefault(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse `json:"body"`
		}{Body: listResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "link-channel",
		Method:      http.MethodPost,
		Path:        "/lists/{id}/channel",
		Summary:     "Link notification channel",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID    string             `path:"id"`
		Actor string             `header:"X-Actor-Id"`
		Body  LinkChannelRequest `json:"body"`
	}) (*struct {
		Body ListResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.ChannelID) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "channel_id is required", nil)
		}
		l, err := e.LinkChannel(ctx, input.ID, input.Body.ChannelID, actorOrDefault(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse `json:"body"`
		}{Body: listResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unlink-channel",
		Method:      http.MethodDelete,
		Path:        "/lists/{id}/channel",
		Summary:     "Unlink notification channel",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Actor string `header:"X-Actor-Id"`
	}) (*struct {
		Body ListResponse `json:"body"`
	}, error) {
		l, err := e.UnlinkChannel(ctx, input.ID, actorOrDefault(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ListResponse `json:"body"`
		}{Body: listResponse(l)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-ready",
		Method:      http.MethodGet,
		Path:        "/lists/{id}/ready",
		Summary:     "Ready tasks scoped to a list",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.ReadyTasks(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-critical-path",
		Method:      http.MethodGet,
		Path:        "/lists/{id}/critical-path",
		Summary:     "Critical path scoped to a list",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body CriticalPathResponse `json:"body"`
	}, error) {
		tasks, total, err := e.CriticalPath(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CriticalPathResponse `json:"body"`
		}{Body: CriticalPathResponse{Tasks: mapTasks(tasks), TotalEffortMinutes: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "suggest-list",
		Method:      http.MethodPost,
		Path:        "/lists/{id}/suggest",
		Summary:     "Emit suggestions on demand",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Actor string `header:"X-Actor-Id"`
	}) (*struct {
		Body []SuggestionResponse `json:"body"`
	}, error) {
		items, err := mgr.Suggest(ctx, input.ID, actorOrDefault(input.Actor), true)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SuggestionResponse `json:"body"`
		}{Body: mapSuggestions(items)}, nil
	})
}

func registerScheduling(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ready-tasks",
		Method:      http.MethodGet,
		Path:        "/ready",
		Summary:     "Ready tasks across the workspace",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		items, err := e.ReadyTasks(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "critical-path",
		Method:      http.MethodGet,
		Path:        "/critical-path",
		Summary:     "Critical path across the workspace",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CriticalPathResponse `json:"body"`
	}, error) {
		tasks, total, err := e.CriticalPath(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CriticalPathResponse `json:"body"`
		}{Body: CriticalPathResponse{Tasks: mapTasks(tasks), TotalEffortMinutes: total}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recalculate-priorities",
		Method:      http.MethodPost,
		Path:        "/recalculate",
		Summary:     "Recalculate priority scores",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ListID string `query:"list_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		changed, err := e.RecalculatePriorities(ctx, input.ListID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"changed": changed}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-stale",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Sweep idle in-progress tasks to stale",
	}, func(ctx context.Context, input *struct {
		Actor string `header:"X-Actor-Id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		swept, err := e.SweepStale(ctx, actorOrDefault(input.Actor))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{"swept": swept}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"task,list,relationship"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
		After      string `query:"after" doc:"Return events with IDs greater than this, oldest first. Filters do not apply."`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		resp := paginatedEvents{Items: []EventResponse{}}
		if input.After != "" {
			after, err := strconv.ParseInt(input.After, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid after cursor", map[string]any{"after": input.After})
			}
			items, err := e.Repo.EventsAfter(ctx, limit+1, after)
			if err != nil {
				return nil, handleError(err)
			}
			if len(items) > limit {
				items = items[:limit]
				resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			}
			resp.Items = mapEvents(items)
			return &struct {
				Body paginatedEvents `json:"body"`
			}{Body: resp}, nil
		}
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
		}
		resp.Items = mapEvents(items)
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Get stored config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetConfig(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	// Runtime config stays as loaded; the stored copy applies on next start.
	huma.Register(api, huma.Operation{
		OperationID: "update-config",
		Method:      http.MethodPut,
		Path:        "/config",
		Summary:     "Replace stored config",
		Errors: []int{
			http.StatusBadRequest,
		},
	}, func(ctx context.Context, input *struct {
		Body UpdateConfigRequest `json:"body"`
	}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		cfg := configFromRequest(input.Body)
		if err := cfg.Validate(); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := e.Repo.UpsertConfig(ctx, cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	return nil
}

func actorOrDefault(actor string) string {
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return "api"
	}
	return actor
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
