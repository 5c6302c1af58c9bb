package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/okatech-org/sgg.ga-sub007/internal/apperr"
	"github.com/okatech-org/sgg.ga-sub007/internal/decision"
	"github.com/okatech-org/sgg.ga-sub007/internal/domain"
	"github.com/okatech-org/sgg.ga-sub007/internal/engine"
	"github.com/okatech-org/sgg.ga-sub007/internal/history"
	"github.com/okatech-org/sgg.ga-sub007/internal/signals"
	"github.com/okatech-org/sgg.ga-sub007/internal/tasks"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Logger   *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_context"`
	Message string         `json:"message" example:"no weights configured for context \"loan\""`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the engine API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		log = cfg.Engine.Log
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are plain bad requests.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(accessLog(log))
	hcfg := huma.DefaultConfig("Decision Engine API", "0.1.0")
	hcfg.Components.Schemas = huma.NewMapRegistry("#/components/schemas/", schemaName)
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerDocs(router, basePath)
	registerHealth(group)
	registerSignals(group, e)
	registerDecisions(group, e)
	registerTasks(group, e)
	registerStats(group, e)
	registerConfig(group, e)
	registerWeights(group, e)
	registerNotifications(group, e)
	registerHistory(group, e)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

var serverPkg = reflect.TypeOf(apiError{}).PkgPath()

// schemaName prefixes schema names of types from other packages in this
// module with their package name, so signals.Stats and tasks.Stats register
// as SignalsStats and TasksStats.
func schemaName(t reflect.Type, hint string) string {
	name := huma.DefaultSchemaNamer(t, hint)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	pkg := t.PkgPath()
	if t.Name() == "" || pkg == serverPkg || !strings.HasPrefix(pkg, path.Dir(path.Dir(serverPkg))+"/") {
		return name
	}
	base := path.Base(pkg)
	return strings.ToUpper(base[:1]) + base[1:] + name
}

func accessLog(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("elapsed", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
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

// handleError maps engine error codes onto HTTP statuses.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	code := apperr.CodeOf(err)
	switch code {
	case apperr.CodeInvalidContext, apperr.CodeScoring, apperr.CodeInvalidArgument:
		return newAPIError(http.StatusBadRequest, string(code), err.Error(), nil)
	case apperr.CodeNotFound:
		return newAPIError(http.StatusNotFound, string(code), err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
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

var clientErrors = []int{http.StatusBadRequest, http.StatusNotFound, http.StatusInternalServerError}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
    <title>Decision Engine API Docs</title>
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

func registerSignals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "emit-signal",
		Method:        http.MethodPost,
		Path:          "/signals",
		Summary:       "Emit signal",
		DefaultStatus: http.StatusCreated,
		Errors:        clientErrors,
	}, func(ctx context.Context, input *struct {
		Body EmitSignalRequest `json:"body"`
	}) (*struct {
		Body CreatedResponse `json:"body"`
	}, error) {
		var payload any
		if input.Body.Payload != nil {
			payload = input.Body.Payload
		}
		id, err := e.Signals.Emit(ctx, domain.SignalType(input.Body.Type), payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedResponse `json:"body"`
		}{Body: CreatedResponse{ID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/signals",
		Summary:     "List signals in creation order",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"pending,routed,failed"`
		Type   string `query:"type"`
		After  int64  `query:"after"`
		Limit  int    `query:"limit"`
	}) (*struct {
		Body SignalListResponse `json:"body"`
	}, error) {
		items, err := e.Signals.List(ctx, signals.Filter{
			Status:   domain.SignalStatus(input.Status),
			Type:     domain.SignalType(input.Type),
			AfterSeq: input.After,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Signal{}
		}
		return &struct {
			Body SignalListResponse `json:"body"`
		}{Body: SignalListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "signal-stats",
		Method:      http.MethodGet,
		Path:        "/signals/stats",
		Summary:     "Signal counts by status",
		Errors:      clientErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body signals.Stats `json:"body"`
	}, error) {
		st, err := e.Signals.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body signals.Stats `json:"body"`
		}{Body: st}, nil
	})
}

func registerDecisions(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "decide",
		Method:      http.MethodPost,
		Path:        "/decisions",
		Summary:     "Score criteria and return a verdict",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Body DecideRequest `json:"body"`
	}) (*struct {
		Body domain.DecisionResult `json:"body"`
	}, error) {
		res, err := e.Decider.Decide(ctx, input.Body.Context, input.Body.Scores)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DecisionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decision-feedback",
		Method:      http.MethodPost,
		Path:        "/decisions/{history_id}/feedback",
		Summary:     "Report the observed outcome of a decision",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		HistoryID string          `path:"history_id"`
		Body      FeedbackRequest `json:"body"`
	}) (*struct {
		Body FeedbackResponse `json:"body"`
	}, error) {
		weights, err := e.Decider.Feedback(ctx, input.HistoryID, decision.Outcome(input.Body.Outcome))
		if err != nil {
			return nil, handleError(err)
		}
		if weights == nil {
			weights = []domain.Weight{}
		}
		return &struct {
			Body FeedbackResponse `json:"body"`
		}{Body: FeedbackResponse{HistoryID: input.HistoryID, Outcome: input.Body.Outcome, Weights: weights}}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Enqueue task",
		DefaultStatus: http.StatusCreated,
		Errors:        clientErrors,
	}, func(ctx context.Context, input *struct {
		Body EnqueueTaskRequest `json:"body"`
	}) (*struct {
		Body CreatedResponse `json:"body"`
	}, error) {
		var payload any
		if input.Body.Payload != nil {
			payload = input.Body.Payload
		}
		id, err := e.Tasks.Enqueue(ctx, input.Body.Kind, payload, input.Body.MaxAttempts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreatedResponse `json:"body"`
		}{Body: CreatedResponse{ID: id}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "task-stats",
		Method:      http.MethodGet,
		Path:        "/tasks/stats",
		Summary:     "Task counts by status",
		Errors:      clientErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body tasks.Stats `json:"body"`
	}, error) {
		st, err := e.Tasks.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body tasks.Stats `json:"body"`
		}{Body: st}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Tasks.Get(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/retry",
		Summary:     "Give a failed or exhausted task a fresh attempt budget",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		t, err := e.Tasks.Retry(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerStats(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "stats",
		Method:      http.MethodGet,
		Path:        "/stats",
		Summary:     "Aggregated engine counters",
		Errors:      clientErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.Stats `json:"body"`
	}, error) {
		st, err := e.Stats(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Stats `json:"body"`
		}{Body: st}, nil
	})
}

func registerConfig(api huma.API, e *engine.Engine) {
	type keyPath struct {
		Key string `path:"key"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "list-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "List config entries",
		Errors:      clientErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigListResponse `json:"body"`
	}, error) {
		items, err := e.Settings.ListConfig(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.ConfigEntry{}
		}
		return &struct {
			Body ConfigListResponse `json:"body"`
		}{Body: ConfigListResponse{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config/{key}",
		Summary:     "Get config entry",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *keyPath) (*struct {
		Body domain.ConfigEntry `json:"body"`
	}, error) {
		entry, err := e.Settings.GetConfig(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ConfigEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-config",
		Method:      http.MethodPut,
		Path:        "/config/{key}",
		Summary:     "Override config entry",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Key  string           `path:"key"`
		Body SetConfigRequest `json:"body"`
	}) (*struct {
		Body domain.ConfigEntry `json:"body"`
	}, error) {
		if err := e.SetConfig(ctx, input.Key, input.Body.Value); err != nil {
			return nil, handleError(err)
		}
		entry, err := e.Settings.GetConfig(ctx, input.Key)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ConfigEntry `json:"body"`
		}{Body: entry}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "reset-config",
		Method:        http.MethodDelete,
		Path:          "/config/{key}",
		Summary:       "Drop config override",
		DefaultStatus: http.StatusNoContent,
		Errors:        clientErrors,
	}, func(ctx context.Context, input *keyPath) (*struct{}, error) {
		if err := e.ResetConfig(ctx, input.Key); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerWeights(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-weights",
		Method:      http.MethodGet,
		Path:        "/weights/{context}",
		Summary:     "Weights of a context",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Context string `path:"context"`
	}) (*struct {
		Body WeightsResponse `json:"body"`
	}, error) {
		m, err := e.Settings.GetWeights(ctx, input.Context)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body WeightsResponse `json:"body"`
		}{Body: weightList(m, input.Context)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-weight",
		Method:      http.MethodPut,
		Path:        "/weights/{context}/{criterion}",
		Summary:     "Set a weight, clamped to the configured bounds",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Context   string           `path:"context"`
		Criterion string           `path:"criterion"`
		Body      SetWeightRequest `json:"body"`
	}) (*struct {
		Body domain.Weight `json:"body"`
	}, error) {
		w, err := e.Settings.SetWeight(ctx, input.Context, input.Criterion, input.Body.Value)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Weight `json:"body"`
		}{Body: w}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "adjust-weight",
		Method:      http.MethodPost,
		Path:        "/weights/{context}/{criterion}/adjust",
		Summary:     "Apply a delta to a weight atomically",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Context   string              `path:"context"`
		Criterion string              `path:"criterion"`
		Body      AdjustWeightRequest `json:"body"`
	}) (*struct {
		Body domain.Weight `json:"body"`
	}, error) {
		w, err := e.Settings.AdjustWeight(ctx, input.Context, input.Criterion, input.Body.Delta)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Weight `json:"body"`
		}{Body: w}, nil
	})
}

func registerNotifications(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/notifications/{recipient}",
		Summary:     "Notifications for a recipient, newest first",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Recipient string `path:"recipient"`
		Unread    bool   `query:"unread"`
		Limit     int    `query:"limit"`
	}) (*struct {
		Body NotificationListResponse `json:"body"`
	}, error) {
		items, err := e.Notifications.List(ctx, input.Recipient, input.Unread, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Notification{}
		}
		return &struct {
			Body NotificationListResponse `json:"body"`
		}{Body: NotificationListResponse{Recipient: input.Recipient, Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "read-notification",
		Method:      http.MethodPost,
		Path:        "/notifications/{recipient}/{notification_id}/read",
		Summary:     "Mark a notification read",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Recipient      string `path:"recipient"`
		NotificationID string `path:"notification_id"`
	}) (*struct {
		Body domain.Notification `json:"body"`
	}, error) {
		n, err := e.Notifications.Get(ctx, input.NotificationID)
		if err == nil && n.RecipientContext != input.Recipient {
			err = apperr.NotFound("notification " + input.NotificationID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		n, err = e.Notifications.MarkRead(ctx, input.NotificationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Notification `json:"body"`
		}{Body: n}, nil
	})
}

func registerHistory(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-history",
		Method:      http.MethodGet,
		Path:        "/history",
		Summary:     "History records, newest first",
		Errors:      clientErrors,
	}, func(ctx context.Context, input *struct {
		Context string `query:"context"`
		Action  string `query:"action"`
		Limit   int    `query:"limit"`
	}) (*struct {
		Body HistoryListResponse `json:"body"`
	}, error) {
		items, err := e.History.List(ctx, history.Filter{
			ActorContext: input.Context,
			ActionType:   input.Action,
			Limit:        normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.HistoryRecord{}
		}
		return &struct {
			Body HistoryListResponse `json:"body"`
		}{Body: HistoryListResponse{Items: items}}, nil
	})
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
