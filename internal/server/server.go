package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"weekline/internal/domain"
	"weekline/internal/engine"
	"weekline/internal/events"
	"weekline/internal/ledger"
	"weekline/internal/rank"
	"weekline/internal/repo"
	"weekline/internal/weeks"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	Logger   *logrus.Entry
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the weekline API and /metrics.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		log = logrus.NewEntry(l)
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Request schema failures are client errors.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID, middleware.Recoverer, requestLogger(log))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, log))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("weekline API", "1.0.0")
	hcfg.OpenAPIPath = ""
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	e := cfg.Engine
	registerHealth(group)
	registerMe(group)
	registerPlans(group, e)
	registerOverrides(group, e)
	registerRollover(group, e)
	registerRuns(group, e)
	registerEvents(group, e)
	registerSites(group, e)
	registerBacklog(group, e)
	registerScores(group, e)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}
	registerOpenAPI(router, api, basePath)
	return router, nil
}

func requestLogger(log *logrus.Entry) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
			}).Debug("http request")
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var ve validator.ValidationErrors
	msg := err.Error()
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, nil)
	case errors.Is(err, engine.ErrNoOverride), errors.Is(err, repo.ErrAlreadyResolved):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case errors.Is(err, engine.ErrWeekNotOpen):
		return newAPIError(http.StatusConflict, "week_not_open", msg, nil)
	case errors.Is(err, engine.ErrWeekClosed):
		return newAPIError(http.StatusConflict, "week_closed", msg, nil)
	case errors.Is(err, engine.ErrNotAssigned), errors.Is(err, engine.ErrSlotAction):
		return newAPIError(http.StatusUnprocessableEntity, "not_assigned", msg, nil)
	case errors.Is(err, ledger.ErrConfig), errors.Is(err, rank.ErrInsufficientCandidates):
		return newAPIError(http.StatusUnprocessableEntity, "config_error", msg, nil)
	case errors.As(err, &ve),
		errors.Is(err, engine.ErrInvalidPicks),
		errors.Is(err, weeks.ErrInvalidProgramStart),
		errors.Is(err, weeks.ErrInvalidTimeZone),
		errors.Is(err, weeks.ErrInvalidCycleLength):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
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

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	r.Get(path.Join(basePath, "openapi.json"), func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	public := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Put, item.Post, item.Delete, item.Patch} {
			if op == nil {
				continue
			}
			if public[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
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

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: p.ActorID, OrgID: p.OrgID, Permissions: nonNilSlice(p.Permissions)}}, nil
	})
}

type planPath struct {
	OrgID  string `path:"org_id"`
	RoleID int64  `path:"role_id"`
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-plan-window",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/roles/{role_id}/plans",
		Summary:     "Current, next and preview weeks of an org/role",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		planPath
		Week string `query:"week" doc:"Monday to treat as the current week (YYYY-MM-DD)"`
	}) (*struct {
		Body engine.PlanView `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, input.OrgID, PermPlansRead); err != nil {
			return nil, handleError(err)
		}
		var week weeks.Date
		if input.Week != "" {
			d, err := parseWeek(input.Week)
			if err != nil {
				return nil, err
			}
			week = d
		}
		view, err := e.PlanWindow(ctx, input.OrgID, input.RoleID, week)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.PlanView `json:"body"`
		}{Body: view}, nil
	})
}

func registerOverrides(api huma.API, e engine.Engine) {
	type weekPath struct {
		planPath
		Week string `path:"week"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "set-override",
		Method:      http.MethodPut,
		Path:        "/orgs/{org_id}/roles/{role_id}/plans/{week}/override",
		Summary:     "Replace a week's picks by hand and lock it",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		weekPath
		Body OverrideRequest `json:"body"`
	}) (*struct {
		Body PlanRowsResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, input.OrgID, PermPlansOverride)
		if err != nil {
			return nil, handleError(err)
		}
		week, perr := parseWeek(input.Week)
		if perr != nil {
			return nil, perr
		}
		rows, err := e.ApplyOverride(ctx, engine.OverrideOptions{
			OrgID:   input.OrgID,
			RoleID:  input.RoleID,
			Week:    week,
			Picks:   input.Body.Picks,
			ActorID: p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanRowsResponse `json:"body"`
		}{Body: PlanRowsResponse{Week: week, Rows: nonNilSlice(rows)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-override",
		Method:      http.MethodDelete,
		Path:        "/orgs/{org_id}/roles/{role_id}/plans/{week}/override",
		Summary:     "Hand an overridden week back to automation",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *weekPath) (*struct {
		Body PlanRowsResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, input.OrgID, PermPlansOverride)
		if err != nil {
			return nil, handleError(err)
		}
		week, perr := parseWeek(input.Week)
		if perr != nil {
			return nil, perr
		}
		rows, err := e.ClearOverride(ctx, input.OrgID, input.RoleID, week, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanRowsResponse `json:"body"`
		}{Body: PlanRowsResponse{Week: week, Rows: nonNilSlice(rows)}}, nil
	})
}

func registerRollover(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "run-rollover",
		Method:      http.MethodPost,
		Path:        "/orgs/{org_id}/rollover",
		Summary:     "Run the weekly rollover now (manual trigger)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		OrgID string           `path:"org_id"`
		Body  *RolloverRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.RolloverResult `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, input.OrgID, PermRolloverRun)
		if err != nil {
			return nil, handleError(err)
		}
		body := RolloverRequest{}
		if input.Body != nil {
			body = *input.Body
		}
		opts := engine.RolloverOptions{
			OrgID:         input.OrgID,
			Roles:         body.Roles,
			DryRun:        body.DryRun,
			Trigger:       domain.TriggerManual,
			ActorID:       p.ActorID,
			SkipReconcile: body.SkipReconcile,
		}
		if body.AsOf != nil {
			opts.AsOf = *body.AsOf
		}
		res, err := e.RunRollover(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.RolloverResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/runs",
		Summary:     "List run ledger entries, newest first",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID  string `path:"org_id"`
		RoleID int64  `query:"role_id"`
		Kind   string `query:"kind" enum:"pipeline,reconcile"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body RunsResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, input.OrgID, PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		runs, err := e.Repo.ListRuns(ctx, repo.RunFilter{
			OrgID:  input.OrgID,
			RoleID: input.RoleID,
			Kind:   input.Kind,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RunsResponse `json:"body"`
		}{Body: RunsResponse{Items: nonNilSlice(runs)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/runs/{run_id}",
		Summary:     "Get one run ledger entry with its log lines",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.RunEntry `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, input.OrgID, PermRunsRead); err != nil {
			return nil, handleError(err)
		}
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		if run.OrgID != input.OrgID {
			return nil, handleError(repo.ErrNotFound)
		}
		return &struct {
			Body domain.RunEntry `json:"body"`
		}{Body: run}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body EventsResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, input.OrgID, PermEventsRead); err != nil {
			return nil, handleError(err)
		}
		items, err := events.List(ctx, e.DB, input.OrgID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EventsResponse `json:"body"`
		}{Body: EventsResponse{Items: nonNilSlice(items)}}, nil
	})
}

func registerSites(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-site-week",
		Method:      http.MethodGet,
		Path:        "/sites/{site_id}/week",
		Summary:     "Program week, cycle and deadlines of a site at an instant",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string `path:"site_id"`
		At     string `query:"at" doc:"RFC3339 instant, default now"`
	}) (*struct {
		Body SiteWeekResponse `json:"body"`
	}, error) {
		var at time.Time
		if input.At != "" {
			t, err := time.Parse(time.RFC3339, input.At)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid at", map[string]any{"at": input.At})
			}
			at = t
		}
		site, anchor, err := e.SiteWeek(ctx, input.SiteID, at)
		if err != nil {
			return nil, handleError(err)
		}
		if _, err := requirePermission(ctx, site.OrgID, PermPlansRead); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SiteWeekResponse `json:"body"`
		}{Body: SiteWeekResponse{Site: site, Anchor: anchor}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile-site",
		Method:      http.MethodPost,
		Path:        "/sites/{site_id}/reconcile",
		Summary:     "Reconcile the last rolled-over week of a site",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		SiteID string            `path:"site_id"`
		Body   *ReconcileRequest `json:"body" required:"false"`
	}) (*struct {
		Body engine.ReconcileResult `json:"body"`
	}, error) {
		site, err := e.Repo.GetSite(ctx, input.SiteID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := requirePermission(ctx, site.OrgID, PermSitesReconcile)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.ReconcileOptions{SiteID: site.ID, Trigger: domain.TriggerManual, ActorID: p.ActorID}
		if input.Body != nil {
			opts.DryRun = input.Body.DryRun
			if input.Body.AsOf != nil {
				opts.AsOf = *input.Body.AsOf
			}
		}
		res, err := e.ReconcileSite(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ReconcileResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerBacklog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-backlog",
		Method:      http.MethodGet,
		Path:        "/staff/{staff_id}/backlog",
		Summary:     "List a staff member's backlog",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		StaffID string `path:"staff_id"`
		All     bool   `query:"all" doc:"include resolved items"`
	}) (*struct {
		Body BacklogResponse `json:"body"`
	}, error) {
		if _, err := requireStaffPermission(ctx, e, input.StaffID, PermBacklogRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListBacklog(ctx, input.StaffID, !input.All)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BacklogResponse `json:"body"`
		}{Body: BacklogResponse{StaffID: input.StaffID, Items: nonNilSlice(items)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "clear-backlog-item",
		Method:      http.MethodPost,
		Path:        "/backlog/{item_id}/clear",
		Summary:     "Resolve a backlog item by hand",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ItemID string `path:"item_id"`
	}) (*struct {
		Body domain.BacklogItem `json:"body"`
	}, error) {
		item, err := e.Repo.GetBacklog(ctx, input.ItemID)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := requireStaffPermission(ctx, e, item.StaffID, PermBacklogClear)
		if err != nil {
			return nil, handleError(err)
		}
		cleared, err := e.ClearBacklogItem(ctx, item.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BacklogItem `json:"body"`
		}{Body: cleared}, nil
	})
}

func registerScores(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-score",
		Method:        http.MethodPost,
		Path:          "/staff/{staff_id}/scores",
		Summary:       "Submit a confidence or performance score",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		StaffID string       `path:"staff_id"`
		Body    ScoreRequest `json:"body"`
	}) (*struct {
		Body engine.ScoreResult `json:"body"`
	}, error) {
		p, err := requireStaffPermission(ctx, e, input.StaffID, PermScoresWrite)
		if err != nil {
			return nil, handleError(err)
		}
		week, perr := parseWeek(input.Body.Week)
		if perr != nil {
			return nil, perr
		}
		res, err := e.RecordScore(ctx, engine.ScoreInput{
			StaffID:      input.StaffID,
			Week:         week,
			DisplayOrder: input.Body.DisplayOrder,
			Kind:         input.Body.Kind,
			Score:        input.Body.Score,
			ActionID:     input.Body.ActionID,
			ActorID:      p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.ScoreResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		org := strings.TrimSpace(input.Body.OrgID)
		if actor == "" || org == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and org_id are required", nil)
		}
		perms := input.Body.Permissions
		if len(perms) == 0 {
			perms = []string{PermAll}
		}
		token, err := SignToken(authCfg.JWTSecret, actor, org, perms, 0)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

// requireStaffPermission scopes a staff route to the org owning the staff
// member's site.
func requireStaffPermission(ctx context.Context, e engine.Engine, staffID, perm string) (Principal, error) {
	if _, authErr := principalFromRequest(ctx); authErr != nil {
		return Principal{}, authErr
	}
	st, err := e.Repo.GetStaff(ctx, staffID)
	if err != nil {
		return Principal{}, fmt.Errorf("staff %s: %w", staffID, err)
	}
	site, err := e.Repo.GetSite(ctx, st.SiteID)
	if err != nil {
		return Principal{}, err
	}
	return requirePermission(ctx, site.OrgID, perm)
}

func parseWeek(s string) (weeks.Date, huma.StatusError) {
	d, err := weeks.ParseDate(s)
	if err != nil {
		return weeks.Date{}, newAPIError(http.StatusBadRequest, "bad_request", "invalid week", map[string]any{"week": s})
	}
	if err := weeks.ValidateProgramStart(d); err != nil {
		return weeks.Date{}, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"week": s})
	}
	return d, nil
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
