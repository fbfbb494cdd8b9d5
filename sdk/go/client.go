package weeklinesdk

import (
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

// Client is a minimal weekline HTTP API client scoped to one org.
type Client struct {
	BaseURL     string
	OrgID       string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
	// BasePath defaults to /v1.
	BasePath string
}

// New creates a client with sane defaults.
func New(baseURL, orgID, token string) *Client {
	return &Client{
		BaseURL:     baseURL,
		OrgID:       orgID,
		BearerToken: token,
		Timeout:     30 * time.Second,
	}
}

// Pick is the content of one plan slot.
type Pick struct {
	DisplayOrder int    `json:"display_order"`
	ActionID     *int64 `json:"action_id,omitempty"`
	SelfSelect   bool   `json:"self_select"`
}

// PlanRow represents one stored plan slot (partial).
type PlanRow struct {
	RoleID       int64  `json:"role_id"`
	WeekStart    string `json:"week_start"`
	DisplayOrder int    `json:"display_order"`
	ActionID     *int64 `json:"action_id,omitempty"`
	SelfSelect   bool   `json:"self_select"`
	Status       string `json:"status"`
	Overridden   bool   `json:"overridden"`
	GeneratedBy  string `json:"generated_by"`
}

type PlanWeek struct {
	Week  string    `json:"week"`
	Label string    `json:"label"`
	Rows  []PlanRow `json:"rows"`
}

type Pipeline struct {
	State      string `json:"state"`
	SeededWeek string `json:"seeded_week"`
	LastWeek   string `json:"last_week"`
}

// PlanView is the current/next/preview window of a role.
type PlanView struct {
	OrgID    string     `json:"org_id"`
	RoleID   int64      `json:"role_id"`
	Current  string     `json:"current_week"`
	Weeks    []PlanWeek `json:"weeks"`
	Pipeline Pipeline   `json:"pipeline"`
}

type RolloverRequest struct {
	AsOf          *time.Time `json:"as_of,omitempty"`
	DryRun        bool       `json:"dry_run,omitempty"`
	Roles         []int64    `json:"roles,omitempty"`
	SkipReconcile bool       `json:"skip_reconcile,omitempty"`
}

type TickResult struct {
	RunID      string   `json:"run_id"`
	RoleID     int64    `json:"role_id"`
	StateAfter string   `json:"state_after"`
	Outcome    string   `json:"outcome"`
	Success    bool     `json:"success"`
	Lines      []string `json:"lines"`
}

type ReconcileResult struct {
	RunID            string `json:"run_id"`
	SiteID           string `json:"site_id"`
	Week             string `json:"week"`
	Status           string `json:"status"`
	BacklogAdded     int    `json:"backlog_added"`
	ConfidenceResets int    `json:"confidence_resets"`
	Outcome          string `json:"outcome"`
	Success          bool   `json:"success"`
}

type RolloverResult struct {
	OrgID      string            `json:"org_id"`
	Status     string            `json:"status"`
	DryRun     bool              `json:"dry_run"`
	Ticks      []TickResult      `json:"ticks"`
	Reconciles []ReconcileResult `json:"reconciles"`
}

// Run is one run ledger entry.
type Run struct {
	ID         string   `json:"id"`
	OrgID      string   `json:"org_id"`
	RoleID     *int64   `json:"role_id,omitempty"`
	SiteID     *string  `json:"site_id,omitempty"`
	Kind       string   `json:"kind"`
	TargetWeek string   `json:"target_week"`
	Trigger    string   `json:"trigger"`
	DryRun     bool     `json:"dry_run"`
	Success    bool     `json:"success"`
	Outcome    string   `json:"outcome"`
	StartedAt  string   `json:"started_at"`
	FinishedAt string   `json:"finished_at"`
	Lines      []string `json:"lines"`
}

// Event represents an audit log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type BacklogItem struct {
	ID              string  `json:"id"`
	StaffID         string  `json:"staff_id"`
	ActionID        int64   `json:"action_id"`
	SourceWeekStart string  `json:"source_week_start"`
	SourceCycle     int     `json:"source_cycle"`
	ResolvedAt      *string `json:"resolved_at,omitempty"`
	ClearedBy       *string `json:"cleared_by,omitempty"`
}

type ScoreRequest struct {
	Week         string `json:"week"`
	DisplayOrder int    `json:"display_order"`
	Kind         string `json:"kind"`
	Score        int    `json:"score"`
	ActionID     *int64 `json:"action_id,omitempty"`
}

type ScoreResult struct {
	BacklogResolved int `json:"backlog_resolved"`
	Score           struct {
		DisplayOrder     int  `json:"display_order"`
		ConfidenceScore  *int `json:"confidence_score,omitempty"`
		ConfidenceLate   bool `json:"confidence_late"`
		PerformanceScore *int `json:"performance_score,omitempty"`
		PerformanceLate  bool `json:"performance_late"`
	} `json:"score"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PlanWindow returns the three-week window of a role. An empty week means the
// server's current week.
func (c *Client) PlanWindow(ctx context.Context, roleID int64, week string) (PlanView, error) {
	endpoint := c.orgPath(fmt.Sprintf("roles/%d/plans", roleID))
	if week != "" {
		endpoint += "?week=" + url.QueryEscape(week)
	}
	var resp PlanView
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetOverride replaces a week's picks and locks it.
func (c *Client) SetOverride(ctx context.Context, roleID int64, week string, picks []Pick) ([]PlanRow, error) {
	var resp struct {
		Rows []PlanRow `json:"rows"`
	}
	err := c.do(ctx, http.MethodPut, c.overridePath(roleID, week), map[string]any{"picks": picks}, &resp)
	return resp.Rows, err
}

// ClearOverride hands a week back to automation.
func (c *Client) ClearOverride(ctx context.Context, roleID int64, week string) ([]PlanRow, error) {
	var resp struct {
		Rows []PlanRow `json:"rows"`
	}
	err := c.do(ctx, http.MethodDelete, c.overridePath(roleID, week), nil, &resp)
	return resp.Rows, err
}

// Rollover triggers the weekly rollover manually.
func (c *Client) Rollover(ctx context.Context, req RolloverRequest) (RolloverResult, error) {
	var resp RolloverResult
	err := c.do(ctx, http.MethodPost, c.orgPath("rollover"), req, &resp)
	return resp, err
}

// Runs lists ledger entries, newest first. Empty kind lists both kinds.
func (c *Client) Runs(ctx context.Context, kind string, limit int) ([]Run, error) {
	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	endpoint := c.orgPath("runs")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Items []Run `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

func (c *Client) Run(ctx context.Context, id string) (Run, error) {
	var resp Run
	err := c.do(ctx, http.MethodGet, c.orgPath("runs/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

// Events returns recent audit events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.orgPath("events")
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Event `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// Backlog lists a staff member's open items, or every item when all is set.
func (c *Client) Backlog(ctx context.Context, staffID string, all bool) ([]BacklogItem, error) {
	endpoint := fmt.Sprintf("staff/%s/backlog", url.PathEscape(staffID))
	if all {
		endpoint += "?all=true"
	}
	var resp struct {
		Items []BacklogItem `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, c.path(endpoint), nil, &resp)
	return resp.Items, err
}

func (c *Client) ClearBacklog(ctx context.Context, itemID string) (BacklogItem, error) {
	var resp BacklogItem
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("backlog/%s/clear", url.PathEscape(itemID))), nil, &resp)
	return resp, err
}

// RecordScore submits one half of a weekly score.
func (c *Client) RecordScore(ctx context.Context, staffID string, req ScoreRequest) (ScoreResult, error) {
	var resp ScoreResult
	err := c.do(ctx, http.MethodPost, c.path(fmt.Sprintf("staff/%s/scores", url.PathEscape(staffID))), req, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.BearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	}
	resp, err := c.HTTPClient.Do(req)
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

func (c *Client) overridePath(roleID int64, week string) string {
	return c.orgPath(fmt.Sprintf("roles/%d/plans/%s/override", roleID, url.PathEscape(week)))
}

func (c *Client) orgPath(p string) string {
	return c.path(fmt.Sprintf("orgs/%s/%s", url.PathEscape(c.OrgID), strings.TrimLeft(p, "/")))
}

func (c *Client) path(p string) string {
	base := c.BasePath
	if base == "" {
		base = "/v1"
	}
	return strings.Trim(base, "/") + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
