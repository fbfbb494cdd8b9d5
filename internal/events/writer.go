package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"weekline/internal/domain"
)

const (
	PlanGenerated    = "plan.generated"
	PlanLocked       = "plan.locked"
	PlanOverridden   = "plan.overridden"
	OverrideCleared  = "plan.override_cleared"
	BacklogAdded     = "backlog.added"
	BacklogResolved  = "backlog.resolved"
	BacklogCleared   = "backlog.cleared"
	ConfidenceReset  = "score.confidence_reset"
	ScoreRecorded    = "score.recorded"
	SiteCreated      = "site.created"
	OrgConfigUpdated = "org.config_updated"
)

type Writer struct {
	Now func() time.Time
}

type Payload map[string]any

// Append records an event inside the caller's transaction so the audit trail
// commits or rolls back with the mutation it describes.
func (w Writer) Append(ctx context.Context, x sqlx.ExecerContext, evtType, orgID, entityKind, entityID, actorID string, payload Payload) error {
	now := w.Now
	if now == nil {
		now = time.Now
	}
	ts := now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = Payload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = x.ExecContext(ctx, `INSERT INTO events(ts,type,org_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(orgID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// List returns the newest events of an org first, up to limit.
func List(ctx context.Context, q sqlx.QueryerContext, orgID string, limit int) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var res []domain.Event
	err := sqlx.SelectContext(ctx, q, &res, `SELECT id,ts,type,COALESCE(org_id,'') AS org_id,entity_kind,COALESCE(entity_id,'') AS entity_id,actor_id,payload_json AS payload
FROM events WHERE org_id=? ORDER BY id DESC LIMIT ?`, orgID, limit)
	return res, err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
