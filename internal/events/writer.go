package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const (
	BlocksBuilt       = "blocks.built"
	BlockClassified   = "block.classified"
	BlockBlocked      = "block.blocked"
	BlockEnqueued     = "block.enqueued"
	SyncBatchSent     = "sync.batch_sent"
	SyncBatchFailed   = "sync.batch_failed"
	WbsImported       = "wbs.imported"
	ConfigReloaded    = "config.reloaded"
	EntityBlock       = "block"
	EntitySyncItem    = "sync_item"
	EntityWbsRegistry = "wbs_registry"
)

// Writer appends pipeline events as JSON payload rows.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type Payload map[string]any

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Append writes one event. When tx is nil the writer's DB is used.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, day, entityKind, entityID, actorID string, payload Payload) error {
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
	var conn execer = w.DB
	if tx != nil {
		conn = tx
	}
	_, err = conn.ExecContext(ctx, `INSERT INTO events(ts,type,day,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		ts, evtType, nullable(day), entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
