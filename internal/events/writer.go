package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types appended by the engine.
const (
	TaskSubmitted        = "task.submitted"
	TaskUpdated          = "task.updated"
	TaskStatusChanged    = "task.status_changed"
	TaskBlocked          = "task.blocked"
	TaskUnblocked        = "task.unblocked"
	TaskValidationPassed = "task.validation_passed"
	TaskValidationFailed = "task.validation_failed"
	RelationshipAdded    = "relationship.added"
	RelationshipRemoved  = "relationship.removed"
	SuggestionReady      = "suggestion.ready"
	ListCreated          = "list.created"
	ListMemberAdded      = "list.member_added"
	ListMemberRemoved    = "list.member_removed"
	ListProgressUpdated  = "list.progress_updated"
	ListCompleted        = "list.completed"
	ListArchived         = "list.archived"
	ListChannelLinked    = "list.channel_linked"
	ListChannelUnlinked  = "list.channel_unlinked"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one event row inside the caller's transaction, so the event
// commits or rolls back with the change it describes.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		ts, evtType, entityKind, nullable(entityID), actorID, string(data))
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
