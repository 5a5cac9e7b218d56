package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/quzhigang/wg-agent-sub001/internal/agent/core"
	"github.com/quzhigang/wg-agent-sub001/internal/workflow"
)

// Store is the Postgres persistence layer: workflow catalog entries,
// turn audit logs and user accounts.
type Store struct {
	DB *sql.DB
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Workflow catalog operations

func (s *Store) InsertEntry(ctx context.Context, e workflow.Entry) error {
	steps, err := json.Marshal(e.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO workflow_entries
			(id, name, trigger_description, intent_category, sub_intent, steps, page_capable, is_dynamic, usage_count, is_active, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		e.ID, e.Name, e.TriggerDescription, e.Intent, e.SubIntent, steps,
		e.PageCapable, e.IsDynamic, e.UsageCount, e.IsActive, e.CreatedAt)
	return err
}

func (s *Store) IncrementUsage(ctx context.Context, id string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE workflow_entries SET usage_count = usage_count + 1 WHERE id=$1`, id)
	return err
}

func (s *Store) ListEntries(ctx context.Context) ([]workflow.Entry, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, name, trigger_description, intent_category, sub_intent, steps, page_capable, is_dynamic, usage_count, is_active, created_at
		FROM workflow_entries ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []workflow.Entry
	for rows.Next() {
		var e workflow.Entry
		var steps []byte
		if err := rows.Scan(&e.ID, &e.Name, &e.TriggerDescription, &e.Intent, &e.SubIntent, &steps,
			&e.PageCapable, &e.IsDynamic, &e.UsageCount, &e.IsActive, &e.CreatedAt); err != nil {
			return nil, err
		}
		if len(steps) > 0 {
			if err := json.Unmarshal(steps, &e.Steps); err != nil {
				return nil, fmt.Errorf("decode steps for %s: %w", e.ID, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) SetEntryActive(ctx context.Context, id string, active bool) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE workflow_entries SET is_active=$2 WHERE id=$1`, id, active)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("workflow entry not found: %s", id)
	}
	return nil
}

// Turn log operations

func (s *Store) SaveTurnLog(ctx context.Context, tl core.TurnLog) error {
	steps, err := json.Marshal(tl.Steps)
	if err != nil {
		return fmt.Errorf("marshal step results: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO turn_logs
			(id, conversation_id, user_id, user_message, intent, sub_intent, match_tier, entry_id, synthesized, replanned, steps, output_type, reply, status, error, started_at, finished_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)`,
		tl.ID, tl.ConversationID, tl.UserID, tl.UserMessage, tl.Intent, tl.SubIntent,
		tl.MatchTier, tl.EntryID, tl.Synthesized, tl.Replanned, steps,
		tl.OutputType, tl.Reply, tl.Status, tl.Error, tl.StartedAt, tl.FinishedAt)
	return err
}

func (s *Store) ListTurnLogs(ctx context.Context, conversationID string, limit int) ([]core.TurnLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, conversation_id, user_id, user_message, intent, sub_intent, match_tier, entry_id, synthesized, replanned, steps, output_type, reply, status, error, started_at, finished_at
		FROM turn_logs WHERE conversation_id=$1 ORDER BY started_at DESC LIMIT $2`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []core.TurnLog
	for rows.Next() {
		var tl core.TurnLog
		var steps []byte
		if err := rows.Scan(&tl.ID, &tl.ConversationID, &tl.UserID, &tl.UserMessage, &tl.Intent, &tl.SubIntent,
			&tl.MatchTier, &tl.EntryID, &tl.Synthesized, &tl.Replanned, &steps,
			&tl.OutputType, &tl.Reply, &tl.Status, &tl.Error, &tl.StartedAt, &tl.FinishedAt); err != nil {
			return nil, err
		}
		if len(steps) > 0 {
			if err := json.Unmarshal(steps, &tl.Steps); err != nil {
				return nil, fmt.Errorf("decode step results for %s: %w", tl.ID, err)
			}
		}
		out = append(out, tl)
	}
	return out, rows.Err()
}

// User operations

func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx, `INSERT INTO users (email, password_hash) VALUES ($1,$2)`, email, hash)
	return err
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx, `SELECT id, password_hash FROM users WHERE email=$1`, email).Scan(&id, &hash)
	return
}
