package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// HistoryPayload is the persisted replay schema from SPEC_FULL.md §6:
// { version, history: [ { state, modelOutput, result } ] }.
type HistoryPayload struct {
	Version int           `json:"version"`
	History []HistoryStep `json:"history"`
}

type HistoryStep struct {
	State       StepState   `json:"state"`
	ModelOutput ModelOutput `json:"modelOutput"`
	Result      []StepResult `json:"result"`
}

type StepState struct {
	URL            string `json:"url"`
	Title          string `json:"title"`
	SelectorIndices []int `json:"selectorIndices"`
}

type ModelOutput struct {
	Actions []map[string]any `json:"actions"`
}

type StepResult struct {
	IsDone           bool   `json:"isDone,omitempty"`
	ExtractedContent string `json:"extractedContent,omitempty"`
	Error            string `json:"error,omitempty"`
	IncludeInMemory  bool   `json:"includeInMemory,omitempty"`
}

const replaySchemaVersion = 1

// ReplayStore is the optional SQLite-backed key/value interface from
// SPEC_FULL.md §6: storeAgentStepHistory / loadAgentStepHistory.
type ReplayStore struct {
	db *sql.DB
}

// NewReplayStore opens (and migrates) a SQLite-backed replay store at path.
// Pass ":memory:" for an ephemeral store, e.g. in tests.
func NewReplayStore(path string) (*ReplayStore, error) {
	db, err := InitDBWithPath(path)
	if err != nil {
		return nil, err
	}
	return &ReplayStore{db: db}, nil
}

func (s *ReplayStore) Close() error {
	return CloseDB(s.db)
}

// StoreAgentStepHistory persists history for sessionId, overwriting any
// prior record (replay is keyed by session, not accumulated).
func (s *ReplayStore) StoreAgentStepHistory(ctx context.Context, sessionID, taskID, task string, history []HistoryStep) error {
	payload := HistoryPayload{Version: replaySchemaVersion, History: history}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	return RetryWithBackoff(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO replay_history (session_id, task_id, task, history_json, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(session_id) DO UPDATE SET
				task_id = excluded.task_id,
				task = excluded.task,
				history_json = excluded.history_json,
				updated_at = excluded.updated_at
		`, sessionID, taskID, task, string(data), now, now)
		return err
	})
}

// LoadAgentStepHistory returns the persisted history JSON for sessionId.
func (s *ReplayStore) LoadAgentStepHistory(ctx context.Context, sessionID string) (HistoryPayload, error) {
	var raw string
	err := RetryWithBackoff(ctx, func() error {
		row := s.db.QueryRowContext(ctx, `SELECT history_json FROM replay_history WHERE session_id = ?`, sessionID)
		return row.Scan(&raw)
	})
	if err != nil {
		return HistoryPayload{}, fmt.Errorf("load history for session %s: %w", sessionID, err)
	}
	var payload HistoryPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return HistoryPayload{}, fmt.Errorf("unmarshal history: %w", err)
	}
	return payload, nil
}
