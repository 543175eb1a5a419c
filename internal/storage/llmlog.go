package storage

import (
	"encoding/json"
	"fmt"
	"time"
)

// SaveLLMCall appends one call attempt to the book's LLM log.
func (b *Book) SaveLLMCall(c LLMCall) (int64, error) {
	createdAt := c.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	verrs := c.ValidationErrors
	if verrs == nil {
		verrs = []string{}
	}
	verrsJSON, err := json.Marshal(verrs)
	if err != nil {
		return 0, err
	}
	messages := c.Messages
	if messages == "" {
		messages = "[]"
	}

	cacheHit := 0
	if c.CacheHit {
		cacheHit = 1
	}

	res, err := b.db.Exec(`
		INSERT INTO llm_log (created_at, task, item_id, model, cache_hit, attempt, duration_ms,
			input_tokens, output_tokens, validation_errors, error, messages)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		createdAt.UTC().Format(time.RFC3339Nano), c.Task, c.ItemID, c.Model, cacheHit, c.Attempt, c.DurationMs,
		c.InputTokens, c.OutputTokens, string(verrsJSON), c.Error, messages,
	)
	if err != nil {
		return 0, fmt.Errorf("saving llm call: %w", err)
	}
	return res.LastInsertId()
}

// ListLLMCalls returns logged calls, newest first. An empty task matches all tasks.
func (b *Book) ListLLMCalls(task string, limit, offset int) ([]LLMCall, error) {
	query := `
		SELECT id, created_at, task, item_id, model, cache_hit, attempt, duration_ms,
			input_tokens, output_tokens, validation_errors, error, messages
		FROM llm_log`
	args := []any{}
	if task != "" {
		query += ` WHERE task = ?`
		args = append(args, task)
	}
	query += ` ORDER BY id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := b.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var calls []LLMCall
	for rows.Next() {
		var c LLMCall
		var createdAt, verrs string
		var cacheHit int
		if err := rows.Scan(&c.ID, &createdAt, &c.Task, &c.ItemID, &c.Model, &cacheHit, &c.Attempt, &c.DurationMs,
			&c.InputTokens, &c.OutputTokens, &verrs, &c.Error, &c.Messages); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		c.CreatedAt = t
		c.CacheHit = cacheHit == 1
		if err := json.Unmarshal([]byte(verrs), &c.ValidationErrors); err != nil {
			return nil, fmt.Errorf("decoding validation errors: %w", err)
		}
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
