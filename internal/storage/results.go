package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/petervdpas/heartline/internal/proto"
)

// CreateConstructiveResult opens a game session for two users.
func (d *DB) CreateConstructiveResult(ctx context.Context, first, second string) (proto.ConstructiveResult, error) {
	first, second = strings.TrimSpace(first), strings.TrimSpace(second)
	if first == "" || second == "" || first == second {
		return proto.ConstructiveResult{}, fmt.Errorf("%w: users %q and %q", ErrInvalid, first, second)
	}
	res := proto.ConstructiveResult{
		ID:         uuid.NewString(),
		FirstUser:  first,
		SecondUser: second,
		Answers:    map[string][]proto.Answer{},
	}
	created := d.stamp()

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO constructive_results (id, first_user, second_user, created_at)
		VALUES (?, ?, ?, ?)`, res.ID, first, second, created); err != nil {
		return proto.ConstructiveResult{}, fmt.Errorf("insert constructive result: %w", err)
	}
	res.CreatedAt = parseTime(created)
	log.Debugf("STORAGE: constructive result %s %s/%s", res.ID, first, second)
	return res, nil
}

// UpdateAnswer records userID's answer to one question and returns the
// updated result. Answering the same question again replaces the option.
func (d *DB) UpdateAnswer(ctx context.Context, id, userID, questionID string, option int) (proto.ConstructiveResult, error) {
	if questionID == "" || option < 0 {
		return proto.ConstructiveResult{}, fmt.Errorf("%w: question %q option %d", ErrInvalid, questionID, option)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return proto.ConstructiveResult{}, err
	}
	defer tx.Rollback()

	res, err := loadResult(ctx, tx, id)
	if err != nil {
		return proto.ConstructiveResult{}, err
	}
	if userID != res.FirstUser && userID != res.SecondUser {
		return proto.ConstructiveResult{}, ErrNotParticipant
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO constructive_answers (result_id, user_id, question_id, option, seq)
		VALUES (?, ?, ?, ?, (SELECT COUNT(*) FROM constructive_answers WHERE result_id = ? AND user_id = ?))
		ON CONFLICT(result_id, user_id, question_id) DO UPDATE SET option = excluded.option`,
		id, userID, questionID, option, id, userID); err != nil {
		return proto.ConstructiveResult{}, fmt.Errorf("insert answer: %w", err)
	}

	res, err = loadResult(ctx, tx, id)
	if err != nil {
		return proto.ConstructiveResult{}, err
	}
	res.Compatibility = compatibility(res.Answers[res.FirstUser], res.Answers[res.SecondUser])
	if _, err := tx.ExecContext(ctx, `UPDATE constructive_results SET compatibility = ? WHERE id = ?`,
		nullInt(res.Compatibility), id); err != nil {
		return proto.ConstructiveResult{}, fmt.Errorf("update compatibility: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return proto.ConstructiveResult{}, err
	}
	return res, nil
}

// GetConstructiveResult returns one game session with all answers.
func (d *DB) GetConstructiveResult(ctx context.Context, id string) (proto.ConstructiveResult, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return loadResult(ctx, d.db, id)
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func loadResult(ctx context.Context, q querier, id string) (proto.ConstructiveResult, error) {
	var res proto.ConstructiveResult
	var compat sql.NullInt64
	var created string
	err := q.QueryRowContext(ctx, `
		SELECT id, first_user, second_user, compatibility, created_at
		FROM constructive_results WHERE id = ?`, id).
		Scan(&res.ID, &res.FirstUser, &res.SecondUser, &compat, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.ConstructiveResult{}, ErrNotFound
	}
	if err != nil {
		return proto.ConstructiveResult{}, err
	}
	res.CreatedAt = parseTime(created)
	if compat.Valid {
		v := int(compat.Int64)
		res.Compatibility = &v
	}

	rows, err := q.QueryContext(ctx, `
		SELECT user_id, question_id, option FROM constructive_answers
		WHERE result_id = ? ORDER BY user_id, seq`, id)
	if err != nil {
		return proto.ConstructiveResult{}, err
	}
	defer rows.Close()
	res.Answers = map[string][]proto.Answer{}
	for rows.Next() {
		var user string
		var a proto.Answer
		if err := rows.Scan(&user, &a.QuestionID, &a.Option); err != nil {
			return proto.ConstructiveResult{}, err
		}
		res.Answers[user] = append(res.Answers[user], a)
	}
	return res, rows.Err()
}

// compatibility is the share of commonly answered questions where both chose
// the same option, in percent. nil until both answered at least one question.
func compatibility(a, b []proto.Answer) *int {
	chosen := make(map[string]int, len(a))
	for _, x := range a {
		chosen[x.QuestionID] = x.Option
	}
	common, same := 0, 0
	for _, y := range b {
		opt, ok := chosen[y.QuestionID]
		if !ok {
			continue
		}
		common++
		if opt == y.Option {
			same++
		}
	}
	if common == 0 {
		return nil
	}
	pct := (same*100 + common/2) / common
	return &pct
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}
