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

// CreateDatingCall stores the settlement record of one finished call.
func (d *DB) CreateDatingCall(ctx context.Context, first, second string, duration int, gameSessionID string) (proto.DatingCall, error) {
	first, second = strings.TrimSpace(first), strings.TrimSpace(second)
	if first == "" || second == "" || first == second {
		return proto.DatingCall{}, fmt.Errorf("%w: participants %q and %q", ErrInvalid, first, second)
	}
	if duration < 0 {
		return proto.DatingCall{}, fmt.Errorf("%w: negative duration", ErrInvalid)
	}

	rec := proto.DatingCall{
		ID:                uuid.NewString(),
		FirstParticipant:  first,
		SecondParticipant: second,
		Duration:          duration,
		GameSessionID:     gameSessionID,
	}
	created := d.stamp()

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, err := d.db.ExecContext(ctx, `
		INSERT INTO dating_calls (id, first_participant, second_participant, duration, game_session_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.FirstParticipant, rec.SecondParticipant, rec.Duration, rec.GameSessionID, created,
	); err != nil {
		return proto.DatingCall{}, fmt.Errorf("insert dating call: %w", err)
	}
	rec.CreatedAt = parseTime(created)
	log.Infof("STORAGE: dating call %s %s/%s %ds", rec.ID, first, second, duration)
	return rec, nil
}

// GetDatingCall returns one record or ErrNotFound.
func (d *DB) GetDatingCall(ctx context.Context, id string) (proto.DatingCall, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var rec proto.DatingCall
	var created string
	err := d.db.QueryRowContext(ctx, `
		SELECT id, first_participant, second_participant, duration, game_session_id, created_at
		FROM dating_calls WHERE id = ?`, id).
		Scan(&rec.ID, &rec.FirstParticipant, &rec.SecondParticipant, &rec.Duration, &rec.GameSessionID, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return proto.DatingCall{}, ErrNotFound
	}
	if err != nil {
		return proto.DatingCall{}, err
	}
	rec.CreatedAt = parseTime(created)
	return rec, nil
}

// ListDatingCalls returns the most recent records involving userID, newest
// first. An empty userID lists everything.
func (d *DB) ListDatingCalls(ctx context.Context, userID string, limit int) ([]proto.DatingCall, error) {
	if limit <= 0 {
		limit = 50
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	rows, err := d.db.QueryContext(ctx, `
		SELECT id, first_participant, second_participant, duration, game_session_id, created_at
		FROM dating_calls
		WHERE ? = '' OR first_participant = ? OR second_participant = ?
		ORDER BY created_at DESC LIMIT ?`, userID, userID, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []proto.DatingCall
	for rows.Next() {
		var rec proto.DatingCall
		var created string
		if err := rows.Scan(&rec.ID, &rec.FirstParticipant, &rec.SecondParticipant, &rec.Duration, &rec.GameSessionID, &created); err != nil {
			return nil, err
		}
		rec.CreatedAt = parseTime(created)
		out = append(out, rec)
	}
	return out, rows.Err()
}
