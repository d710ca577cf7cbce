package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"haven.app/ash/core/db"
	"haven.app/ash/internal/metrics"
	"haven.app/ash/internal/model"
)

// Archiver copies closed sessions into Postgres for long-term review.
// Live escalation state never touches this store; the archive is append-only
// and keyed by the anonymized user hash, not the raw user id.
type Archiver struct {
	db *db.DB
}

func New(database *db.DB) *Archiver {
	return &Archiver{db: database}
}

// ArchiveSession writes the closed session and bumps the weekly rollup in one
// transaction. Called from the engine after the session reaches a terminal
// status; a failure here is logged upstream and does not block the close.
func (a *Archiver) ArchiveSession(ctx context.Context, session *model.Session) error {
	if !session.Terminal() {
		return fmt.Errorf("session %d is not terminal", session.ID)
	}

	transcript, err := json.Marshal(session.Transcript)
	if err != nil {
		return fmt.Errorf("marshaling transcript: %w", err)
	}

	endReason := ""
	if session.EndReason != nil {
		endReason = string(*session.EndReason)
	}

	userHash := metrics.HashUser(session.UserID)
	weekStart := weekStartOf(session.StartedAt)

	return a.db.WithTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO archived_sessions
				(id, user_hash, alert_id, trigger, trigger_severity, status,
				 started_at, ended_at, end_reason, message_count, transcript)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO NOTHING`,
			session.ID,
			userHash,
			session.AlertID,
			string(session.Trigger),
			string(session.TriggerSeverity),
			string(session.Status),
			session.StartedAt,
			session.EndedAt,
			endReason,
			len(session.Transcript),
			transcript,
		)
		if err != nil {
			return fmt.Errorf("inserting archived session: %w", err)
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO session_weekly_rollups
				(week_start, sessions_total, sessions_handed_off, sessions_user_ended)
			VALUES ($1, 1, $2, $3)
			ON CONFLICT (week_start) DO UPDATE SET
				sessions_total = session_weekly_rollups.sessions_total + 1,
				sessions_handed_off = session_weekly_rollups.sessions_handed_off + $2,
				sessions_user_ended = session_weekly_rollups.sessions_user_ended + $3`,
			weekStart,
			boolToInt(session.Status == model.SessionStatusHandedOff),
			boolToInt(endReason == string(model.EndReasonUserEnded)),
		)
		if err != nil {
			return fmt.Errorf("updating weekly rollup: %w", err)
		}
		return nil
	})
}

// WeeklySummary is the rollup row operators read for reporting.
type WeeklySummary struct {
	WeekStart         time.Time
	SessionsTotal     int64
	SessionsHandedOff int64
	SessionsUserEnded int64
}

func (a *Archiver) WeeklySummary(ctx context.Context, weekStart time.Time) (*WeeklySummary, error) {
	row := a.db.Pool().QueryRow(ctx, `
		SELECT week_start, sessions_total, sessions_handed_off, sessions_user_ended
		FROM session_weekly_rollups
		WHERE week_start = $1`,
		weekStartOf(weekStart),
	)

	var summary WeeklySummary
	if err := row.Scan(
		&summary.WeekStart,
		&summary.SessionsTotal,
		&summary.SessionsHandedOff,
		&summary.SessionsUserEnded,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return &WeeklySummary{WeekStart: weekStartOf(weekStart)}, nil
		}
		return nil, fmt.Errorf("reading weekly rollup: %w", err)
	}
	return &summary, nil
}

// weekStartOf truncates to the preceding Monday at 00:00 UTC.
func weekStartOf(t time.Time) time.Time {
	t = t.UTC()
	offset := (int(t.Weekday()) + 6) % 7
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	return day.AddDate(0, 0, -offset)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
