package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/habitkit/smsagent/internal/models"
)

// sqlStore implements Store over database/sql. SQLiteStore and PostgresStore embed it and
// differ only in driver, migrations and placeholder syntax.
type sqlStore struct {
	db     *sql.DB
	name   string
	rebind func(string) string
}

func (s *sqlStore) q(query string) string {
	if s.rebind == nil {
		return query
	}
	return s.rebind(query)
}

// Ping verifies database connectivity.
func (s *sqlStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection.
func (s *sqlStore) Close() error {
	slog.Debug("Closing database connection", "backend", s.name)
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close database", "backend", s.name, "error", err)
	}
	return err
}

func (s *sqlStore) GetProfileByPhone(ctx context.Context, phone string) (*models.Profile, error) {
	var p models.Profile
	err := s.db.QueryRowContext(ctx,
		s.q(`SELECT id, phone, first_name, last_name, sms_opt_in FROM profiles WHERE phone = ?`), phone,
	).Scan(&p.ID, &p.Phone, &p.FirstName, &p.LastName, &p.SMSOptIn)
	if err == sql.ErrNoRows {
		slog.Debug("Store GetProfileByPhone not found", "backend", s.name, "phone", phone)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query profile by phone: %w", err)
	}
	return &p, nil
}

func (s *sqlStore) SetSMSOptIn(ctx context.Context, userID string, optIn bool) error {
	res, err := s.db.ExecContext(ctx, s.q(`UPDATE profiles SET sms_opt_in = ? WHERE id = ?`), optIn, userID)
	if err != nil {
		return fmt.Errorf("update sms opt-in for %s: %w", userID, err)
	}
	return requireRows(res)
}

func (s *sqlStore) UpsertProfile(ctx context.Context, p models.Profile) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO profiles (id, phone, first_name, last_name, sms_opt_in)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			phone = excluded.phone,
			first_name = excluded.first_name,
			last_name = excluded.last_name,
			sms_opt_in = excluded.sms_opt_in`),
		p.ID, p.Phone, p.FirstName, p.LastName, p.SMSOptIn)
	if err != nil {
		return fmt.Errorf("upsert profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *sqlStore) ListScheduleRows(ctx context.Context, userID string) ([]models.ScheduleRow, error) {
	return s.querySchedules(ctx,
		`SELECT id, user_id, habit_name, weekday FROM weekly_schedules WHERE user_id = ? ORDER BY habit_name, weekday, id`,
		userID)
}

func (s *sqlStore) ListHabitScheduleRows(ctx context.Context, userID, habitName string) ([]models.ScheduleRow, error) {
	return s.querySchedules(ctx,
		`SELECT id, user_id, habit_name, weekday FROM weekly_schedules WHERE user_id = ? AND habit_name = ? ORDER BY weekday, id`,
		userID, habitName)
}

func (s *sqlStore) querySchedules(ctx context.Context, query string, args ...interface{}) ([]models.ScheduleRow, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query weekly schedules: %w", err)
	}
	defer rows.Close()

	var out []models.ScheduleRow
	for rows.Next() {
		var r models.ScheduleRow
		if err := rows.Scan(&r.ID, &r.UserID, &r.HabitName, &r.Weekday); err != nil {
			return nil, fmt.Errorf("scan weekly schedule row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate weekly schedule rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) InsertScheduleRow(ctx context.Context, row models.ScheduleRow) error {
	if row.ID == "" {
		row.ID = newID()
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO weekly_schedules (id, user_id, habit_name, weekday) VALUES (?, ?, ?, ?)`),
		row.ID, row.UserID, row.HabitName, row.Weekday)
	if err != nil {
		return fmt.Errorf("insert weekly schedule row: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteScheduleRows(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	query := `DELETE FROM weekly_schedules WHERE id IN (` + placeholders(len(ids)) + `)`
	if _, err := s.db.ExecContext(ctx, s.q(query), args...); err != nil {
		return fmt.Errorf("delete weekly schedule rows: %w", err)
	}
	return nil
}

func (s *sqlStore) DeleteHabitSchedules(ctx context.Context, userID, habitName string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`DELETE FROM weekly_schedules WHERE user_id = ? AND habit_name = ?`), userID, habitName)
	if err != nil {
		return fmt.Errorf("delete schedules for habit %q: %w", habitName, err)
	}
	return nil
}

func (s *sqlStore) ListTrackingConfigs(ctx context.Context, userID string) ([]models.TrackingConfig, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT user_id, habit_name, enabled, tracking_type, unit, target
		FROM habit_tracking_configs WHERE user_id = ? ORDER BY habit_name`), userID)
	if err != nil {
		return nil, fmt.Errorf("query tracking configs: %w", err)
	}
	defer rows.Close()

	var out []models.TrackingConfig
	for rows.Next() {
		var c models.TrackingConfig
		var unit sql.NullString
		var target sql.NullFloat64
		if err := rows.Scan(&c.UserID, &c.HabitName, &c.Enabled, &c.TrackingType, &unit, &target); err != nil {
			return nil, fmt.Errorf("scan tracking config: %w", err)
		}
		c.Unit = unit.String
		c.Target = floatPtr(target)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tracking configs: %w", err)
	}
	return out, nil
}

func (s *sqlStore) UpsertTrackingConfig(ctx context.Context, c models.TrackingConfig) error {
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO habit_tracking_configs (user_id, habit_name, enabled, tracking_type, unit, target)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id, habit_name) DO UPDATE SET
			enabled = excluded.enabled,
			tracking_type = excluded.tracking_type,
			unit = excluded.unit,
			target = excluded.target`),
		c.UserID, c.HabitName, c.Enabled, string(c.TrackingType), nilIfEmpty(c.Unit), nullableFloat(c.Target))
	if err != nil {
		return fmt.Errorf("upsert tracking config %q: %w", c.HabitName, err)
	}
	return nil
}

func (s *sqlStore) UpdateTrackingTarget(ctx context.Context, userID, habitName string, target float64) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE habit_tracking_configs SET target = ? WHERE user_id = ? AND habit_name = ?`),
		target, userID, habitName)
	if err != nil {
		return fmt.Errorf("update target for habit %q: %w", habitName, err)
	}
	return requireRows(res)
}

func (s *sqlStore) DisableTracking(ctx context.Context, userID, habitName string) error {
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE habit_tracking_configs SET enabled = ? WHERE user_id = ? AND habit_name = ?`),
		false, userID, habitName)
	if err != nil {
		return fmt.Errorf("disable tracking for habit %q: %w", habitName, err)
	}
	return nil
}

// RenameHabit renames across the three habit tables in one transaction.
func (s *sqlStore) RenameHabit(ctx context.Context, userID, oldName, newName string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rename transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	for _, table := range []string{"weekly_schedules", "habit_tracking_configs", "habit_entries"} {
		query := `UPDATE ` + table + ` SET habit_name = ? WHERE user_id = ? AND habit_name = ?`
		if _, err := tx.ExecContext(ctx, s.q(query), newName, userID, oldName); err != nil {
			return fmt.Errorf("rename habit in %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rename transaction: %w", err)
	}
	slog.Debug("Store RenameHabit succeeded", "backend", s.name, "userID", userID, "from", oldName, "to", newName)
	return nil
}

func (s *sqlStore) InsertHabitEntry(ctx context.Context, e models.HabitEntry) error {
	if e.ID == "" {
		e.ID = newID()
	}
	_, err := s.db.ExecContext(ctx,
		s.q(`INSERT INTO habit_entries (id, user_id, habit_name, entry_date, value) VALUES (?, ?, ?, ?, ?)`),
		e.ID, e.UserID, e.HabitName, e.EntryDate, nullableFloat(e.Value))
	if err != nil {
		return fmt.Errorf("insert habit entry: %w", err)
	}
	return nil
}

func (s *sqlStore) ListHabitEntries(ctx context.Context, userID string) ([]models.HabitEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		s.q(`SELECT id, user_id, habit_name, entry_date, value FROM habit_entries WHERE user_id = ? ORDER BY entry_date, id`),
		userID)
	if err != nil {
		return nil, fmt.Errorf("query habit entries: %w", err)
	}
	defer rows.Close()

	var out []models.HabitEntry
	for rows.Next() {
		var e models.HabitEntry
		var value sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.UserID, &e.HabitName, &e.EntryDate, &value); err != nil {
			return nil, fmt.Errorf("scan habit entry: %w", err)
		}
		e.Value = floatPtr(value)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReplaceBackupSession deletes the user's sessions and inserts the new one atomically,
// so at most one session row per user is ever visible.
func (s *sqlStore) ReplaceBackupSession(ctx context.Context, sess models.BackupSession) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin session transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM backup_plan_sessions WHERE user_id = ?`), sess.UserID); err != nil {
		return fmt.Errorf("delete previous sessions: %w", err)
	}
	_, err = tx.ExecContext(ctx, s.q(`
		INSERT INTO backup_plan_sessions (id, user_id, step, context, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`),
		sess.ID, sess.UserID, string(sess.Step), string(sess.Context), sess.CreatedAt.Unix(), sess.ExpiresAt.Unix())
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit session transaction: %w", err)
	}
	slog.Debug("Store ReplaceBackupSession succeeded", "backend", s.name, "userID", sess.UserID, "step", sess.Step)
	return nil
}

func (s *sqlStore) GetLatestBackupSession(ctx context.Context, userID string, now time.Time) (*models.BackupSession, error) {
	var sess models.BackupSession
	var step, contextJSON string
	var createdAt, expiresAt int64
	err := s.db.QueryRowContext(ctx, s.q(`
		SELECT id, user_id, step, context, created_at, expires_at
		FROM backup_plan_sessions
		WHERE user_id = ? AND expires_at > ?
		ORDER BY created_at DESC LIMIT 1`), userID, now.Unix(),
	).Scan(&sess.ID, &sess.UserID, &step, &contextJSON, &createdAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query live session: %w", err)
	}
	sess.Step = models.BackupStep(step)
	sess.Context = json.RawMessage(contextJSON)
	sess.CreatedAt = time.Unix(createdAt, 0)
	sess.ExpiresAt = time.Unix(expiresAt, 0)
	return &sess, nil
}

func (s *sqlStore) UpdateBackupSession(ctx context.Context, id string, step models.BackupStep, context []byte) error {
	res, err := s.db.ExecContext(ctx,
		s.q(`UPDATE backup_plan_sessions SET step = ?, context = ? WHERE id = ?`),
		string(step), string(context), id)
	if err != nil {
		return fmt.Errorf("update session %s: %w", id, err)
	}
	return requireRows(res)
}

func (s *sqlStore) DeleteBackupSession(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, s.q(`DELETE FROM backup_plan_sessions WHERE id = ?`), id); err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

func (s *sqlStore) DeleteExpiredBackupSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM backup_plan_sessions WHERE expires_at <= ?`), now.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *sqlStore) InsertBackupPlanLog(ctx context.Context, entry models.BackupPlanLog) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	original, err := json.Marshal(entry.OriginalValue)
	if err != nil {
		return fmt.Errorf("marshal original value: %w", err)
	}
	updated, err := json.Marshal(entry.NewValue)
	if err != nil {
		return fmt.Errorf("marshal new value: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO backup_plan_logs (id, user_id, habit_name, change_type, original_value, new_value, reasoning, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, entry.UserID, entry.HabitName, string(entry.ChangeType),
		string(original), string(updated), entry.Reasoning, entry.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert backup plan log: %w", err)
	}
	return nil
}

func (s *sqlStore) ListBackupPlanLogs(ctx context.Context, userID string) ([]models.BackupPlanLog, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, user_id, habit_name, change_type, original_value, new_value, reasoning, created_at
		FROM backup_plan_logs WHERE user_id = ? ORDER BY created_at, id`), userID)
	if err != nil {
		return nil, fmt.Errorf("query backup plan logs: %w", err)
	}
	defer rows.Close()

	var out []models.BackupPlanLog
	for rows.Next() {
		var l models.BackupPlanLog
		var changeType, original, updated string
		var createdAt int64
		if err := rows.Scan(&l.ID, &l.UserID, &l.HabitName, &changeType, &original, &updated, &l.Reasoning, &createdAt); err != nil {
			return nil, fmt.Errorf("scan backup plan log: %w", err)
		}
		l.ChangeType = models.ChangeType(changeType)
		if err := json.Unmarshal([]byte(original), &l.OriginalValue); err != nil {
			return nil, fmt.Errorf("decode original value of log %s: %w", l.ID, err)
		}
		if err := json.Unmarshal([]byte(updated), &l.NewValue); err != nil {
			return nil, fmt.Errorf("decode new value of log %s: %w", l.ID, err)
		}
		l.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqlStore) InsertMessageLog(ctx context.Context, entry models.MessageLog) error {
	if entry.ID == "" {
		entry.ID = newID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO sms_logs (id, direction, phone, body, user_id, user_name, provider_id, status, error_message, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		entry.ID, string(entry.Direction), entry.Phone, entry.Body,
		nilIfEmpty(entry.UserID), nilIfEmpty(entry.UserName), nilIfEmpty(entry.ProviderID),
		string(entry.Status), nilIfEmpty(entry.ErrorMessage), entry.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert sms log: %w", err)
	}
	return nil
}

func (s *sqlStore) ListMessageLogs(ctx context.Context, phone string) ([]models.MessageLog, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT id, direction, phone, body, user_id, user_name, provider_id, status, error_message, created_at
		FROM sms_logs WHERE phone = ? ORDER BY created_at, id`), phone)
	if err != nil {
		return nil, fmt.Errorf("query sms logs: %w", err)
	}
	defer rows.Close()

	var out []models.MessageLog
	for rows.Next() {
		var l models.MessageLog
		var direction, status string
		var userID, userName, providerID, errMsg sql.NullString
		var createdAt int64
		if err := rows.Scan(&l.ID, &direction, &l.Phone, &l.Body, &userID, &userName, &providerID, &status, &errMsg, &createdAt); err != nil {
			return nil, fmt.Errorf("scan sms log: %w", err)
		}
		l.Direction = models.MessageDirection(direction)
		l.Status = models.MessageStatus(status)
		l.UserID = userID.String
		l.UserName = userName.String
		l.ProviderID = providerID.String
		l.ErrorMessage = errMsg.String
		l.CreatedAt = time.Unix(createdAt, 0)
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *sqlStore) RecordInbound(ctx context.Context, messageID, participantID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		INSERT INTO inbound_dedup (message_id, participant_id, received_at) VALUES (?, ?, ?)
		ON CONFLICT (message_id) DO NOTHING`),
		messageID, participantID, time.Now().Unix())
	if err != nil {
		return false, fmt.Errorf("record inbound failed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("record inbound rows affected: %w", err)
	}
	return n == 1, nil
}

func (s *sqlStore) MarkProcessed(ctx context.Context, messageID string) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx,
		s.q(`UPDATE inbound_dedup SET processed_at = ? WHERE message_id = ?`), unixOrNil(&now), messageID)
	if err != nil {
		return fmt.Errorf("mark processed failed: %w", err)
	}
	return nil
}

func (s *sqlStore) PurgeDedupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, s.q(`DELETE FROM inbound_dedup WHERE received_at < ?`), cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("purge dedup records: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func requireRows(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
