package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/habitkit/smsagent/internal/models"
)

// InMemoryStore is a Store kept entirely in process memory.
type InMemoryStore struct {
	mu        sync.RWMutex
	profiles  map[string]models.Profile // keyed by user ID
	schedules []models.ScheduleRow
	configs   []models.TrackingConfig
	entries   []models.HabitEntry
	sessions  []models.BackupSession
	auditLogs []models.BackupPlanLog
	msgLogs   []models.MessageLog
	dedup     map[string]DedupRecord
}

var _ Store = (*InMemoryStore)(nil)

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		profiles: make(map[string]models.Profile),
		dedup:    make(map[string]DedupRecord),
	}
}

func (s *InMemoryStore) GetProfileByPhone(ctx context.Context, phone string) (*models.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.profiles {
		if p.Phone == phone {
			found := p
			return &found, nil
		}
	}
	return nil, nil
}

func (s *InMemoryStore) SetSMSOptIn(ctx context.Context, userID string, optIn bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.profiles[userID]
	if !ok {
		return ErrNotFound
	}
	p.SMSOptIn = optIn
	s.profiles[userID] = p
	return nil
}

func (s *InMemoryStore) UpsertProfile(ctx context.Context, p models.Profile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
	return nil
}

func (s *InMemoryStore) ListScheduleRows(ctx context.Context, userID string) ([]models.ScheduleRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []models.ScheduleRow
	for _, r := range s.schedules {
		if r.UserID == userID {
			rows = append(rows, r)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].HabitName != rows[j].HabitName {
			return rows[i].HabitName < rows[j].HabitName
		}
		return rows[i].Weekday < rows[j].Weekday
	})
	return rows, nil
}

func (s *InMemoryStore) ListHabitScheduleRows(ctx context.Context, userID, habitName string) ([]models.ScheduleRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rows []models.ScheduleRow
	for _, r := range s.schedules {
		if r.UserID == userID && r.HabitName == habitName {
			rows = append(rows, r)
		}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Weekday < rows[j].Weekday })
	return rows, nil
}

func (s *InMemoryStore) InsertScheduleRow(ctx context.Context, row models.ScheduleRow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if row.ID == "" {
		row.ID = newID()
	}
	s.schedules = append(s.schedules, row)
	return nil
}

func (s *InMemoryStore) DeleteScheduleRows(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := s.schedules[:0]
	for _, r := range s.schedules {
		if !drop[r.ID] {
			kept = append(kept, r)
		}
	}
	s.schedules = kept
	return nil
}

func (s *InMemoryStore) DeleteHabitSchedules(ctx context.Context, userID, habitName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.schedules[:0]
	for _, r := range s.schedules {
		if r.UserID != userID || r.HabitName != habitName {
			kept = append(kept, r)
		}
	}
	s.schedules = kept
	return nil
}

func (s *InMemoryStore) ListTrackingConfigs(ctx context.Context, userID string) ([]models.TrackingConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TrackingConfig
	for _, c := range s.configs {
		if c.UserID == userID {
			out = append(out, copyConfig(c))
		}
	}
	return out, nil
}

func (s *InMemoryStore) UpsertTrackingConfig(ctx context.Context, cfg models.TrackingConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.configs {
		if c.UserID == cfg.UserID && c.HabitName == cfg.HabitName {
			s.configs[i] = copyConfig(cfg)
			return nil
		}
	}
	s.configs = append(s.configs, copyConfig(cfg))
	return nil
}

func (s *InMemoryStore) UpdateTrackingTarget(ctx context.Context, userID, habitName string, target float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.configs {
		if c.UserID == userID && c.HabitName == habitName {
			t := target
			s.configs[i].Target = &t
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) DisableTracking(ctx context.Context, userID, habitName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.configs {
		if c.UserID == userID && c.HabitName == habitName {
			s.configs[i].Enabled = false
		}
	}
	return nil
}

func (s *InMemoryStore) RenameHabit(ctx context.Context, userID, oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.schedules {
		if s.schedules[i].UserID == userID && s.schedules[i].HabitName == oldName {
			s.schedules[i].HabitName = newName
		}
	}
	for i := range s.configs {
		if s.configs[i].UserID == userID && s.configs[i].HabitName == oldName {
			s.configs[i].HabitName = newName
		}
	}
	for i := range s.entries {
		if s.entries[i].UserID == userID && s.entries[i].HabitName == oldName {
			s.entries[i].HabitName = newName
		}
	}
	return nil
}

func (s *InMemoryStore) InsertHabitEntry(ctx context.Context, entry models.HabitEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.ID == "" {
		entry.ID = newID()
	}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *InMemoryStore) ListHabitEntries(ctx context.Context, userID string) ([]models.HabitEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.HabitEntry
	for _, e := range s.entries {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) ReplaceBackupSession(ctx context.Context, sess models.BackupSession) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.sessions[:0]
	for _, existing := range s.sessions {
		if existing.UserID != sess.UserID {
			kept = append(kept, existing)
		}
	}
	sess.Context = append([]byte(nil), sess.Context...)
	s.sessions = append(kept, sess)
	return nil
}

func (s *InMemoryStore) GetLatestBackupSession(ctx context.Context, userID string, now time.Time) (*models.BackupSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var latest *models.BackupSession
	for i := range s.sessions {
		sess := s.sessions[i]
		if sess.UserID != userID || !sess.IsLive(now) {
			continue
		}
		if latest == nil || sess.CreatedAt.After(latest.CreatedAt) {
			found := sess
			found.Context = append([]byte(nil), sess.Context...)
			latest = &found
		}
	}
	return latest, nil
}

func (s *InMemoryStore) UpdateBackupSession(ctx context.Context, id string, step models.BackupStep, context []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.sessions {
		if s.sessions[i].ID == id {
			s.sessions[i].Step = step
			s.sessions[i].Context = append([]byte(nil), context...)
			return nil
		}
	}
	return ErrNotFound
}

func (s *InMemoryStore) DeleteBackupSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	kept := s.sessions[:0]
	for _, sess := range s.sessions {
		if sess.ID != id {
			kept = append(kept, sess)
		}
	}
	s.sessions = kept
	return nil
}

func (s *InMemoryStore) DeleteExpiredBackupSessions(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	kept := s.sessions[:0]
	for _, sess := range s.sessions {
		if sess.IsLive(now) {
			kept = append(kept, sess)
		} else {
			removed++
		}
	}
	s.sessions = kept
	return removed, nil
}

// CountBackupSessions returns how many session rows, live or expired, the user has.
func (s *InMemoryStore) CountBackupSessions(userID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			n++
		}
	}
	return n
}

func (s *InMemoryStore) InsertBackupPlanLog(ctx context.Context, entry models.BackupPlanLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLogs = append(s.auditLogs, entry)
	return nil
}

func (s *InMemoryStore) ListBackupPlanLogs(ctx context.Context, userID string) ([]models.BackupPlanLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.BackupPlanLog
	for _, l := range s.auditLogs {
		if l.UserID == userID {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *InMemoryStore) InsertMessageLog(ctx context.Context, entry models.MessageLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.msgLogs = append(s.msgLogs, entry)
	return nil
}

func (s *InMemoryStore) ListMessageLogs(ctx context.Context, phone string) ([]models.MessageLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.MessageLog
	for _, l := range s.msgLogs {
		if l.Phone == phone {
			out = append(out, l)
		}
	}
	return out, nil
}

func (s *InMemoryStore) RecordInbound(ctx context.Context, messageID, participantID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.dedup[messageID]; seen {
		return false, nil
	}
	s.dedup[messageID] = DedupRecord{MessageID: messageID, ParticipantID: participantID, ReceivedAt: time.Now()}
	return true, nil
}

func (s *InMemoryStore) MarkProcessed(ctx context.Context, messageID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.dedup[messageID]
	if !ok {
		return nil
	}
	now := time.Now()
	rec.ProcessedAt = &now
	s.dedup[messageID] = rec
	return nil
}

func (s *InMemoryStore) PurgeDedupBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for id, rec := range s.dedup {
		if rec.ReceivedAt.Before(cutoff) {
			delete(s.dedup, id)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStore) Ping(ctx context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }

func copyConfig(c models.TrackingConfig) models.TrackingConfig {
	if c.Target != nil {
		t := *c.Target
		c.Target = &t
	}
	return c
}
