package flow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/habitkit/smsagent/internal/models"
	"github.com/habitkit/smsagent/internal/store"
)

// DefaultSessionTTL bounds how long an idle conversation stays live.
const DefaultSessionTTL = 24 * time.Hour

// SessionManager keeps at most one live backup session per user.
type SessionManager struct {
	repo store.SessionRepo
	ttl  time.Duration
	now  func() time.Time
}

// NewSessionManager creates a SessionManager. A non-positive ttl means DefaultSessionTTL.
func NewSessionManager(repo store.SessionRepo, ttl time.Duration, now func() time.Time) *SessionManager {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if now == nil {
		now = time.Now
	}
	return &SessionManager{repo: repo, ttl: ttl, now: now}
}

// StartNew replaces any existing session of the user with a fresh one.
func (sm *SessionManager) StartNew(ctx context.Context, userID string, c StepContext) (*models.BackupSession, error) {
	raw, err := EncodeContext(c)
	if err != nil {
		return nil, err
	}
	now := sm.now()
	sess := models.BackupSession{
		ID:        uuid.NewString(),
		UserID:    userID,
		Step:      c.Step(),
		Context:   raw,
		CreatedAt: now,
		ExpiresAt: now.Add(sm.ttl),
	}
	if err := sm.repo.ReplaceBackupSession(ctx, sess); err != nil {
		slog.Error("SessionManager.StartNew: replace failed", "userID", userID, "error", err)
		return nil, fmt.Errorf("start session: %w", err)
	}
	slog.Debug("SessionManager.StartNew: session started", "userID", userID, "sessionID", sess.ID, "step", sess.Step)
	return &sess, nil
}

// GetLive returns the user's unexpired session, or nil.
func (sm *SessionManager) GetLive(ctx context.Context, userID string) (*models.BackupSession, error) {
	sess, err := sm.repo.GetLatestBackupSession(ctx, userID, sm.now())
	if err != nil {
		return nil, fmt.Errorf("get live session: %w", err)
	}
	return sess, nil
}

// Advance moves a session to the step and context of c.
func (sm *SessionManager) Advance(ctx context.Context, sessionID string, c StepContext) error {
	raw, err := EncodeContext(c)
	if err != nil {
		return err
	}
	if err := sm.repo.UpdateBackupSession(ctx, sessionID, c.Step(), raw); err != nil {
		slog.Error("SessionManager.Advance: update failed", "sessionID", sessionID, "step", c.Step(), "error", err)
		return fmt.Errorf("advance session: %w", err)
	}
	slog.Debug("SessionManager.Advance: session advanced", "sessionID", sessionID, "step", c.Step())
	return nil
}

// End deletes the session.
func (sm *SessionManager) End(ctx context.Context, sessionID string) error {
	if err := sm.repo.DeleteBackupSession(ctx, sessionID); err != nil {
		slog.Error("SessionManager.End: delete failed", "sessionID", sessionID, "error", err)
		return fmt.Errorf("end session: %w", err)
	}
	slog.Debug("SessionManager.End: session ended", "sessionID", sessionID)
	return nil
}
