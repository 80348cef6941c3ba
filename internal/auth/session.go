package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/algoritmia/algoritmia-api/internal/model"
	"github.com/algoritmia/algoritmia-api/internal/repository"
)

// SessionManager はセッションの発行・検証・失効を行う。
// ユーザーごとに有効なセッションは最大1つで、既存セッションがある場合は新規発行を拒否する。
type SessionManager struct {
	sessions repository.SessionRepository
	users    repository.UserRepository
	ttl      time.Duration
}

// NewSessionManager はSessionManagerを生成する。
func NewSessionManager(sessions repository.SessionRepository, users repository.UserRepository, ttl time.Duration) *SessionManager {
	return &SessionManager{sessions: sessions, users: users, ttl: ttl}
}

// TTL はセッションの有効期間を返す。Cookieの Max-Age と一致させる。
func (m *SessionManager) TTL() time.Duration {
	return m.ttl
}

// CreateSession はユーザーのセッションを作成し、生トークンを返す。
// 有効なセッションが既にある場合はCONCURRENT_SESSION_EXISTSを返す。
func (m *SessionManager) CreateSession(ctx context.Context, userID string, meta model.SessionMeta) (string, *model.Session, error) {
	raw, digest, err := IssueToken()
	if err != nil {
		return "", nil, err
	}

	session := &model.Session{
		ID:        uuid.New().String(),
		UserID:    userID,
		TokenHash: digest,
		IP:        meta.IP,
		UserAgent: meta.UserAgent,
	}

	err = m.sessions.CreateActive(ctx, session, m.ttl)
	switch {
	case errors.Is(err, repository.ErrActiveSessionExists):
		return "", nil, model.NewConcurrentSessionError()
	case errors.Is(err, repository.ErrNotFound):
		return "", nil, model.NewUnauthenticatedError()
	case err != nil:
		return "", nil, fmt.Errorf("failed to create session: %w", err)
	}

	return raw, session, nil
}

// ValidateSession は生トークンから有効なセッションとユーザーを解決する。
// 存在しない・失効済み・期限切れはすべてUNAUTHENTICATEDを返す。
func (m *SessionManager) ValidateSession(ctx context.Context, raw string) (*model.Session, *model.User, error) {
	if raw == "" {
		return nil, nil, model.NewUnauthenticatedError()
	}

	session, err := m.sessions.FindActiveByTokenHash(ctx, HashToken(raw))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find session: %w", err)
	}
	if session == nil {
		return nil, nil, model.NewUnauthenticatedError()
	}

	user, err := m.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to find user: %w", err)
	}
	if user == nil {
		return nil, nil, model.NewUnauthenticatedError()
	}

	if err := m.sessions.TouchLastSeen(ctx, session.ID); err != nil {
		slog.Warn("failed to touch session",
			slog.String("session_id", session.ID),
			slog.String("error", err.Error()),
		)
	}

	return session, user, nil
}

// RevokeSession はセッションを失効させる。失効済みの場合も成功とする。
func (m *SessionManager) RevokeSession(ctx context.Context, sessionID string) error {
	if err := m.sessions.Revoke(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	return nil
}

// RevokeAllForUser はユーザーの全ての有効なセッションを失効させる。
func (m *SessionManager) RevokeAllForUser(ctx context.Context, userID string) (int64, error) {
	n, err := m.sessions.RevokeAllForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	return n, nil
}
