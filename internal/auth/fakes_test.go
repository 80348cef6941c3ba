package auth

import (
	"context"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/algoritmia/algoritmia-api/internal/model"
	"github.com/algoritmia/algoritmia-api/internal/repository"
)

// --- インメモリのフェイク実装 ---
// PostgreSQLの制約（一意性、now()による有効期限判定、トランザクションのロールバック）を模倣する。

type memTxKey struct{}

type memState struct {
	users      map[string]model.User
	identities map[string]model.Identity
	sessions   map[string]model.Session
	tokens     map[model.TokenKind]map[string]model.VerificationToken
}

func (s memState) clone() memState {
	c := memState{
		users:      make(map[string]model.User, len(s.users)),
		identities: make(map[string]model.Identity, len(s.identities)),
		sessions:   make(map[string]model.Session, len(s.sessions)),
		tokens:     make(map[model.TokenKind]map[string]model.VerificationToken, len(s.tokens)),
	}
	for k, v := range s.users {
		v.Roles = append([]string(nil), v.Roles...)
		c.users[k] = v
	}
	for k, v := range s.identities {
		c.identities[k] = v
	}
	for k, v := range s.sessions {
		c.sessions[k] = v
	}
	for kind, m := range s.tokens {
		c.tokens[kind] = make(map[string]model.VerificationToken, len(m))
		for k, v := range m {
			c.tokens[kind][k] = v
		}
	}
	return c
}

type memStore struct {
	txMu sync.Mutex // トランザクションを直列化する（FOR UPDATE相当）
	mu   sync.Mutex
	now  time.Time
	memState

	// findUserErr が設定されている場合、次のFindByIDはそのエラーを1回だけ返す。
	findUserErr error
}

func newMemStore() *memStore {
	return &memStore{
		now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		memState: memState{
			users:      map[string]model.User{},
			identities: map[string]model.Identity{},
			sessions:   map[string]model.Session{},
			tokens: map[model.TokenKind]map[string]model.VerificationToken{
				model.TokenKindEmailVerification: {},
				model.TokenKindPasswordReset:     {},
			},
		},
	}
}

func (s *memStore) advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = s.now.Add(d)
}

func (s *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memTxKey{}) != nil {
		return fn(ctx)
	}
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.memState.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, memTxKey{}, true)); err != nil {
		s.mu.Lock()
		s.memState = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// --- UserRepository ---

type memUserRepo struct{ s *memStore }

func (r *memUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if err := r.s.findUserErr; err != nil {
		r.s.findUserErr = nil
		return nil, err
	}
	u, ok := r.s.users[id]
	if !ok {
		return nil, nil
	}
	u.Roles = append([]string(nil), u.Roles...)
	return &u, nil
}

func (r *memUserRepo) FindByEmail(_ context.Context, email string) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, u := range r.s.users {
		if strings.EqualFold(u.Email, email) {
			u.Roles = append([]string(nil), u.Roles...)
			return &u, nil
		}
	}
	return nil, nil
}

func (r *memUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		for _, u := range r.s.users {
			if strings.EqualFold(u.Email, user.Email) {
				return repository.ErrDuplicateEmail
			}
			if u.CodeforcesHandle == user.CodeforcesHandle {
				return repository.ErrDuplicateHandle
			}
		}
		user.CreatedAt, user.UpdatedAt = r.s.now, r.s.now
		user.Roles = []string{model.RoleUser}
		identity.CreatedAt = r.s.now
		r.s.users[user.ID] = *user
		r.s.identities[identity.ID] = *identity
		return nil
	})
}

func (r *memUserRepo) Update(_ context.Context, id string, update model.UserUpdate) (*model.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	if update.CodeforcesHandle != nil {
		for otherID, other := range r.s.users {
			if otherID != id && other.CodeforcesHandle == *update.CodeforcesHandle {
				return nil, repository.ErrDuplicateHandle
			}
		}
		u.CodeforcesHandle = *update.CodeforcesHandle
	}
	if update.FullName != nil {
		u.FullName = *update.FullName
	}
	if update.Country != nil {
		u.Country = *update.Country
	}
	if update.ProfileImageURL != nil {
		if *update.ProfileImageURL == "" {
			u.ProfileImageURL = nil
		} else {
			v := *update.ProfileImageURL
			u.ProfileImageURL = &v
		}
	}
	u.UpdatedAt = r.s.now
	r.s.users[id] = u
	return &u, nil
}

func (r *memUserRepo) ListRoles(_ context.Context, userID string) ([]string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	roles := append([]string{}, r.s.users[userID].Roles...)
	sort.Strings(roles)
	return roles, nil
}

func (r *memUserRepo) AssignRole(_ context.Context, userID, role string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok || !model.IsKnownRole(role) {
		return repository.ErrNotFound
	}
	if !u.HasAnyRole(role) {
		u.Roles = append(u.Roles, role)
		r.s.users[userID] = u
	}
	return nil
}

func (r *memUserRepo) RevokeRole(_ context.Context, userID, role string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u := r.s.users[userID]
	var kept []string
	for _, have := range u.Roles {
		if have != role {
			kept = append(kept, have)
		}
	}
	u.Roles = kept
	r.s.users[userID] = u
	return nil
}

// --- IdentityRepository ---

type memIdentityRepo struct{ s *memStore }

func (r *memIdentityRepo) find(match func(model.Identity) bool) *model.Identity {
	for _, i := range r.s.identities {
		if i.Provider == model.ProviderLocal && match(i) {
			return &i
		}
	}
	return nil
}

func (r *memIdentityRepo) FindLocalByEmail(_ context.Context, email string) (*model.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.find(func(i model.Identity) bool { return strings.EqualFold(i.Email, email) }), nil
}

func (r *memIdentityRepo) FindLocalByUserID(_ context.Context, userID string) (*model.Identity, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return r.find(func(i model.Identity) bool { return i.UserID == userID }), nil
}

func (r *memIdentityRepo) UpdatePasswordHash(_ context.Context, identityID, passwordHash string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	i, ok := r.s.identities[identityID]
	if !ok {
		return repository.ErrNotFound
	}
	i.PasswordHash = &passwordHash
	r.s.identities[identityID] = i
	return nil
}

func (r *memIdentityRepo) MarkEmailVerified(_ context.Context, userID string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, i := range r.s.identities {
		if i.UserID == userID && i.Provider == model.ProviderLocal && i.EmailVerifiedAt == nil {
			now := r.s.now
			i.EmailVerifiedAt = &now
			r.s.identities[id] = i
			return true, nil
		}
	}
	return false, nil
}

// --- SessionRepository ---

type memSessionRepo struct{ s *memStore }

func (r *memSessionRepo) CreateActive(ctx context.Context, session *model.Session, ttl time.Duration) error {
	return r.s.WithinTx(ctx, func(ctx context.Context) error {
		r.s.mu.Lock()
		defer r.s.mu.Unlock()
		if _, ok := r.s.users[session.UserID]; !ok {
			return repository.ErrNotFound
		}
		for _, existing := range r.s.sessions {
			if existing.UserID == session.UserID && existing.IsActiveAt(r.s.now) {
				return repository.ErrActiveSessionExists
			}
		}
		session.CreatedAt = r.s.now
		session.LastSeenAt = r.s.now
		session.ExpiresAt = r.s.now.Add(ttl)
		r.s.sessions[session.ID] = *session
		return nil
	})
}

func (r *memSessionRepo) FindActiveByTokenHash(_ context.Context, tokenHash string) (*model.Session, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, sess := range r.s.sessions {
		if sess.TokenHash == tokenHash && sess.IsActiveAt(r.s.now) {
			return &sess, nil
		}
	}
	return nil, nil
}

func (r *memSessionRepo) TouchLastSeen(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sess, ok := r.s.sessions[id]; ok {
		sess.LastSeenAt = r.s.now
		r.s.sessions[id] = sess
	}
	return nil
}

func (r *memSessionRepo) Revoke(_ context.Context, id string) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if sess, ok := r.s.sessions[id]; ok && sess.RevokedAt == nil {
		now := r.s.now
		sess.RevokedAt = &now
		r.s.sessions[id] = sess
	}
	return nil
}

func (r *memSessionRepo) RevokeAllForUser(_ context.Context, userID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, sess := range r.s.sessions {
		if sess.UserID == userID && sess.RevokedAt == nil {
			now := r.s.now
			sess.RevokedAt = &now
			r.s.sessions[id] = sess
			n++
		}
	}
	return n, nil
}

func (r *memSessionRepo) DeleteStale(_ context.Context, retention time.Duration) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	cutoff := r.s.now.Add(-retention)
	var n int64
	for id, sess := range r.s.sessions {
		if sess.ExpiresAt.Before(cutoff) || (sess.RevokedAt != nil && sess.RevokedAt.Before(cutoff)) {
			delete(r.s.sessions, id)
			n++
		}
	}
	return n, nil
}

// --- TokenRepository ---

type memTokenRepo struct {
	s    *memStore
	kind model.TokenKind
}

func (r *memTokenRepo) Kind() model.TokenKind { return r.kind }

func (r *memTokenRepo) redeemable(t model.VerificationToken) bool {
	return t.UsedAt == nil && r.s.now.Before(t.ExpiresAt)
}

func (r *memTokenRepo) InvalidateActiveForUser(_ context.Context, userID string) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for id, t := range r.s.tokens[r.kind] {
		if t.UserID == userID && r.redeemable(t) {
			now := r.s.now
			t.UsedAt = &now
			r.s.tokens[r.kind][id] = t
			n++
		}
	}
	return n, nil
}

func (r *memTokenRepo) Create(_ context.Context, token *model.VerificationToken, ttl time.Duration) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	token.CreatedAt = r.s.now
	token.ExpiresAt = r.s.now.Add(ttl)
	r.s.tokens[r.kind][token.ID] = *token
	return nil
}

func (r *memTokenRepo) Consume(_ context.Context, tokenHash string) (string, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for id, t := range r.s.tokens[r.kind] {
		if t.TokenHash == tokenHash && r.redeemable(t) {
			now := r.s.now
			t.UsedAt = &now
			r.s.tokens[r.kind][id] = t
			return t.UserID, nil
		}
	}
	return "", repository.ErrTokenNotRedeemable
}

func (r *memTokenRepo) DeleteStale(_ context.Context, retention time.Duration) (int64, error) {
	return 0, nil
}

// activeTokenCount は未使用かつ有効なトークン数を返す。
func (s *memStore) activeTokenCount(kind model.TokenKind, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tokens[kind] {
		if t.UserID == userID && t.UsedAt == nil && s.now.Before(t.ExpiresAt) {
			n++
		}
	}
	return n
}

// --- Notifier ---

type sentLink struct {
	kind model.TokenKind
	to   string
	link string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentLink
}

func (n *recordingNotifier) Notify(kind model.TokenKind, user *model.User, link string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentLink{kind: kind, to: user.Email, link: link})
}

// lastToken は指定種別で最後に送信したリンクから生トークンを取り出す。
func (n *recordingNotifier) lastToken(kind model.TokenKind) string {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.sent) - 1; i >= 0; i-- {
		if n.sent[i].kind != kind {
			continue
		}
		u, err := url.Parse(n.sent[i].link)
		if err != nil {
			return ""
		}
		return u.Query().Get("token")
	}
	return ""
}

func (n *recordingNotifier) count(kind model.TokenKind) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, s := range n.sent {
		if s.kind == kind {
			c++
		}
	}
	return c
}

// --- HandleChecker / EventRecorder ---

type mockHandleChecker struct {
	handleExistsFn func(ctx context.Context, handle string) (bool, error)
}

func (m *mockHandleChecker) HandleExists(ctx context.Context, handle string) (bool, error) {
	if m.handleExistsFn != nil {
		return m.handleExistsFn(ctx, handle)
	}
	return true, nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []string
}

func (r *recordingEvents) RecordAuthEvent(event, outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event+":"+outcome)
}

// --- 組み立て ---

// testHasherParams はテスト用の低コストArgon2idパラメータ。
var testHasherParams = Argon2idParams{Memory: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

type testEnv struct {
	store    *memStore
	notifier *recordingNotifier
	events   *recordingEvents
	handles  *mockHandleChecker
	svc      *Service
}

func newTestEnv() *testEnv {
	store := newMemStore()
	notifier := &recordingNotifier{}
	events := &recordingEvents{}
	handles := &mockHandleChecker{}

	users := &memUserRepo{s: store}
	identities := &memIdentityRepo{s: store}
	sessions := NewSessionManager(&memSessionRepo{s: store}, users, 24*time.Hour)
	const frontend = "https://algoritmia.example.mx"

	svc := NewService(ServiceDeps{
		Tx:          store,
		Users:       users,
		Identities:  identities,
		Credentials: NewCredentialStore(NewArgon2idHasher(testHasherParams), identities),
		Sessions:    sessions,
		EmailFlow: NewVerificationFlow(EmailVerificationConfig(frontend, 24*time.Hour), store,
			&memTokenRepo{s: store, kind: model.TokenKindEmailVerification}, notifier),
		ResetFlow: NewVerificationFlow(PasswordResetConfig(frontend, 30*time.Minute), store,
			&memTokenRepo{s: store, kind: model.TokenKindPasswordReset}, notifier),
		Handles: handles,
		Events:  events,
	})

	return &testEnv{store: store, notifier: notifier, events: events, handles: handles, svc: svc}
}

func validSignup(email, handle, password string) SignupInput {
	return SignupInput{
		FullName:         "Ada Lovelace",
		Email:            email,
		Password:         password,
		CodeforcesHandle: handle,
		Birthdate:        time.Date(2001, 12, 10, 0, 0, 0, 0, time.UTC),
		DegreeProgram:    "Ingeniería en Computación",
		EntryYear:        2020,
		Country:          "MX",
	}
}

// --- compile-time interface checks ---
var (
	_ repository.Transactor         = (*memStore)(nil)
	_ repository.UserRepository     = (*memUserRepo)(nil)
	_ repository.IdentityRepository = (*memIdentityRepo)(nil)
	_ repository.SessionRepository  = (*memSessionRepo)(nil)
	_ repository.TokenRepository    = (*memTokenRepo)(nil)
	_ Notifier                      = (*recordingNotifier)(nil)
	_ HandleChecker                 = (*mockHandleChecker)(nil)
)
