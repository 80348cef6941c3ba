package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BootstrapStatus は永続化された初期化マーカーの状態を表す。
type BootstrapStatus struct {
	Initialized   bool       `json:"initialized"`
	InitializedAt *time.Time `json:"initialized_at"`
	Runs          int        `json:"runs"`
	Ran           bool       `json:"ran"`
	AdminGrant    AdminGrant `json:"-"`
}

// AdminGrant は初期管理者へのadminロール付与の結果。
type AdminGrant string

const (
	// AdminGrantSkipped は初期管理者のメールアドレスが指定されていないことを示す。
	AdminGrantSkipped AdminGrant = ""
	// AdminGrantGranted は今回adminロールを付与したことを示す。
	AdminGrantGranted AdminGrant = "granted"
	// AdminGrantAlreadyAdmin は既にadminロールを持っていたことを示す。
	AdminGrantAlreadyAdmin AdminGrant = "already_admin"
	// AdminGrantUserNotFound は該当メールアドレスのユーザーが未登録であることを示す。
	// 登録後に再度bootstrapを実行すれば付与される。
	AdminGrantUserNotFound AdminGrant = "user_not_found"
)

// Bootstrap は冪等な初期化処理を実行し、bootstrap_stateのマーカー行を更新する。
// ロールのシードは常に実行する（ON CONFLICT DO NOTHING）。
// マーカー行が既に存在しforceがfalseの場合はマーカーを変更せず、Ran=falseを返す。
// adminEmailが空でなければ、そのメールアドレスのユーザーにadminロールを付与する（冪等）。
func Bootstrap(ctx context.Context, db *sql.DB, force bool, adminEmail string) (*BootstrapStatus, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO roles (name) VALUES ('user'), ('coach'), ('admin') ON CONFLICT DO NOTHING`,
	); err != nil {
		return nil, fmt.Errorf("failed to seed roles: %w", err)
	}

	status := &BootstrapStatus{Initialized: true}
	var initializedAt time.Time
	err = tx.QueryRowContext(ctx,
		`INSERT INTO bootstrap_state (id, initialized_at, runs)
		 VALUES (1, now(), 1)
		 ON CONFLICT (id) DO UPDATE
		 SET runs = bootstrap_state.runs + 1, initialized_at = now()
		 WHERE $1
		 RETURNING initialized_at, runs`,
		force,
	).Scan(&initializedAt, &status.Runs)

	switch {
	case err == nil:
		status.Ran = true
	case errors.Is(err, sql.ErrNoRows):
		// 既に初期化済みでforce指定なし
		if err := tx.QueryRowContext(ctx,
			`SELECT initialized_at, runs FROM bootstrap_state WHERE id = 1`,
		).Scan(&initializedAt, &status.Runs); err != nil {
			return nil, fmt.Errorf("failed to read bootstrap state: %w", err)
		}
	default:
		return nil, fmt.Errorf("failed to update bootstrap state: %w", err)
	}
	status.InitializedAt = &initializedAt

	if adminEmail != "" {
		grant, err := grantInitialAdmin(ctx, tx, adminEmail)
		if err != nil {
			return nil, err
		}
		status.AdminGrant = grant
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return status, nil
}

// grantInitialAdmin はメールアドレスで特定したユーザーにadminロールを付与する。
func grantInitialAdmin(ctx context.Context, tx *sql.Tx, email string) (AdminGrant, error) {
	var userID string
	err := tx.QueryRowContext(ctx,
		`SELECT id FROM users WHERE lower(email) = lower($1)`, email,
	).Scan(&userID)
	if errors.Is(err, sql.ErrNoRows) {
		return AdminGrantUserNotFound, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to find initial admin: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO user_roles (user_id, role_id)
		 SELECT $1, r.id FROM roles r WHERE r.name = 'admin'
		 ON CONFLICT DO NOTHING`,
		userID,
	)
	if err != nil {
		return "", fmt.Errorf("failed to grant initial admin: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("failed to grant initial admin: %w", err)
	}
	if n == 0 {
		return AdminGrantAlreadyAdmin, nil
	}
	return AdminGrantGranted, nil
}

// GetBootstrapStatus はマーカー行を読み取る。未初期化の場合はInitialized=falseを返す。
func GetBootstrapStatus(ctx context.Context, db *sql.DB) (*BootstrapStatus, error) {
	var initializedAt time.Time
	status := &BootstrapStatus{}
	err := db.QueryRowContext(ctx,
		`SELECT initialized_at, runs FROM bootstrap_state WHERE id = 1`,
	).Scan(&initializedAt, &status.Runs)
	if errors.Is(err, sql.ErrNoRows) {
		return status, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read bootstrap state: %w", err)
	}
	status.Initialized = true
	status.InitializedAt = &initializedAt
	return status, nil
}

// Bootstrapper はDBハンドルと初期管理者のメールアドレスを束ねてBootstrap / GetBootstrapStatusを呼び出す。
type Bootstrapper struct {
	db         *sql.DB
	adminEmail string
}

// NewBootstrapper はBootstrapperを生成する。adminEmailは空でもよい。
func NewBootstrapper(db *sql.DB, adminEmail string) *Bootstrapper {
	return &Bootstrapper{db: db, adminEmail: adminEmail}
}

// Bootstrap は初期化処理を実行する。
func (b *Bootstrapper) Bootstrap(ctx context.Context, force bool) (*BootstrapStatus, error) {
	return Bootstrap(ctx, b.db, force, b.adminEmail)
}

// Status は初期化マーカーの状態を返す。
func (b *Bootstrapper) Status(ctx context.Context) (*BootstrapStatus, error) {
	return GetBootstrapStatus(ctx, b.db)
}
