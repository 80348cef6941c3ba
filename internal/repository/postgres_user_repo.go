package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/algoritmia/algoritmia-api/internal/model"
)

// selectUserWithRoles はユーザーとロール配列を1クエリで取得する。WHERE句は呼び出し側で付与する。
const selectUserWithRoles = `
	SELECT u.id, u.full_name, u.email, u.codeforces_handle, u.birthdate, u.degree_program,
	       u.entry_year, u.country, u.profile_image_url, u.created_at, u.updated_at,
	       COALESCE(array_agg(r.name ORDER BY r.name) FILTER (WHERE r.name IS NOT NULL), '{}')
	FROM users u
	LEFT JOIN user_roles ur ON ur.user_id = u.id
	LEFT JOIN roles r ON r.id = ur.role_id`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// FindByID は指定IDのユーザーをロール付きで取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(conn(ctx, r.db).QueryRowContext(ctx,
		selectUserWithRoles+` WHERE u.id = $1 GROUP BY u.id`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByEmail はメールアドレスでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	user, err := scanUser(conn(ctx, r.db).QueryRowContext(ctx,
		selectUserWithRoles+` WHERE u.email = $1 GROUP BY u.id`, email))
	if err != nil {
		return nil, fmt.Errorf("failed to find user by email: %w", err)
	}
	return user, nil
}

func scanUser(row *sql.Row) (*model.User, error) {
	user := &model.User{}
	var imageURL sql.NullString
	err := row.Scan(
		&user.ID, &user.FullName, &user.Email, &user.CodeforcesHandle, &user.Birthdate,
		&user.DegreeProgram, &user.EntryYear, &user.Country, &imageURL,
		&user.CreatedAt, &user.UpdatedAt, pq.Array(&user.Roles),
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if imageURL.Valid {
		user.ProfileImageURL = &imageURL.String
	}
	return user, nil
}

// CreateWithIdentity はユーザー、ローカルidentity、ロール"user"を同一トランザクションで作成する。
// タイムスタンプはDBの値で上書きされる。
func (r *PostgresUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	return withinTx(ctx, r.db, func(ctx context.Context) error {
		q := conn(ctx, r.db)

		err := q.QueryRowContext(ctx,
			`INSERT INTO users (id, full_name, email, codeforces_handle, birthdate, degree_program,
			                    entry_year, country, profile_image_url)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING created_at, updated_at`,
			user.ID, user.FullName, user.Email, user.CodeforcesHandle, user.Birthdate,
			user.DegreeProgram, user.EntryYear, user.Country, user.ProfileImageURL,
		).Scan(&user.CreatedAt, &user.UpdatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert user: %w", mapUniqueViolation(err))
		}

		err = q.QueryRowContext(ctx,
			`INSERT INTO auth_identities (id, user_id, provider, provider_user_id, email, password_hash, email_verified_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 RETURNING created_at`,
			identity.ID, identity.UserID, identity.Provider, identity.ProviderUserID,
			identity.Email, identity.PasswordHash, identity.EmailVerifiedAt,
		).Scan(&identity.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert identity: %w", mapUniqueViolation(err))
		}

		if _, err := q.ExecContext(ctx,
			`INSERT INTO user_roles (user_id, role_id)
			 SELECT $1, id FROM roles WHERE name = $2
			 ON CONFLICT DO NOTHING`,
			user.ID, model.RoleUser,
		); err != nil {
			return fmt.Errorf("failed to assign default role: %w", err)
		}
		user.Roles = []string{model.RoleUser}

		return nil
	})
}

// buildUserUpdate は設定済みフィールドのみからSET句と引数を組み立てる。
// 引数のプレースホルダーは$1から始まる。
func buildUserUpdate(update model.UserUpdate) ([]string, []any) {
	var sets []string
	var args []any
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if update.FullName != nil {
		add("full_name", strings.TrimSpace(*update.FullName))
	}
	if update.CodeforcesHandle != nil {
		add("codeforces_handle", *update.CodeforcesHandle)
	}
	if update.Birthdate != nil {
		add("birthdate", *update.Birthdate)
	}
	if update.DegreeProgram != nil {
		add("degree_program", strings.TrimSpace(*update.DegreeProgram))
	}
	if update.EntryYear != nil {
		add("entry_year", *update.EntryYear)
	}
	if update.Country != nil {
		add("country", strings.TrimSpace(*update.Country))
	}
	if update.ProfileImageURL != nil {
		// 空文字は画像の削除
		if *update.ProfileImageURL == "" {
			add("profile_image_url", nil)
		} else {
			add("profile_image_url", *update.ProfileImageURL)
		}
	}
	return sets, args
}

// Update は設定されたフィールドのみを更新し、更新後のユーザーを返す。
func (r *PostgresUserRepo) Update(ctx context.Context, id string, update model.UserUpdate) (*model.User, error) {
	sets, args := buildUserUpdate(update)
	if len(sets) == 0 {
		return nil, fmt.Errorf("no fields to update")
	}
	sets = append(sets, "updated_at = now()")
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE users SET %s WHERE id = $%d`, strings.Join(sets, ", "), len(args))
	result, err := conn(ctx, r.db).ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to update user: %w", mapUniqueViolation(err))
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return nil, ErrNotFound
	}

	return r.FindByID(ctx, id)
}

// ListRoles はユーザーのロール名を名前順で返す。
func (r *PostgresUserRepo) ListRoles(ctx context.Context, userID string) ([]string, error) {
	rows, err := conn(ctx, r.db).QueryContext(ctx,
		`SELECT r.name FROM user_roles ur
		 JOIN roles r ON r.id = ur.role_id
		 WHERE ur.user_id = $1
		 ORDER BY r.name`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list roles: %w", err)
	}
	defer rows.Close()

	roles := []string{}
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan role: %w", err)
		}
		roles = append(roles, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate roles: %w", err)
	}
	return roles, nil
}

// AssignRole はロールを付与する。ユーザーまたはロールが存在しない場合はErrNotFoundを返す。
func (r *PostgresUserRepo) AssignRole(ctx context.Context, userID, role string) error {
	var found bool
	err := conn(ctx, r.db).QueryRowContext(ctx,
		`WITH target AS (
		     SELECT u.id AS user_id, r.id AS role_id
		     FROM users u, roles r
		     WHERE u.id = $1 AND r.name = $2
		 ), ins AS (
		     INSERT INTO user_roles (user_id, role_id)
		     SELECT user_id, role_id FROM target
		     ON CONFLICT DO NOTHING
		 )
		 SELECT EXISTS (SELECT 1 FROM target)`,
		userID, role,
	).Scan(&found)
	if err != nil {
		return fmt.Errorf("failed to assign role: %w", err)
	}
	if !found {
		return ErrNotFound
	}
	return nil
}

// RevokeRole はロールを剥奪する。未付与の場合は何もしない。
func (r *PostgresUserRepo) RevokeRole(ctx context.Context, userID, role string) error {
	_, err := conn(ctx, r.db).ExecContext(ctx,
		`DELETE FROM user_roles
		 WHERE user_id = $1 AND role_id = (SELECT id FROM roles WHERE name = $2)`,
		userID, role,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke role: %w", err)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
