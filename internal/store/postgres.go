package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const userColumns = `id, username, email, COALESCE(password_hash, ''), COALESCE(google_id, ''), avatar_url, role, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var user User
	err := row.Scan(&user.ID, &user.Username, &user.Email, &user.PasswordHash, &user.GoogleID, &user.AvatarURL, &user.Role, &user.CreatedAt)
	return user, err
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	return users, rows.Err()
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID int64) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=$1`, userID))
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE LOWER(email)=LOWER($1)`, strings.TrimSpace(email)))
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (username, email, password_hash, google_id, avatar_url, role)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)
		RETURNING `+userColumns,
		user.Username, strings.TrimSpace(user.Email), user.PasswordHash, user.GoogleID, user.AvatarURL, user.Role)
	created, err := scanUser(row)
	if err != nil {
		return User{}, wrapWriteError("insert user", err)
	}
	return created, nil
}

// UpdateUser applies the non-nil fields of update. It returns sql.ErrNoRows for unknown users.
func (s *PostgresStore) UpdateUser(ctx context.Context, userID int64, update UserUpdate) (User, error) {
	var (
		sets []string
		args []any
	)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s=$%d", column, len(args)))
	}
	if update.Username != nil {
		add("username", *update.Username)
	}
	if update.Email != nil {
		add("email", strings.TrimSpace(*update.Email))
	}
	if update.Role != nil {
		add("role", *update.Role)
	}
	if update.PasswordHash != nil {
		add("password_hash", *update.PasswordHash)
	}
	if len(sets) == 0 {
		return s.GetUserByID(ctx, userID)
	}

	args = append(args, userID)
	query := fmt.Sprintf(`UPDATE users SET %s WHERE id=$%d RETURNING %s`, strings.Join(sets, ", "), len(args), userColumns)
	user, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, err
	}
	if err != nil {
		return User{}, wrapWriteError("update user", err)
	}
	return user, nil
}

func (s *PostgresStore) DeleteUser(ctx context.Context, userID int64) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// UpsertGoogleUser links a Google account to the user with the same email,
// creating the user when none exists. A taken username keeps the existing one
// on update and gets a numeric suffix on insert.
func (s *PostgresStore) UpsertGoogleUser(ctx context.Context, profile GoogleProfile) (User, bool, error) {
	existing, err := s.GetUserByEmail(ctx, profile.Email)
	switch {
	case err == nil:
		user, err := s.linkGoogleAccount(ctx, existing.ID, profile, true)
		if errors.Is(err, ErrConflict) {
			user, err = s.linkGoogleAccount(ctx, existing.ID, profile, false)
		}
		return user, false, err
	case !errors.Is(err, sql.ErrNoRows):
		return User{}, false, fmt.Errorf("lookup google user: %w", err)
	}

	base := strings.TrimSpace(profile.Name)
	if base == "" {
		base = strings.SplitN(profile.Email, "@", 2)[0]
	}
	username := base
	for attempt := 2; attempt <= 10; attempt++ {
		user, err := s.CreateUser(ctx, User{
			Username:  username,
			Email:     profile.Email,
			GoogleID:  profile.Subject,
			AvatarURL: profile.Picture,
			Role:      "user",
		})
		if err == nil {
			return user, true, nil
		}
		if !errors.Is(err, ErrConflict) {
			return User{}, false, err
		}
		// The email may have been claimed concurrently.
		if _, lookupErr := s.GetUserByEmail(ctx, profile.Email); lookupErr == nil {
			return s.UpsertGoogleUser(ctx, profile)
		}
		username = fmt.Sprintf("%s %d", base, attempt)
	}
	return User{}, false, fmt.Errorf("insert google user: %w", ErrConflict)
}

func (s *PostgresStore) linkGoogleAccount(ctx context.Context, userID int64, profile GoogleProfile, withName bool) (User, error) {
	query := `UPDATE users SET google_id=$2, avatar_url=$3 WHERE id=$1 RETURNING ` + userColumns
	args := []any{userID, profile.Subject, profile.Picture}
	if withName && strings.TrimSpace(profile.Name) != "" {
		query = `UPDATE users SET google_id=$2, avatar_url=$3, username=$4 WHERE id=$1 RETURNING ` + userColumns
		args = append(args, strings.TrimSpace(profile.Name))
	}
	user, err := scanUser(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return User{}, wrapWriteError("link google account", err)
	}
	return user, nil
}

func (s *PostgresStore) ListRooms(ctx context.Context) ([]Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, description, created_at FROM rooms ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	defer rows.Close()

	rooms := make([]Room, 0)
	for rows.Next() {
		var room Room
		if err := rows.Scan(&room.ID, &room.Name, &room.Description, &room.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan room: %w", err)
		}
		rooms = append(rooms, room)
	}
	return rooms, rows.Err()
}

func (s *PostgresStore) GetRoom(ctx context.Context, roomID int64) (Room, error) {
	var room Room
	err := s.db.QueryRowContext(ctx, `SELECT id, name, description, created_at FROM rooms WHERE id=$1`, roomID).
		Scan(&room.ID, &room.Name, &room.Description, &room.CreatedAt)
	return room, err
}

func (s *PostgresStore) CreateRoom(ctx context.Context, name, description string) (Room, error) {
	var room Room
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO rooms (name, description)
		VALUES ($1, $2)
		RETURNING id, name, description, created_at
	`, name, description).Scan(&room.ID, &room.Name, &room.Description, &room.CreatedAt)
	if err != nil {
		return Room{}, wrapWriteError("insert room", err)
	}
	return room, nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	return scanUser(s.db.QueryRowContext(ctx, `
		SELECT u.id, u.username, u.email, COALESCE(u.password_hash, ''), COALESCE(u.google_id, ''), u.avatar_url, u.role, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`, tokenHash))
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1 AND expires_at > NOW())
	`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

func (s *PostgresStore) CreateMagicLink(ctx context.Context, tokenHash string, userID int64, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO magic_links (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return wrapWriteError("insert magic link", err)
	}
	return nil
}

// ConsumeMagicLink marks an unused, unexpired link as used and returns its user.
// Unknown, expired and already used links yield sql.ErrNoRows.
func (s *PostgresStore) ConsumeMagicLink(ctx context.Context, tokenHash string) (User, error) {
	var userID int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE magic_links SET used_at=NOW()
		WHERE token_hash=$1 AND used_at IS NULL AND expires_at > NOW()
		RETURNING user_id
	`, tokenHash).Scan(&userID)
	if err != nil {
		return User{}, err
	}
	return s.GetUserByID(ctx, userID)
}
