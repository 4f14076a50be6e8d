package pg

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"llacademy.ng/internal/auth"
	"llacademy.ng/internal/ids"
)

// Users implements auth.UserStore.
type Users struct {
	db *sql.DB
}

var _ auth.UserStore = (*Users)(nil)

const userColumns = `id, email, role, external_id, display_name, created_at, updated_at`

func (u *Users) Create(ctx context.Context, user *auth.User) error {
	if user == nil || strings.TrimSpace(user.Email) == "" {
		return auth.ErrInvalidInput
	}
	if user.ID == "" {
		user.ID = ids.New()
	}
	if user.Role == "" {
		user.Role = auth.RoleStudent
	}
	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	_, err := u.db.ExecContext(ctx, `
		insert into users (id, email, role, external_id, display_name, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7)
	`, user.ID, user.Email, string(user.Role), nullIfEmpty(user.ExternalID), user.DisplayName, user.CreatedAt, user.UpdatedAt)
	if isPgCode(err, pgErrUniqueViolation) {
		return auth.ErrAlreadyExists
	}
	return err
}

func (u *Users) Find(ctx context.Context, id string) (*auth.User, error) {
	return u.one(ctx, `select `+userColumns+` from users where id = $1`, id)
}

func (u *Users) FindByEmail(ctx context.Context, email string) (*auth.User, error) {
	return u.one(ctx, `select `+userColumns+` from users where lower(email) = lower($1)`, strings.TrimSpace(email))
}

func (u *Users) FindByExternalID(ctx context.Context, externalID string) (*auth.User, error) {
	if externalID == "" {
		return nil, auth.ErrNotFound
	}
	return u.one(ctx, `select `+userColumns+` from users where external_id = $1`, externalID)
}

func (u *Users) LinkExternalID(ctx context.Context, userID, externalID string) error {
	res, err := u.db.ExecContext(ctx, `
		update users set external_id = $2, updated_at = now()
		where id = $1
	`, userID, nullIfEmpty(externalID))
	if isPgCode(err, pgErrUniqueViolation) {
		return auth.ErrAlreadyExists
	}
	return expectOne(res, err, auth.ErrNotFound)
}

func (u *Users) UpdateRole(ctx context.Context, userID string, role auth.Role) error {
	res, err := u.db.ExecContext(ctx, `
		update users set role = $2, updated_at = now()
		where id = $1
	`, userID, string(role))
	return expectOne(res, err, auth.ErrNotFound)
}

func (u *Users) one(ctx context.Context, query string, arg any) (*auth.User, error) {
	user, err := scanUser(u.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func scanUser(row rowScanner) (auth.User, error) {
	var (
		user       auth.User
		role       string
		externalID sql.NullString
	)
	if err := row.Scan(&user.ID, &user.Email, &role, &externalID, &user.DisplayName, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return auth.User{}, err
	}
	user.Role = auth.Role(role)
	user.ExternalID = externalID.String
	return user, nil
}

func expectOne(res sql.Result, err error, missing error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return missing
	}
	return nil
}
