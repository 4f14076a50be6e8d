package auth

import (
	"context"
	"time"
)

// RevocationStore is the persistent set of revoked token ids.
type RevocationStore interface {
	// Insert is insert-or-ignore: revoking an id twice is not an error.
	Insert(ctx context.Context, entry RevocationEntry) error
	Contains(ctx context.Context, tokenID string) (bool, error)
	// PurgeExpired deletes entries with ExpiresAt <= now and reports how many.
	PurgeExpired(ctx context.Context, now time.Time) (int64, error)
}

// UserStore manages users.
type UserStore interface {
	Create(ctx context.Context, u *User) error
	Find(ctx context.Context, id string) (*User, error)
	FindByEmail(ctx context.Context, email string) (*User, error)
	FindByExternalID(ctx context.Context, externalID string) (*User, error)
	LinkExternalID(ctx context.Context, userID, externalID string) error
	UpdateRole(ctx context.Context, userID string, role Role) error
}
