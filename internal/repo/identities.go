package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"slotbooker/internal/model"
)

func scanIdentity(scan func(dest ...any) error) (*model.Identity, error) {
	var i model.Identity
	if err := scan(
		&i.ID, &i.IsAnonymous, &i.Email, &i.EmailConfirmedAt, &i.CreatedAt,
	); err != nil {
		return nil, ErrNotFound
	}
	return &i, nil
}

func (r *repository) GetIdentityByID(ctx context.Context, id uuid.UUID) (*model.Identity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, is_anonymous, email, email_confirmed_at, created_at
		FROM identities
		WHERE id = $1
	`, id)
	return scanIdentity(row.Scan)
}

// GetIdentityByEmail returns the confirmed identity owning the address.
// Anonymous rows never own an email.
func (r *repository) GetIdentityByEmail(ctx context.Context, email string) (*model.Identity, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, is_anonymous, email, email_confirmed_at, created_at
		FROM identities
		WHERE email = $1 AND is_anonymous = FALSE
	`, email)
	return scanIdentity(row.Scan)
}

func (r *repository) CreateAnonymousIdentity(ctx context.Context) (*model.Identity, error) {
	id := uuid.New()
	row := r.db.QueryRowContext(ctx, `
		INSERT INTO identities (id, is_anonymous)
		VALUES ($1, TRUE)
		RETURNING id, is_anonymous, email, email_confirmed_at, created_at
	`, id)
	ident, err := scanIdentity(row.Scan)
	if err != nil {
		return nil, fmt.Errorf("failed to create anonymous identity: %w", err)
	}
	return ident, nil
}

// ClaimIdentityTx promotes the anonymous identity in place once the email is
// proven, or merges it into the confirmed identity already owning the email.
// The returned bool reports a merge.
func (r *repository) ClaimIdentityTx(ctx context.Context, anonymousID uuid.UUID, email string) (*model.Identity, bool, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("failed to start transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	ownerID, merged, err := r.claimIdentityLocked(ctx, tx, anonymousID, email)
	if err != nil {
		_ = tx.Rollback()
		return nil, false, err
	}

	row := tx.QueryRowContext(ctx, `
		SELECT id, is_anonymous, email, email_confirmed_at, created_at
		FROM identities
		WHERE id = $1
	`, ownerID)
	ident, err := scanIdentity(row.Scan)
	if err != nil {
		_ = tx.Rollback()
		return nil, false, err
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	return ident, merged, nil
}

// claimIdentityLocked resolves ownership of email for the identity inside an
// open transaction. When a different confirmed identity already owns the
// address, every row referencing the anonymous identity is repointed to the
// owner and the anonymous row is deleted, so no foreign key is left dangling.
// Returns the surviving identity id.
func (r *repository) claimIdentityLocked(ctx context.Context, tx *sql.Tx, identityID uuid.UUID, email string) (uuid.UUID, bool, error) {
	var isAnonymous bool
	err := tx.QueryRowContext(ctx, `
		SELECT is_anonymous
		FROM identities
		WHERE id = $1
		FOR UPDATE
	`, identityID).Scan(&isAnonymous)
	if err != nil {
		return uuid.Nil, false, ErrNotFound
	}

	if !isAnonymous {
		// Already claimed; refresh the confirmation timestamp at most.
		if _, err := tx.ExecContext(ctx, `
			UPDATE identities
			SET email_confirmed_at = COALESCE(email_confirmed_at, NOW())
			WHERE id = $1
		`, identityID); err != nil {
			return uuid.Nil, false, fmt.Errorf("failed to refresh identity confirmation: %w", err)
		}
		return identityID, false, nil
	}

	var ownerID uuid.UUID
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM identities
		WHERE email = $1 AND is_anonymous = FALSE AND id <> $2
		FOR UPDATE
	`, email, identityID).Scan(&ownerID)
	switch {
	case err == sql.ErrNoRows:
		// Promote in place: same id, the anonymous flag flips.
		if _, err := tx.ExecContext(ctx, `
			UPDATE identities
			SET is_anonymous = FALSE, email = $1, email_confirmed_at = NOW()
			WHERE id = $2
		`, email, identityID); err != nil {
			return uuid.Nil, false, fmt.Errorf("failed to promote identity: %w", err)
		}
		return identityID, false, nil
	case err != nil:
		return uuid.Nil, false, fmt.Errorf("failed to look up email owner: %w", err)
	}

	// Merge: repoint everything the anonymous identity created, then drop it.
	if _, err := tx.ExecContext(ctx, `
		UPDATE registrations
		SET created_by = $1, updated_at = NOW()
		WHERE created_by = $2
	`, ownerID, identityID); err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to repoint registrations: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM identities
		WHERE id = $1
	`, identityID); err != nil {
		return uuid.Nil, false, fmt.Errorf("failed to remove merged identity: %w", err)
	}

	return ownerID, true, nil
}
