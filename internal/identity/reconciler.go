// Package identity resolves participant identities around an email address.
// Visitors start out anonymous; proving control of an email either promotes
// the anonymous identity in place or merges it into the confirmed identity
// that already owns the address. A conflict is never surfaced as a failure;
// the merge is the resolution.
package identity

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"slotbooker/internal/model"
	"slotbooker/internal/repo"
)

type Reconciler struct {
	repo repo.Repository
	log  *zerolog.Logger
}

func NewReconciler(repo repo.Repository, log *zerolog.Logger) *Reconciler {
	return &Reconciler{repo: repo, log: log}
}

// Resolve picks the identity a booking runs under. Preference order: the
// confirmed identity owning the email, then the caller's existing session
// identity, then a fresh anonymous identity.
func (r *Reconciler) Resolve(ctx context.Context, email string, sessionID uuid.UUID) (*model.Identity, error) {
	if owner, err := r.repo.GetIdentityByEmail(ctx, email); err == nil {
		return owner, nil
	} else if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}

	if sessionID != uuid.Nil {
		if ident, err := r.repo.GetIdentityByID(ctx, sessionID); err == nil {
			return ident, nil
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, err
		}
		// Stale session ids fall through to a fresh identity.
	}

	ident, err := r.repo.CreateAnonymousIdentity(ctx)
	if err != nil {
		return nil, err
	}
	r.log.Debug().Str("identity_id", ident.ID.String()).Msg("created anonymous identity")
	return ident, nil
}

// Claim promotes or merges the identity once control of email is proven.
// The bool reports that a merge into a pre-existing confirmed identity
// happened.
func (r *Reconciler) Claim(ctx context.Context, anonymousID uuid.UUID, email string) (*model.Identity, bool, error) {
	ident, merged, err := r.repo.ClaimIdentityTx(ctx, anonymousID, email)
	if err != nil {
		return nil, false, err
	}
	if merged {
		r.log.Info().
			Str("anonymous_id", anonymousID.String()).
			Str("owner_id", ident.ID.String()).
			Str("email", email).
			Msg("identity conflict resolved by merge")
	}
	return ident, merged, nil
}
