package identity

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"slotbooker/internal/model"
	"slotbooker/internal/repo/inmem"
)

func newReconciler(t *testing.T) (*Reconciler, *inmem.Store) {
	t.Helper()
	store := inmem.NewStore()
	log := zerolog.Nop()
	return NewReconciler(store, &log), store
}

func TestResolvePrefersConfirmedOwner(t *testing.T) {
	r, store := newReconciler(t)
	ctx := context.Background()

	anon, err := store.CreateAnonymousIdentity(ctx)
	require.NoError(t, err)
	owner, _, err := store.ClaimIdentityTx(ctx, anon.ID, "alice@x.com")
	require.NoError(t, err)

	resolved, err := r.Resolve(ctx, "alice@x.com", uuid.Nil)
	require.NoError(t, err)
	require.Equal(t, owner.ID, resolved.ID)
	require.True(t, resolved.Confirmed())
}

func TestResolveKeepsSessionIdentity(t *testing.T) {
	r, store := newReconciler(t)
	ctx := context.Background()

	anon, err := store.CreateAnonymousIdentity(ctx)
	require.NoError(t, err)

	resolved, err := r.Resolve(ctx, "new@x.com", anon.ID)
	require.NoError(t, err)
	require.Equal(t, anon.ID, resolved.ID)
	require.True(t, resolved.IsAnonymous)
}

func TestResolveCreatesFreshAnonymous(t *testing.T) {
	r, _ := newReconciler(t)
	ctx := context.Background()

	resolved, err := r.Resolve(ctx, "nobody@x.com", uuid.Nil)
	require.NoError(t, err)
	require.True(t, resolved.IsAnonymous)

	// A stale session id also falls back to a fresh identity.
	again, err := r.Resolve(ctx, "nobody2@x.com", uuid.New())
	require.NoError(t, err)
	require.True(t, again.IsAnonymous)
	require.NotEqual(t, resolved.ID, again.ID)
}

func TestClaimPromotesInPlace(t *testing.T) {
	r, store := newReconciler(t)
	ctx := context.Background()

	anon, err := store.CreateAnonymousIdentity(ctx)
	require.NoError(t, err)

	claimed, merged, err := r.Claim(ctx, anon.ID, "bob@x.com")
	require.NoError(t, err)
	require.False(t, merged)
	require.Equal(t, anon.ID, claimed.ID, "promotion keeps the same id")
	require.False(t, claimed.IsAnonymous)
	require.NotNil(t, claimed.Email)
	require.Equal(t, "bob@x.com", *claimed.Email)
	require.NotNil(t, claimed.EmailConfirmedAt)
}

func TestClaimMergesIntoExistingOwner(t *testing.T) {
	r, store := newReconciler(t)
	ctx := context.Background()

	first, err := store.CreateAnonymousIdentity(ctx)
	require.NoError(t, err)
	owner, _, err := store.ClaimIdentityTx(ctx, first.ID, "carol@x.com")
	require.NoError(t, err)

	anon, err := store.CreateAnonymousIdentity(ctx)
	require.NoError(t, err)

	// Registration created by the anonymous identity must be repointed.
	slotID, err := store.CreateSlot(ctx, &model.EventSlot{EventID: 1, Capacity: 5})
	require.NoError(t, err)
	regID, _, err := store.BookSlotTx(ctx, &model.EventRegistration{
		SlotID:    slotID,
		CreatedBy: anon.ID,
		Status:    model.StatusPending,
		Signature: uuid.NewString(),
		Email:     "carol@x.com",
	})
	require.NoError(t, err)

	claimed, merged, err := r.Claim(ctx, anon.ID, "carol@x.com")
	require.NoError(t, err)
	require.True(t, merged)
	require.Equal(t, owner.ID, claimed.ID)

	// The merged anonymous row is gone; no duplicate identity for the email.
	_, err = store.GetIdentityByID(ctx, anon.ID)
	require.Error(t, err)

	reg, err := store.GetRegistrationByID(ctx, regID)
	require.NoError(t, err)
	require.Equal(t, owner.ID, reg.CreatedBy, "foreign keys repointed, never dangling")
}
