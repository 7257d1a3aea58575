// Package booking drives the registration lifecycle:
//
//	pending -> confirmed -> checked-in
//	   \          |            |
//	    +---------+------> cancelled
//
// cancelled is terminal; checked-in to cancelled requires an explicit staff
// override. Every transition is a conditional storage update, so concurrent
// duplicates resolve to one winner.
package booking

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"slotbooker/internal/identity"
	"slotbooker/internal/model"
	"slotbooker/internal/repo"
	"slotbooker/internal/token"
)

// ErrRegistrationNotConfirmed is returned when check-in is attempted on a
// registration whose submitter never confirmed it.
var ErrRegistrationNotConfirmed = errors.New("registration not confirmed")

// ContactInfo is the boundary-validated contact block each booking carries.
type ContactInfo struct {
	Email     string
	FirstName string
	LastName  string
	Phone     string
}

func (c ContactInfo) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Dispatcher is notified on transitions. Delivery is at-least-once and
// idempotent on the dispatcher's side; the machine only guarantees it
// triggers dispatch once per transition.
type Dispatcher interface {
	SendConfirmationRequest(ctx context.Context, reg *model.EventRegistration, slot *model.EventSlot, signedToken string) error
	SendConfirmation(ctx context.Context, reg *model.EventRegistration, slot *model.EventSlot) error
	SendCancellation(ctx context.Context, reg *model.EventRegistration, slot *model.EventSlot) error
}

// ExpiryPublisher schedules the delayed cancellation message for a pending
// registration. The periodic sweep is the catch-up path when the queue loses
// a message.
type ExpiryPublisher interface {
	PublishExpiry(registrationID, slotID int64, expireAt time.Time) error
}

type Machine struct {
	repo     repo.Repository
	ids      *identity.Reconciler
	tokens   *token.Service
	dispatch Dispatcher
	expiry   ExpiryPublisher
	ttl      time.Duration
	log      *zerolog.Logger
}

func NewMachine(
	r repo.Repository,
	ids *identity.Reconciler,
	tokens *token.Service,
	dispatch Dispatcher,
	expiry ExpiryPublisher,
	ttl time.Duration,
	log *zerolog.Logger,
) *Machine {
	return &Machine{
		repo:     r,
		ids:      ids,
		tokens:   tokens,
		dispatch: dispatch,
		expiry:   expiry,
		ttl:      ttl,
		log:      log,
	}
}

type CreateRequest struct {
	SlotID    int64
	Contact   ContactInfo
	SessionID uuid.UUID
}

type CreateResult struct {
	Registration *model.EventRegistration
	Slot         *model.EventSlot
	Moved        bool
}

// Create books a seat. The capacity check and the write happen in one
// storage transaction; when the identity or email already holds a
// non-cancelled registration the booking becomes an atomic move.
// Already-identified submitters start confirmed, everyone else pending.
func (m *Machine) Create(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	slot, err := m.repo.GetSlotByID(ctx, req.SlotID)
	if err != nil {
		return nil, err
	}

	ident, err := m.ids.Resolve(ctx, req.Contact.Email, req.SessionID)
	if err != nil {
		return nil, err
	}

	status := model.StatusPending
	if ident.Confirmed() && ident.Email != nil && *ident.Email == req.Contact.Email {
		status = model.StatusConfirmed
	}

	reg := &model.EventRegistration{
		SlotID:    slot.ID,
		CreatedBy: ident.ID,
		Status:    status,
		Signature: uuid.NewString(),
		FullName:  req.Contact.FullName(),
		Email:     req.Contact.Email,
		Phone:     req.Contact.Phone,
	}

	id, moved, err := m.repo.BookSlotTx(ctx, reg)
	if err != nil {
		return nil, err
	}
	reg.ID = id
	reg.CreatedAt = time.Now()

	m.log.Info().
		Int64("registration_id", id).
		Int64("slot_id", slot.ID).
		Str("status", string(status)).
		Bool("moved", moved).
		Msg("registration created")

	switch status {
	case model.StatusPending:
		signed, err := m.tokens.Issue(id)
		if err != nil {
			m.log.Error().Err(err).Int64("registration_id", id).Msg("failed to issue confirmation token")
		} else if err := m.dispatch.SendConfirmationRequest(ctx, reg, slot, signed); err != nil {
			m.log.Warn().Err(err).Int64("registration_id", id).Msg("failed to send confirmation request")
		}
		if err := m.expiry.PublishExpiry(id, slot.ID, time.Now().Add(m.ttl)); err != nil {
			m.log.Warn().Err(err).Int64("registration_id", id).Msg("failed to schedule expiry message")
		}
	case model.StatusConfirmed:
		if err := m.dispatch.SendConfirmation(ctx, reg, slot); err != nil {
			m.log.Warn().Err(err).Int64("registration_id", id).Msg("failed to send confirmation")
		}
	}

	return &CreateResult{Registration: reg, Slot: slot, Moved: moved}, nil
}

// Confirm resolves the signed token to its registration and flips it to
// confirmed, claiming the owner's identity in the same transaction.
// Idempotent: a second confirm of the same token succeeds without a new
// audit row or a duplicate notification.
func (m *Machine) Confirm(ctx context.Context, signedToken, actor string) (*model.EventRegistration, bool, error) {
	regID, err := m.tokens.Verify(signedToken)
	if err != nil {
		return nil, false, repo.ErrNotFound
	}

	reg, already, err := m.repo.ConfirmRegistrationTx(ctx, regID, actor)
	if err != nil {
		return nil, false, err
	}
	if already {
		return reg, true, nil
	}

	m.log.Info().
		Int64("registration_id", reg.ID).
		Str("email", reg.Email).
		Msg("registration confirmed")

	slot, err := m.repo.GetSlotByID(ctx, reg.SlotID)
	if err != nil {
		m.log.Error().Err(err).Int64("slot_id", reg.SlotID).Msg("failed to load slot for confirmation mail")
		return reg, false, nil
	}
	if err := m.dispatch.SendConfirmation(ctx, reg, slot); err != nil {
		m.log.Warn().Err(err).Int64("registration_id", reg.ID).Msg("failed to send confirmation")
	}

	return reg, false, nil
}

// CheckIn marks a confirmed registration as attended. Only confirmed rows
// qualify: pending fails ErrRegistrationNotConfirmed, anything else
// ErrAlreadyProcessed. Exactly one of two concurrent check-ins wins.
func (m *Machine) CheckIn(ctx context.Context, regID int64, actor string) (*model.EventRegistration, error) {
	current, err := m.repo.UpdateStatusTx(ctx, regID, model.StatusConfirmed, model.StatusCheckedIn, actor)
	if err != nil {
		if errors.Is(err, repo.ErrAlreadyProcessed) && current == model.StatusPending {
			return nil, ErrRegistrationNotConfirmed
		}
		return nil, err
	}

	m.log.Info().
		Int64("registration_id", regID).
		Str("actor", actor).
		Msg("registration checked in")

	return m.repo.GetRegistrationByID(ctx, regID)
}

// Cancel moves any non-terminal registration to cancelled, freeing its seat
// immediately. staffOverride permits the checked-in correction.
func (m *Machine) Cancel(ctx context.Context, regID int64, actor string, staffOverride bool) error {
	before, err := m.repo.CancelTx(ctx, regID, actor, staffOverride)
	if err != nil {
		return err
	}

	m.log.Info().
		Int64("registration_id", regID).
		Str("actor", actor).
		Str("status_before", string(before)).
		Msg("registration cancelled")

	m.notifyCancelled(ctx, regID)
	return nil
}

// ExpireIfPending cancels the registration only if it is still pending.
// Used by the delayed-message consumer; a racing confirm wins cleanly.
func (m *Machine) ExpireIfPending(ctx context.Context, regID int64) (bool, error) {
	_, err := m.repo.UpdateStatusTx(ctx, regID, model.StatusPending, model.StatusCancelled, repo.ActorSweeper)
	if err != nil {
		if errors.Is(err, repo.ErrAlreadyProcessed) {
			return false, nil
		}
		return false, err
	}
	m.notifyCancelled(ctx, regID)
	return true, nil
}

// ExpireStale cancels every pending registration older than the TTL as of
// now. Best-effort: a failing row is logged and skipped, and the call never
// reports an error. Returns the number of registrations expired.
func (m *Machine) ExpireStale(ctx context.Context, now time.Time) int {
	stale, err := m.repo.ListStalePending(ctx, now.Add(-m.ttl))
	if err != nil {
		m.log.Error().Err(err).Msg("failed to list stale registrations")
		return 0
	}

	expired := 0
	for _, reg := range stale {
		ok, err := m.ExpireIfPending(ctx, reg.ID)
		if err != nil {
			m.log.Error().Err(err).Int64("registration_id", reg.ID).Msg("failed to expire registration")
			continue
		}
		if ok {
			expired++
		}
	}

	m.log.Info().Int("expired", expired).Int("stale", len(stale)).Msg("stale registration sweep finished")
	return expired
}

// Search resolves a scanned code to its registration.
func (m *Machine) Search(ctx context.Context, code string) (*model.EventRegistration, error) {
	return m.repo.GetRegistrationBySignature(ctx, code)
}

func (m *Machine) notifyCancelled(ctx context.Context, regID int64) {
	reg, err := m.repo.GetRegistrationByID(ctx, regID)
	if err != nil {
		m.log.Error().Err(err).Int64("registration_id", regID).Msg("failed to load registration for cancellation mail")
		return
	}
	slot, err := m.repo.GetSlotByID(ctx, reg.SlotID)
	if err != nil {
		m.log.Error().Err(err).Int64("slot_id", reg.SlotID).Msg("failed to load slot for cancellation mail")
		return
	}
	if err := m.dispatch.SendCancellation(ctx, reg, slot); err != nil {
		m.log.Warn().Err(err).Int64("registration_id", regID).Msg("failed to send cancellation notice")
	}
}
