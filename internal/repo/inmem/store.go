// Package inmem is an in-memory Repository used by tests. A single mutex
// stands in for the row locks of the postgres implementation, which gives the
// same one-winner semantics for concurrent conditional updates.
package inmem

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"slotbooker/internal/capacity"
	"slotbooker/internal/model"
	"slotbooker/internal/repo"
)

type Store struct {
	mu sync.Mutex

	events     map[int64]*model.Event
	slots      map[int64]*model.EventSlot
	regs       map[int64]*model.EventRegistration
	identities map[uuid.UUID]*model.Identity
	logs       []model.RegistrationLog

	nextEventID int64
	nextSlotID  int64
	nextRegID   int64
	nextLogID   int64
}

var _ repo.Repository = (*Store)(nil)

func NewStore() *Store {
	return &Store{
		events:     make(map[int64]*model.Event),
		slots:      make(map[int64]*model.EventSlot),
		regs:       make(map[int64]*model.EventRegistration),
		identities: make(map[uuid.UUID]*model.Identity),
	}
}

func (s *Store) appendLogLocked(regID int64, actor string, before, after model.RegistrationStatus) {
	s.nextLogID++
	s.logs = append(s.logs, model.RegistrationLog{
		ID:             s.nextLogID,
		RegistrationID: regID,
		Actor:          actor,
		StatusBefore:   before,
		StatusAfter:    after,
		ChangedAt:      time.Now(),
	})
}

func (s *Store) CreateEvent(_ context.Context, e *model.Event) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	cp := *e
	cp.ID = s.nextEventID
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.events[cp.ID] = &cp
	return cp.ID, nil
}

func (s *Store) GetEventByID(_ context.Context, id int64) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *Store) GetAllEvents(_ context.Context) ([]model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.Event, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, *e)
	}
	return out, nil
}

func (s *Store) CreateSlot(_ context.Context, slot *model.EventSlot) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSlotID++
	cp := *slot
	cp.ID = s.nextSlotID
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.slots[cp.ID] = &cp
	return cp.ID, nil
}

func (s *Store) GetSlotByID(_ context.Context, id int64) (*model.EventSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[id]
	if !ok {
		return nil, repo.ErrSlotNotFound
	}
	cp := *slot
	return &cp, nil
}

func (s *Store) GetSlotsByEventID(_ context.Context, eventID int64) ([]model.EventSlot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.EventSlot
	for _, slot := range s.slots {
		if slot.EventID == eventID {
			out = append(out, *slot)
		}
	}
	return out, nil
}

func (s *Store) activeRegsLocked() []model.EventRegistration {
	out := make([]model.EventRegistration, 0, len(s.regs))
	for _, r := range s.regs {
		out = append(out, *r)
	}
	return out
}

func (s *Store) CountActiveRegistrations(_ context.Context, slotID int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return capacity.CountActive(slotID, s.activeRegsLocked()), nil
}

func (s *Store) GetRegistrationsBySlotID(_ context.Context, slotID int64) ([]model.EventRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.EventRegistration
	for _, r := range s.regs {
		if r.SlotID == slotID && r.Status != model.StatusCancelled {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *Store) BookSlotTx(_ context.Context, reg *model.EventRegistration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	slot, ok := s.slots[reg.SlotID]
	if !ok {
		return 0, false, repo.ErrSlotNotFound
	}

	moved := false
	for _, prior := range s.regs {
		if prior.Status == model.StatusCancelled {
			continue
		}
		if prior.CreatedBy == reg.CreatedBy || prior.Email == reg.Email {
			before := prior.Status
			prior.Status = model.StatusCancelled
			prior.UpdatedAt = time.Now()
			s.appendLogLocked(prior.ID, repo.ActorSystem, before, model.StatusCancelled)
			moved = true
		}
	}

	if capacity.CountActive(reg.SlotID, s.activeRegsLocked()) >= slot.Capacity {
		return 0, false, repo.ErrSlotFull
	}

	s.nextRegID++
	cp := *reg
	cp.ID = s.nextRegID
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	cp.UpdatedAt = time.Now()
	s.regs[cp.ID] = &cp
	s.appendLogLocked(cp.ID, repo.ActorSystem, "", cp.Status)

	return cp.ID, moved, nil
}

func (s *Store) GetRegistrationByID(_ context.Context, id int64) (*model.EventRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regs[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *Store) GetRegistrationBySignature(_ context.Context, signature string) (*model.EventRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.regs {
		if r.Signature == signature {
			cp := *r
			return &cp, nil
		}
	}
	return nil, repo.ErrNotFound
}

func (s *Store) ConfirmRegistrationTx(_ context.Context, regID int64, actor string) (*model.EventRegistration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regs[regID]
	if !ok {
		return nil, false, repo.ErrNotFound
	}

	switch r.Status {
	case model.StatusConfirmed:
		cp := *r
		return &cp, true, nil
	case model.StatusCheckedIn, model.StatusCancelled:
		return nil, false, repo.ErrAlreadyProcessed
	}

	r.Status = model.StatusConfirmed
	r.UpdatedAt = time.Now()
	s.appendLogLocked(r.ID, actor, model.StatusPending, model.StatusConfirmed)

	owner, _, err := s.claimLocked(r.CreatedBy, r.Email)
	if err != nil {
		return nil, false, err
	}
	r.CreatedBy = owner

	cp := *r
	return &cp, false, nil
}

func (s *Store) UpdateStatusTx(_ context.Context, regID int64, from, to model.RegistrationStatus, actor string) (model.RegistrationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regs[regID]
	if !ok {
		return "", repo.ErrNotFound
	}
	if r.Status != from {
		return r.Status, repo.ErrAlreadyProcessed
	}

	r.Status = to
	r.UpdatedAt = time.Now()
	s.appendLogLocked(r.ID, actor, from, to)
	return to, nil
}

func (s *Store) CancelTx(_ context.Context, regID int64, actor string, allowCheckedIn bool) (model.RegistrationStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.regs[regID]
	if !ok {
		return "", repo.ErrNotFound
	}

	before := r.Status
	if before == model.StatusCancelled {
		return before, repo.ErrAlreadyProcessed
	}
	if before == model.StatusCheckedIn && !allowCheckedIn {
		return before, repo.ErrAlreadyProcessed
	}

	r.Status = model.StatusCancelled
	r.UpdatedAt = time.Now()
	s.appendLogLocked(r.ID, actor, before, model.StatusCancelled)
	return before, nil
}

func (s *Store) ListStalePending(_ context.Context, cutoff time.Time) ([]model.EventRegistration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []model.EventRegistration
	for _, r := range s.regs {
		if r.Status == model.StatusPending && r.CreatedAt.Before(cutoff) {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (s *Store) GetIdentityByID(_ context.Context, id uuid.UUID) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i, ok := s.identities[id]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (s *Store) GetIdentityByEmail(_ context.Context, email string) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := s.identityByEmailLocked(email)
	if i == nil {
		return nil, repo.ErrNotFound
	}
	cp := *i
	return &cp, nil
}

func (s *Store) identityByEmailLocked(email string) *model.Identity {
	for _, i := range s.identities {
		if !i.IsAnonymous && i.Email != nil && *i.Email == email {
			return i
		}
	}
	return nil
}

func (s *Store) CreateAnonymousIdentity(_ context.Context) (*model.Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	i := &model.Identity{
		ID:          uuid.New(),
		IsAnonymous: true,
		CreatedAt:   time.Now(),
	}
	s.identities[i.ID] = i
	cp := *i
	return &cp, nil
}

func (s *Store) ClaimIdentityTx(_ context.Context, anonymousID uuid.UUID, email string) (*model.Identity, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ownerID, merged, err := s.claimLocked(anonymousID, email)
	if err != nil {
		return nil, false, err
	}
	cp := *s.identities[ownerID]
	return &cp, merged, nil
}

func (s *Store) claimLocked(identityID uuid.UUID, email string) (uuid.UUID, bool, error) {
	ident, ok := s.identities[identityID]
	if !ok {
		return uuid.Nil, false, repo.ErrNotFound
	}

	now := time.Now()
	if !ident.IsAnonymous {
		if ident.EmailConfirmedAt == nil {
			ident.EmailConfirmedAt = &now
		}
		return identityID, false, nil
	}

	if owner := s.identityByEmailLocked(email); owner != nil && owner.ID != identityID {
		for _, r := range s.regs {
			if r.CreatedBy == identityID {
				r.CreatedBy = owner.ID
				r.UpdatedAt = now
			}
		}
		delete(s.identities, identityID)
		return owner.ID, true, nil
	}

	ident.IsAnonymous = false
	ident.Email = &email
	ident.EmailConfirmedAt = &now
	return identityID, false, nil
}

func (s *Store) RecentLogs(_ context.Context, limit int) ([]model.RegistrationLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.logs)
	if limit > n {
		limit = n
	}
	out := make([]model.RegistrationLog, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.logs[i])
	}
	return out, nil
}

// LogCount reports how many audit rows have been appended. Test helper.
func (s *Store) LogCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs)
}

func (s *Store) MigrateUp(string) error   { return nil }
func (s *Store) MigrateDown(string) error { return nil }
