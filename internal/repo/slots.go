package repo

import (
	"context"
	"fmt"

	"slotbooker/internal/model"
)

func (r *repository) CreateEvent(ctx context.Context, e *model.Event) (int64, error) {
	query := `
		INSERT INTO events (name, description, location)
		VALUES ($1, $2, $3)
		RETURNING id
	`

	var id int64
	row := r.db.QueryRowContext(ctx, query, e.Name, e.Description, e.Location)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return id, nil
}

func (r *repository) GetEventByID(ctx context.Context, id int64) (*model.Event, error) {
	query := `
		SELECT id, name, description, location, created_at, updated_at
		FROM events WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, id)

	var e model.Event
	if err := row.Scan(
		&e.ID, &e.Name, &e.Description, &e.Location, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, ErrNotFound
	}
	return &e, nil
}

func (r *repository) GetAllEvents(ctx context.Context) ([]model.Event, error) {
	query := `
		SELECT id, name, description, location, created_at, updated_at
		FROM events
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(
			&e.ID, &e.Name, &e.Description, &e.Location, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

func (r *repository) CreateSlot(ctx context.Context, s *model.EventSlot) (int64, error) {
	query := `
		INSERT INTO event_slots (event_id, start_time, end_time, capacity, notes)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	var id int64
	row := r.db.QueryRowContext(ctx, query, s.EventID, s.StartTime, s.EndTime, s.Capacity, s.Notes)
	if err := row.Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert slot: %w", err)
	}
	return id, nil
}

func (r *repository) GetSlotByID(ctx context.Context, id int64) (*model.EventSlot, error) {
	query := `
		SELECT id, event_id, start_time, end_time, capacity, notes, created_at, updated_at
		FROM event_slots WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, id)

	var s model.EventSlot
	if err := row.Scan(
		&s.ID, &s.EventID, &s.StartTime, &s.EndTime, &s.Capacity, &s.Notes,
		&s.CreatedAt, &s.UpdatedAt,
	); err != nil {
		return nil, ErrSlotNotFound
	}
	return &s, nil
}

func (r *repository) GetSlotsByEventID(ctx context.Context, eventID int64) ([]model.EventSlot, error) {
	query := `
		SELECT id, event_id, start_time, end_time, capacity, notes, created_at, updated_at
		FROM event_slots
		WHERE event_id = $1
		ORDER BY start_time ASC
	`

	rows, err := r.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to get slots: %w", err)
	}
	defer rows.Close()

	var slots []model.EventSlot
	for rows.Next() {
		var s model.EventSlot
		if err := rows.Scan(
			&s.ID, &s.EventID, &s.StartTime, &s.EndTime, &s.Capacity, &s.Notes,
			&s.CreatedAt, &s.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		slots = append(slots, s)
	}

	return slots, rows.Err()
}

func (r *repository) CountActiveRegistrations(ctx context.Context, slotID int64) (int, error) {
	query := `
		SELECT COUNT(*)
		FROM registrations
		WHERE slot_id = $1 AND status IN ('pending', 'confirmed', 'checked-in')
	`

	var count int
	if err := r.db.QueryRowContext(ctx, query, slotID).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count registrations: %w", err)
	}

	return count, nil
}

func (r *repository) GetRegistrationsBySlotID(ctx context.Context, slotID int64) ([]model.EventRegistration, error) {
	query := `
		SELECT id, slot_id, created_by, status, signature, full_name, email, phone, created_at, updated_at
		FROM registrations
		WHERE slot_id = $1 AND status <> 'cancelled'
		ORDER BY created_at ASC
	`

	rows, err := r.db.QueryContext(ctx, query, slotID)
	if err != nil {
		return nil, fmt.Errorf("failed to get registrations: %w", err)
	}
	defer rows.Close()

	var regs []model.EventRegistration
	for rows.Next() {
		var reg model.EventRegistration
		if err := rows.Scan(
			&reg.ID, &reg.SlotID, &reg.CreatedBy, &reg.Status, &reg.Signature,
			&reg.FullName, &reg.Email, &reg.Phone, &reg.CreatedAt, &reg.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan registration: %w", err)
		}
		regs = append(regs, reg)
	}

	return regs, rows.Err()
}
