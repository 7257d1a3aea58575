package repo

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"slotbooker/internal/model"
)

// ActorSystem marks transitions performed by the service itself rather than
// a participant or staff member (re-registration moves, TTL expiry).
const (
	ActorSystem  = "system"
	ActorSweeper = "system:sweeper"
)

func appendLogTx(ctx context.Context, tx *sql.Tx, regID int64, actor string, before, after model.RegistrationStatus) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO registration_logs (registration_id, actor, status_before, status_after)
		VALUES ($1, $2, $3, $4)
	`, regID, actor, string(before), string(after))
	if err != nil {
		return fmt.Errorf("failed to append registration log: %w", err)
	}
	return nil
}

// BookSlotTx books a seat on the slot inside one transaction: it locks the
// slot row, cancels any prior non-cancelled registration held by the same
// identity or email (the "move"), re-checks remaining capacity and inserts
// the new row. Returns the new id and whether a prior registration was moved.
//
// A serialization failure or deadlock is retried once; after that the caller
// sees ErrSlotFull.
func (r *repository) BookSlotTx(ctx context.Context, reg *model.EventRegistration) (int64, bool, error) {
	id, moved, err := r.bookSlotOnce(ctx, reg)
	if err != nil && isRetryable(err) {
		r.log.Warn().Err(err).Int64("slot_id", reg.SlotID).Msg("booking tx serialization failure, retrying once")
		id, moved, err = r.bookSlotOnce(ctx, reg)
		if err != nil && isRetryable(err) {
			return 0, false, ErrSlotFull
		}
	}
	return id, moved, err
}

func (r *repository) bookSlotOnce(ctx context.Context, reg *model.EventRegistration) (int64, bool, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to start transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	var slot model.EventSlot
	err = tx.QueryRowContext(ctx, `
		SELECT id, capacity
		FROM event_slots
		WHERE id = $1
		FOR UPDATE
	`, reg.SlotID).Scan(&slot.ID, &slot.Capacity)
	if err != nil {
		_ = tx.Rollback()
		return 0, false, ErrSlotNotFound
	}

	// Re-registration is an atomic move: the prior booking is cancelled in
	// the same transaction that creates the new one, so capacity is never
	// transiently double-counted or double-released.
	moved := false
	rows, err := tx.QueryContext(ctx, `
		SELECT id, status
		FROM registrations
		WHERE (created_by = $1 OR email = $2) AND status <> 'cancelled'
		FOR UPDATE
	`, reg.CreatedBy, reg.Email)
	if err != nil {
		_ = tx.Rollback()
		return 0, false, fmt.Errorf("failed to check existing registration: %w", err)
	}
	type prior struct {
		id     int64
		status model.RegistrationStatus
	}
	var priors []prior
	for rows.Next() {
		var p prior
		if err := rows.Scan(&p.id, &p.status); err != nil {
			rows.Close()
			_ = tx.Rollback()
			return 0, false, fmt.Errorf("failed to scan existing registration: %w", err)
		}
		priors = append(priors, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		_ = tx.Rollback()
		return 0, false, fmt.Errorf("failed to read existing registrations: %w", err)
	}

	for _, p := range priors {
		if _, err := tx.ExecContext(ctx, `
			UPDATE registrations
			SET status = 'cancelled', updated_at = NOW()
			WHERE id = $1
		`, p.id); err != nil {
			_ = tx.Rollback()
			return 0, false, fmt.Errorf("failed to cancel prior registration: %w", err)
		}
		if err := appendLogTx(ctx, tx, p.id, ActorSystem, p.status, model.StatusCancelled); err != nil {
			_ = tx.Rollback()
			return 0, false, err
		}
		moved = true
	}

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		FROM registrations
		WHERE slot_id = $1 AND status IN ('pending', 'confirmed', 'checked-in')
	`, reg.SlotID).Scan(&count)
	if err != nil {
		_ = tx.Rollback()
		return 0, false, fmt.Errorf("failed to count registrations: %w", err)
	}

	if count >= slot.Capacity {
		_ = tx.Rollback()
		return 0, false, ErrSlotFull
	}

	var id int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO registrations (slot_id, created_by, status, signature, full_name, email, phone, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		RETURNING id
	`, reg.SlotID, reg.CreatedBy, string(reg.Status), reg.Signature, reg.FullName, reg.Email, reg.Phone).Scan(&id)
	if err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			return 0, false, ErrDuplicateRegistration
		}
		return 0, false, fmt.Errorf("failed to create registration: %w", err)
	}

	if err := appendLogTx(ctx, tx, id, ActorSystem, "", reg.Status); err != nil {
		_ = tx.Rollback()
		return 0, false, err
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	return id, moved, nil
}

func (r *repository) scanRegistrationRow(row *sql.Row) (*model.EventRegistration, error) {
	var reg model.EventRegistration
	if err := row.Scan(
		&reg.ID, &reg.SlotID, &reg.CreatedBy, &reg.Status, &reg.Signature,
		&reg.FullName, &reg.Email, &reg.Phone, &reg.CreatedAt, &reg.UpdatedAt,
	); err != nil {
		return nil, ErrNotFound
	}
	return &reg, nil
}

func (r *repository) GetRegistrationByID(ctx context.Context, id int64) (*model.EventRegistration, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, slot_id, created_by, status, signature, full_name, email, phone, created_at, updated_at
		FROM registrations
		WHERE id = $1
	`, id)
	return r.scanRegistrationRow(row)
}

func (r *repository) GetRegistrationBySignature(ctx context.Context, signature string) (*model.EventRegistration, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, slot_id, created_by, status, signature, full_name, email, phone, created_at, updated_at
		FROM registrations
		WHERE signature = $1
	`, signature)
	return r.scanRegistrationRow(row)
}

// ConfirmRegistrationTx flips pending to confirmed and, when the owner is
// still anonymous, claims or merges the identity in the same transaction.
// Re-confirming an already-confirmed registration is a no-op success with no
// new audit row; the bool reports that case.
func (r *repository) ConfirmRegistrationTx(ctx context.Context, regID int64, actor string) (*model.EventRegistration, bool, error) {
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

	var reg model.EventRegistration
	err = tx.QueryRowContext(ctx, `
		SELECT id, slot_id, created_by, status, signature, full_name, email, phone, created_at, updated_at
		FROM registrations
		WHERE id = $1
		FOR UPDATE
	`, regID).Scan(
		&reg.ID, &reg.SlotID, &reg.CreatedBy, &reg.Status, &reg.Signature,
		&reg.FullName, &reg.Email, &reg.Phone, &reg.CreatedAt, &reg.UpdatedAt,
	)
	if err != nil {
		_ = tx.Rollback()
		return nil, false, ErrNotFound
	}

	switch reg.Status {
	case model.StatusConfirmed:
		_ = tx.Rollback()
		return &reg, true, nil
	case model.StatusCheckedIn, model.StatusCancelled:
		_ = tx.Rollback()
		return nil, false, ErrAlreadyProcessed
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE registrations
		SET status = 'confirmed', updated_at = NOW()
		WHERE id = $1
	`, reg.ID); err != nil {
		_ = tx.Rollback()
		return nil, false, fmt.Errorf("failed to confirm registration: %w", err)
	}

	if err := appendLogTx(ctx, tx, reg.ID, actor, model.StatusPending, model.StatusConfirmed); err != nil {
		_ = tx.Rollback()
		return nil, false, err
	}

	// Confirming proves control of the email: claim the anonymous owner in
	// place, or merge it into the confirmed identity that already owns the
	// address. Runs in the same transaction as the status flip.
	newOwner, merged, err := r.claimIdentityLocked(ctx, tx, reg.CreatedBy, reg.Email)
	if err != nil {
		_ = tx.Rollback()
		return nil, false, err
	}
	if merged {
		r.log.Info().
			Str("anonymous_id", reg.CreatedBy.String()).
			Str("owner_id", newOwner.String()).
			Str("email", reg.Email).
			Msg("anonymous identity merged into existing confirmed identity")
	}
	reg.CreatedBy = newOwner

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("failed to commit transaction: %w", err)
	}

	reg.Status = model.StatusConfirmed
	return &reg, false, nil
}

// UpdateStatusTx is a conditional single-row transition: the update applies
// only when the row still holds the expected prior status, so concurrent
// duplicate operations resolve to exactly one winner. Returns the status
// observed in the row; on a mismatch the error is ErrAlreadyProcessed.
func (r *repository) UpdateStatusTx(ctx context.Context, regID int64, from, to model.RegistrationStatus, actor string) (model.RegistrationStatus, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to start transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE registrations
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = $3
	`, string(to), regID, string(from))
	if err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("failed to update registration status: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("failed to read rows affected: %w", err)
	}

	if affected == 0 {
		// Either the row is gone or a concurrent writer got there first.
		var current string
		err := tx.QueryRowContext(ctx, `SELECT status FROM registrations WHERE id = $1`, regID).Scan(&current)
		_ = tx.Rollback()
		if err != nil {
			return "", ErrNotFound
		}
		return model.RegistrationStatus(current), ErrAlreadyProcessed
	}

	if err := appendLogTx(ctx, tx, regID, actor, from, to); err != nil {
		_ = tx.Rollback()
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit transaction: %w", err)
	}

	return to, nil
}

// CancelTx cancels a registration from any non-terminal state. checked-in
// rows are only cancellable when allowCheckedIn is set (staff correction).
func (r *repository) CancelTx(ctx context.Context, regID int64, actor string, allowCheckedIn bool) (model.RegistrationStatus, error) {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to start transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	var current string
	err = tx.QueryRowContext(ctx, `
		SELECT status
		FROM registrations
		WHERE id = $1
		FOR UPDATE
	`, regID).Scan(&current)
	if err != nil {
		_ = tx.Rollback()
		return "", ErrNotFound
	}

	before := model.RegistrationStatus(current)
	if before == model.StatusCancelled {
		_ = tx.Rollback()
		return before, ErrAlreadyProcessed
	}
	if before == model.StatusCheckedIn && !allowCheckedIn {
		_ = tx.Rollback()
		return before, ErrAlreadyProcessed
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE registrations
		SET status = 'cancelled', updated_at = NOW()
		WHERE id = $1
	`, regID); err != nil {
		_ = tx.Rollback()
		return "", fmt.Errorf("failed to cancel registration: %w", err)
	}

	if err := appendLogTx(ctx, tx, regID, actor, before, model.StatusCancelled); err != nil {
		_ = tx.Rollback()
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit cancellation transaction: %w", err)
	}

	return before, nil
}

func (r *repository) ListStalePending(ctx context.Context, cutoff time.Time) ([]model.EventRegistration, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, slot_id, created_by, status, signature, full_name, email, phone, created_at, updated_at
		FROM registrations
		WHERE status = 'pending' AND created_at < $1
		ORDER BY created_at ASC
	`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale registrations: %w", err)
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

func (r *repository) RecentLogs(ctx context.Context, limit int) ([]model.RegistrationLog, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, registration_id, actor, status_before, status_after, changed_at
		FROM registration_logs
		ORDER BY changed_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to read registration logs: %w", err)
	}
	defer rows.Close()

	var logs []model.RegistrationLog
	for rows.Next() {
		var l model.RegistrationLog
		if err := rows.Scan(
			&l.ID, &l.RegistrationID, &l.Actor, &l.StatusBefore, &l.StatusAfter, &l.ChangedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan registration log: %w", err)
		}
		logs = append(logs, l)
	}

	return logs, rows.Err()
}
