// Package scanner drives the staff-operated check-in dialog:
//
//	select -> scan -> confirm -> search -> checkin
//
// Any step can drop back to select on error or retry. Capture-device
// failures surface ErrDeviceUnavailable and return to select; lookup
// failures return to confirm with an operator-facing message. Closing the
// dialog tears down the capture stream and clears all transient state.
package scanner

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"slotbooker/internal/booking"
	"slotbooker/internal/model"
	"slotbooker/internal/repo"
)

type State int

const (
	StateSelect State = iota
	StateScan
	StateConfirm
	StateSearch
	StateCheckIn
)

func (s State) String() string {
	switch s {
	case StateSelect:
		return "select"
	case StateScan:
		return "scan"
	case StateConfirm:
		return "confirm"
	case StateSearch:
		return "search"
	case StateCheckIn:
		return "checkin"
	}
	return "unknown"
}

var (
	ErrDeviceUnavailable = errors.New("capture device unavailable")
	ErrDecodeFailure     = errors.New("could not decode captured code")
	ErrRequestInFlight   = errors.New("a request is already in flight")
	ErrDialogClosed      = errors.New("dialog is closed")
	ErrWrongStep         = errors.New("operation not valid in current step")
)

// CaptureDevice is one capture method (camera stream, file upload).
// Capture blocks until a code is read or the context is cancelled.
type CaptureDevice interface {
	Open(ctx context.Context) error
	Capture(ctx context.Context) (string, error)
	Close() error
}

// Registry performs the two blocking server calls of the flow.
// *booking.Machine satisfies it.
type Registry interface {
	Search(ctx context.Context, code string) (*model.EventRegistration, error)
	CheckIn(ctx context.Context, registrationID int64, actor string) (*model.EventRegistration, error)
}

// Dialog is one staff check-in session. Safe for concurrent use; at most one
// registry call is in flight at a time, a second submit is rejected with
// ErrRequestInFlight.
type Dialog struct {
	registry Registry
	actor    string
	log      *zerolog.Logger

	mu            sync.Mutex
	state         State
	device        CaptureDevice
	captureCtx    context.Context
	cancelCapture context.CancelFunc
	payload       string
	reg           *model.EventRegistration
	message       string
	inFlight      bool
	closed        bool
}

func NewDialog(registry Registry, actor string, log *zerolog.Logger) *Dialog {
	return &Dialog{
		registry: registry,
		actor:    actor,
		log:      log,
		state:    StateSelect,
	}
}

func (d *Dialog) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Message is the operator-facing status from the last step.
func (d *Dialog) Message() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.message
}

// Registration is the row found by the last successful search.
func (d *Dialog) Registration() *model.EventRegistration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reg
}

// StartScan opens the chosen capture device and enters the scan step.
// An unopenable device keeps the dialog in select.
func (d *Dialog) StartScan(ctx context.Context, device CaptureDevice) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return ErrDialogClosed
	}
	if d.state != StateSelect {
		d.mu.Unlock()
		return ErrWrongStep
	}
	d.mu.Unlock()

	if err := device.Open(ctx); err != nil {
		d.log.Warn().Err(err).Str("actor", d.actor).Msg("capture device failed to open")
		d.setMessage("capture device unavailable, choose another method")
		return fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	captureCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	d.device = device
	d.captureCtx = captureCtx
	d.cancelCapture = cancel
	d.state = StateScan
	d.message = ""
	d.mu.Unlock()
	return nil
}

// Capture reads one code from the device and moves to confirm for operator
// review. A device failure tears the stream down and returns to select; a
// payload that does not decode stays in scan for another attempt.
func (d *Dialog) Capture() (string, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrDialogClosed
	}
	if d.state != StateScan || d.device == nil {
		d.mu.Unlock()
		return "", ErrWrongStep
	}
	device := d.device
	captureCtx := d.captureCtx
	if captureCtx == nil {
		captureCtx = context.Background()
	}
	d.mu.Unlock()

	raw, err := device.Capture(captureCtx)
	if err != nil {
		d.teardownCapture()
		d.mu.Lock()
		if !d.closed {
			d.state = StateSelect
			d.message = "capture device unavailable, choose another method"
		}
		d.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrDeviceUnavailable, err)
	}

	payload := strings.TrimSpace(raw)
	if _, perr := uuid.Parse(payload); perr != nil {
		d.setMessage("code did not decode, try again")
		return "", ErrDecodeFailure
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrDialogClosed
	}
	d.payload = payload
	d.state = StateConfirm
	d.message = ""
	d.mu.Unlock()
	return payload, nil
}

// Search is the blocking lookup of the reviewed payload. Found-and-confirmed
// advances to the checkin step; every failure returns to confirm with a
// specific operator message.
func (d *Dialog) Search(ctx context.Context) (*model.EventRegistration, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDialogClosed
	}
	if d.state != StateConfirm {
		d.mu.Unlock()
		return nil, ErrWrongStep
	}
	if d.inFlight {
		d.mu.Unlock()
		return nil, ErrRequestInFlight
	}
	d.inFlight = true
	d.state = StateSearch
	payload := d.payload
	d.mu.Unlock()

	reg, err := d.registry.Search(ctx, payload)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight = false
	if d.closed {
		return nil, ErrDialogClosed
	}

	if err != nil {
		d.state = StateConfirm
		d.message = "registration not found, re-scan or check the code"
		return nil, repo.ErrNotFound
	}

	switch reg.Status {
	case model.StatusConfirmed:
		d.reg = reg
		d.state = StateCheckIn
		d.message = ""
		return reg, nil
	case model.StatusCheckedIn:
		d.state = StateConfirm
		d.message = fmt.Sprintf("already checked in at %s", reg.UpdatedAt.Format("15:04:05"))
		return nil, repo.ErrAlreadyProcessed
	case model.StatusCancelled:
		d.state = StateConfirm
		d.message = "registration was cancelled"
		return nil, repo.ErrAlreadyProcessed
	default: // pending
		d.state = StateConfirm
		d.message = "registration was never confirmed by the participant"
		return nil, booking.ErrRegistrationNotConfirmed
	}
}

// CheckIn completes the flow for the registration found by Search. On
// success the dialog resets to select, ready for the next participant; a
// lost race reports the already-processed message and returns to confirm.
func (d *Dialog) CheckIn(ctx context.Context) (*model.EventRegistration, error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDialogClosed
	}
	if d.state != StateCheckIn || d.reg == nil {
		d.mu.Unlock()
		return nil, ErrWrongStep
	}
	if d.inFlight {
		d.mu.Unlock()
		return nil, ErrRequestInFlight
	}
	d.inFlight = true
	regID := d.reg.ID
	d.mu.Unlock()

	reg, err := d.registry.CheckIn(ctx, regID, d.actor)

	d.mu.Lock()
	d.inFlight = false
	if d.closed {
		d.mu.Unlock()
		return nil, ErrDialogClosed
	}

	if err != nil {
		d.state = StateConfirm
		switch {
		case errors.Is(err, repo.ErrAlreadyProcessed):
			d.message = "already checked in"
		case errors.Is(err, booking.ErrRegistrationNotConfirmed):
			d.message = "registration was never confirmed by the participant"
		default:
			d.message = "check-in failed, try again"
		}
		d.mu.Unlock()
		return nil, err
	}

	d.reg = nil
	d.payload = ""
	d.state = StateSelect
	d.message = fmt.Sprintf("%s checked in", reg.FullName)
	d.mu.Unlock()

	d.teardownCapture()
	d.log.Info().
		Int64("registration_id", reg.ID).
		Str("actor", d.actor).
		Msg("check-in completed via scanner")
	return reg, nil
}

// Reset returns the dialog to select from any step, tearing down the active
// capture stream and clearing transient state.
func (d *Dialog) Reset() {
	d.teardownCapture()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.state = StateSelect
	d.payload = ""
	d.reg = nil
	d.message = ""
}

// Close ends the session. The capture stream is torn down, in-flight results
// are discarded, and every later call fails ErrDialogClosed.
func (d *Dialog) Close() {
	d.teardownCapture()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.payload = ""
	d.reg = nil
	d.message = ""
}

func (d *Dialog) setMessage(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.message = msg
}

func (d *Dialog) teardownCapture() {
	d.mu.Lock()
	cancel := d.cancelCapture
	device := d.device
	d.cancelCapture = nil
	d.captureCtx = nil
	d.device = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if device != nil {
		if err := device.Close(); err != nil {
			d.log.Warn().Err(err).Msg("failed to close capture device")
		}
	}
}
