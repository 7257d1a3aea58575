package scanner

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"slotbooker/internal/booking"
	"slotbooker/internal/model"
	"slotbooker/internal/repo"
)

type fakeDevice struct {
	mu       sync.Mutex
	openErr  error
	payloads []string
	captures int
	readErr  error
	block    bool
	closed   bool
}

func (d *fakeDevice) Open(context.Context) error { return d.openErr }

func (d *fakeDevice) Capture(ctx context.Context) (string, error) {
	if d.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if d.readErr != nil {
		return "", d.readErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	p := d.payloads[d.captures%len(d.payloads)]
	d.captures++
	return p, nil
}

func (d *fakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *fakeDevice) isClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closed
}

type fakeRegistry struct {
	mu      sync.Mutex
	regs    map[string]*model.EventRegistration
	release chan struct{} // when set, Search blocks until closed
}

func (r *fakeRegistry) Search(_ context.Context, code string) (*model.EventRegistration, error) {
	if r.release != nil {
		<-r.release
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reg, ok := r.regs[code]
	if !ok {
		return nil, repo.ErrNotFound
	}
	cp := *reg
	return &cp, nil
}

func (r *fakeRegistry) CheckIn(_ context.Context, regID int64, _ string) (*model.EventRegistration, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.regs {
		if reg.ID != regID {
			continue
		}
		switch reg.Status {
		case model.StatusConfirmed:
			reg.Status = model.StatusCheckedIn
			reg.UpdatedAt = time.Now()
			cp := *reg
			return &cp, nil
		case model.StatusPending:
			return nil, booking.ErrRegistrationNotConfirmed
		default:
			return nil, repo.ErrAlreadyProcessed
		}
	}
	return nil, repo.ErrNotFound
}

func newRegistry(status model.RegistrationStatus) (*fakeRegistry, string) {
	code := uuid.NewString()
	return &fakeRegistry{
		regs: map[string]*model.EventRegistration{
			code: {
				ID:        1,
				SlotID:    1,
				Status:    status,
				Signature: code,
				FullName:  "Alice Example",
				Email:     "alice@x.com",
				UpdatedAt: time.Now(),
			},
		},
	}, code
}

func newDialog(reg Registry) *Dialog {
	log := zerolog.Nop()
	return NewDialog(reg, "staff:desk1", &log)
}

func TestFullCheckInFlow(t *testing.T) {
	registry, code := newRegistry(model.StatusConfirmed)
	d := newDialog(registry)
	ctx := context.Background()

	require.Equal(t, StateSelect, d.State())

	device := &fakeDevice{payloads: []string{code}}
	require.NoError(t, d.StartScan(ctx, device))
	require.Equal(t, StateScan, d.State())

	payload, err := d.Capture()
	require.NoError(t, err)
	require.Equal(t, code, payload)
	require.Equal(t, StateConfirm, d.State())

	found, err := d.Search(ctx)
	require.NoError(t, err)
	require.Equal(t, model.StatusConfirmed, found.Status)
	require.Equal(t, StateCheckIn, d.State())

	reg, err := d.CheckIn(ctx)
	require.NoError(t, err)
	require.Equal(t, model.StatusCheckedIn, reg.Status)
	require.Equal(t, StateSelect, d.State(), "dialog ready for the next participant")
	require.True(t, device.isClosed())
}

// Scanning the same code twice: the second pass finds a checked-in
// registration and reports it instead of double-processing.
func TestSecondScanReportsAlreadyCheckedIn(t *testing.T) {
	registry, code := newRegistry(model.StatusConfirmed)
	d := newDialog(registry)
	ctx := context.Background()

	runScan := func() error {
		require.NoError(t, d.StartScan(ctx, &fakeDevice{payloads: []string{code}}))
		_, err := d.Capture()
		require.NoError(t, err)
		_, err = d.Search(ctx)
		return err
	}

	require.NoError(t, runScan())
	_, err := d.CheckIn(ctx)
	require.NoError(t, err)

	err = runScan()
	require.ErrorIs(t, err, repo.ErrAlreadyProcessed)
	require.Equal(t, StateConfirm, d.State())
	require.Contains(t, d.Message(), "already checked in")
}

func TestDeviceOpenFailureStaysInSelect(t *testing.T) {
	registry, _ := newRegistry(model.StatusConfirmed)
	d := newDialog(registry)

	err := d.StartScan(context.Background(), &fakeDevice{openErr: errors.New("no camera")})
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	require.Equal(t, StateSelect, d.State())
}

func TestDeviceFailureDuringScanReturnsToSelect(t *testing.T) {
	registry, _ := newRegistry(model.StatusConfirmed)
	d := newDialog(registry)

	device := &fakeDevice{readErr: errors.New("stream died")}
	require.NoError(t, d.StartScan(context.Background(), device))

	_, err := d.Capture()
	require.ErrorIs(t, err, ErrDeviceUnavailable)
	require.Equal(t, StateSelect, d.State())
	require.True(t, device.isClosed(), "no orphaned device handle")
}

func TestUndecodablePayloadAllowsRetry(t *testing.T) {
	registry, code := newRegistry(model.StatusConfirmed)
	d := newDialog(registry)

	device := &fakeDevice{payloads: []string{"???", code}}
	require.NoError(t, d.StartScan(context.Background(), device))

	_, err := d.Capture()
	require.ErrorIs(t, err, ErrDecodeFailure)
	require.Equal(t, StateScan, d.State())

	payload, err := d.Capture()
	require.NoError(t, err)
	require.Equal(t, code, payload)
}

func TestSearchFailuresReturnToConfirm(t *testing.T) {
	t.Run("not found", func(t *testing.T) {
		registry := &fakeRegistry{regs: map[string]*model.EventRegistration{}}
		d := newDialog(registry)
		unknown := uuid.NewString()
		require.NoError(t, d.StartScan(context.Background(), &fakeDevice{payloads: []string{unknown}}))
		_, err := d.Capture()
		require.NoError(t, err)

		_, err = d.Search(context.Background())
		require.ErrorIs(t, err, repo.ErrNotFound)
		require.Equal(t, StateConfirm, d.State())
		require.NotEmpty(t, d.Message())
	})

	t.Run("pending registration", func(t *testing.T) {
		registry, code := newRegistry(model.StatusPending)
		d := newDialog(registry)
		require.NoError(t, d.StartScan(context.Background(), &fakeDevice{payloads: []string{code}}))
		_, err := d.Capture()
		require.NoError(t, err)

		_, err = d.Search(context.Background())
		require.ErrorIs(t, err, booking.ErrRegistrationNotConfirmed)
		require.Equal(t, StateConfirm, d.State())
	})

	t.Run("cancelled registration", func(t *testing.T) {
		registry, code := newRegistry(model.StatusCancelled)
		d := newDialog(registry)
		require.NoError(t, d.StartScan(context.Background(), &fakeDevice{payloads: []string{code}}))
		_, err := d.Capture()
		require.NoError(t, err)

		_, err = d.Search(context.Background())
		require.ErrorIs(t, err, repo.ErrAlreadyProcessed)
	})
}

func TestSecondSubmitWhileInFlightIsRejected(t *testing.T) {
	registry, code := newRegistry(model.StatusConfirmed)
	registry.release = make(chan struct{})
	d := newDialog(registry)
	ctx := context.Background()

	require.NoError(t, d.StartScan(ctx, &fakeDevice{payloads: []string{code}}))
	_, err := d.Capture()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := d.Search(ctx)
		done <- err
	}()

	// wait for the first search to enter flight
	require.Eventually(t, func() bool { return d.State() == StateSearch }, time.Second, time.Millisecond)

	_, err = d.Search(ctx)
	require.ErrorIs(t, err, ErrWrongStep)

	close(registry.release)
	require.NoError(t, <-done)
	require.Equal(t, StateCheckIn, d.State())
}

func TestCloseTearsDownEverything(t *testing.T) {
	registry, code := newRegistry(model.StatusConfirmed)
	d := newDialog(registry)
	ctx := context.Background()

	device := &fakeDevice{payloads: []string{code}, block: true}
	require.NoError(t, d.StartScan(ctx, device))

	captureDone := make(chan error, 1)
	go func() {
		_, err := d.Capture()
		captureDone <- err
	}()

	// Close cancels the blocking capture rather than leaving it hanging.
	time.Sleep(10 * time.Millisecond)
	d.Close()

	err := <-captureDone
	require.Error(t, err)
	require.True(t, device.isClosed())

	require.ErrorIs(t, d.StartScan(ctx, &fakeDevice{}), ErrDialogClosed)
	_, err = d.Search(ctx)
	require.ErrorIs(t, err, ErrDialogClosed)
}

func TestResetFromAnyStep(t *testing.T) {
	registry, code := newRegistry(model.StatusConfirmed)
	d := newDialog(registry)
	ctx := context.Background()

	device := &fakeDevice{payloads: []string{code}}
	require.NoError(t, d.StartScan(ctx, device))
	_, err := d.Capture()
	require.NoError(t, err)
	_, err = d.Search(ctx)
	require.NoError(t, err)
	require.Equal(t, StateCheckIn, d.State())

	d.Reset()
	require.Equal(t, StateSelect, d.State())
	require.Nil(t, d.Registration())
	require.True(t, device.isClosed())
}
