package service_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/ginext"

	"slotbooker/internal/api/api"
	"slotbooker/internal/booking"
	"slotbooker/internal/dto"
	"slotbooker/internal/identity"
	"slotbooker/internal/model"
	"slotbooker/internal/repo/inmem"
	"slotbooker/internal/service"
	"slotbooker/internal/token"
)

type recordingDispatcher struct {
	mu        sync.Mutex
	lastToken string
	confirmed int
	cancelled int
}

func (d *recordingDispatcher) SendConfirmationRequest(_ context.Context, _ *model.EventRegistration, _ *model.EventSlot, signedToken string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastToken = signedToken
	return nil
}

func (d *recordingDispatcher) SendConfirmation(context.Context, *model.EventRegistration, *model.EventSlot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.confirmed++
	return nil
}

func (d *recordingDispatcher) SendCancellation(context.Context, *model.EventRegistration, *model.EventSlot) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.cancelled++
	return nil
}

func (d *recordingDispatcher) token() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastToken
}

type noopPublisher struct{}

func (noopPublisher) PublishExpiry(int64, int64, time.Time) error { return nil }

type fixture struct {
	app      *ginext.Engine
	store    *inmem.Store
	dispatch *recordingDispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := inmem.NewStore()
	log := zerolog.Nop()
	dispatch := &recordingDispatcher{}
	tokens := token.NewService("test-key", "slotbooker-test", time.Hour)
	ids := identity.NewReconciler(store, &log)
	machine := booking.NewMachine(store, ids, tokens, dispatch, noopPublisher{}, 24*time.Hour, &log)

	svc := service.NewService(store, machine, &log)
	app := api.NewRouters(&api.Routers{Service: svc})
	return &fixture{app: app, store: store, dispatch: dispatch}
}

func (f *fixture) do(t *testing.T, method, path, body string, header map[string]string) (*httptest.ResponseRecorder, dto.Response) {
	t.Helper()

	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("{}")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header.Set(k, v)
	}

	rec := httptest.NewRecorder()
	f.app.ServeHTTP(rec, req)

	var resp dto.Response
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return rec, resp
}

func (f *fixture) createSlot(t *testing.T, capacity int) int64 {
	t.Helper()

	rec, _ := f.do(t, http.MethodPost, "/v1/events", `{"name":"Open day"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	start := time.Now().Add(48 * time.Hour).UTC().Format(time.RFC3339)
	body := fmt.Sprintf(`{"start_time":%q,"capacity":%d}`, start, capacity)
	rec, resp := f.do(t, http.MethodPost, "/v1/events/1/slots", body, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var slot dto.SlotResponse
	remarshal(t, resp.Data, &slot)
	return slot.ID
}

func remarshal(t *testing.T, data any, out any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(raw, out))
}

func TestBookStartsPendingAndHandsOutSession(t *testing.T) {
	f := newFixture(t)
	slotID := f.createSlot(t, 5)

	rec, resp := f.do(t, http.MethodPost, fmt.Sprintf("/v1/slots/%d/book", slotID),
		`{"email":"alice@x.com","first_name":"Alice","last_name":"Example"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	var reg dto.RegistrationResponse
	remarshal(t, resp.Data, &reg)
	require.Equal(t, model.StatusPending, reg.Status)
	require.NotEmpty(t, reg.SessionID, "anonymous bookings return the session identity")
	require.NotEmpty(t, f.dispatch.token(), "pending bookings trigger a confirmation request")
}

func TestBookRejectsBadPayload(t *testing.T) {
	f := newFixture(t)
	slotID := f.createSlot(t, 5)

	rec, resp := f.do(t, http.MethodPost, fmt.Sprintf("/v1/slots/%d/book", slotID),
		`{"email":"not-an-email","first_name":"A","last_name":"B"}`, nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, dto.FieldIncorrect, resp.Error.Code)
}

func TestBookUnknownSlotIs404(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodPost, "/v1/slots/999/book",
		`{"email":"alice@x.com","first_name":"Alice","last_name":"Example"}`, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, dto.SlotNotFound, resp.Error.Code)
}

func TestBookFullSlotIs409(t *testing.T) {
	f := newFixture(t)
	slotID := f.createSlot(t, 1)

	rec, _ := f.do(t, http.MethodPost, fmt.Sprintf("/v1/slots/%d/book", slotID),
		`{"email":"a@x.com","first_name":"A","last_name":"One"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := f.do(t, http.MethodPost, fmt.Sprintf("/v1/slots/%d/book", slotID),
		`{"email":"b@x.com","first_name":"B","last_name":"Two"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, dto.SlotFull, resp.Error.Code)
}

func TestConfirmThenCheckInFlow(t *testing.T) {
	f := newFixture(t)
	slotID := f.createSlot(t, 5)

	rec, resp := f.do(t, http.MethodPost, fmt.Sprintf("/v1/slots/%d/book", slotID),
		`{"email":"alice@x.com","first_name":"Alice","last_name":"Example"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var reg dto.RegistrationResponse
	remarshal(t, resp.Data, &reg)

	// check-in before confirmation must fail
	rec, errResp := f.do(t, http.MethodPost, fmt.Sprintf("/v1/registrations/%d/checkin", reg.ID),
		`{"actor":"staff:door-1"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, dto.RegistrationNotConfirmed, errResp.Error.Code)

	rec, resp = f.do(t, http.MethodGet, "/v1/registrations/confirm?token="+f.dispatch.token(), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	remarshal(t, resp.Data, &reg)
	require.Equal(t, model.StatusConfirmed, reg.Status)

	rec, resp = f.do(t, http.MethodPost, fmt.Sprintf("/v1/registrations/%d/checkin", reg.ID),
		`{"actor":"staff:door-1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	remarshal(t, resp.Data, &reg)
	require.Equal(t, model.StatusCheckedIn, reg.Status)

	// a second check-in is a conflict
	rec, errResp = f.do(t, http.MethodPost, fmt.Sprintf("/v1/registrations/%d/checkin", reg.ID),
		`{"actor":"staff:door-2"}`, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, dto.AlreadyProcessed, errResp.Error.Code)
}

func TestConfirmBadTokenIs404(t *testing.T) {
	f := newFixture(t)

	rec, resp := f.do(t, http.MethodGet, "/v1/registrations/confirm?token=garbage", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, dto.RegistrationNotFound, resp.Error.Code)
}

func TestSearchByScannedCode(t *testing.T) {
	f := newFixture(t)
	slotID := f.createSlot(t, 5)

	rec, resp := f.do(t, http.MethodPost, fmt.Sprintf("/v1/slots/%d/book", slotID),
		`{"email":"alice@x.com","first_name":"Alice","last_name":"Example"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var reg dto.RegistrationResponse
	remarshal(t, resp.Data, &reg)

	stored, err := f.store.GetRegistrationByID(context.Background(), reg.ID)
	require.NoError(t, err)

	rec, resp = f.do(t, http.MethodGet, "/v1/checkin/search?code="+stored.Signature, "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var found dto.RegistrationResponse
	remarshal(t, resp.Data, &found)
	require.Equal(t, reg.ID, found.ID)

	rec, resp = f.do(t, http.MethodGet, "/v1/checkin/search?code=no-such-code", "", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, dto.RegistrationNotFound, resp.Error.Code)
}

func TestCancelFreesSeat(t *testing.T) {
	f := newFixture(t)
	slotID := f.createSlot(t, 1)

	rec, resp := f.do(t, http.MethodPost, fmt.Sprintf("/v1/slots/%d/book", slotID),
		`{"email":"a@x.com","first_name":"A","last_name":"One"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var reg dto.RegistrationResponse
	remarshal(t, resp.Data, &reg)

	rec, _ = f.do(t, http.MethodPost, fmt.Sprintf("/v1/registrations/%d/cancel", reg.ID), `{}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, fmt.Sprintf("/v1/slots/%d/book", slotID),
		`{"email":"b@x.com","first_name":"B","last_name":"Two"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code, "cancellation frees the seat immediately")
}

func TestRebookingMovesRegistration(t *testing.T) {
	f := newFixture(t)
	first := f.createSlot(t, 5)

	start := time.Now().Add(72 * time.Hour).UTC().Format(time.RFC3339)
	rec, resp := f.do(t, http.MethodPost, "/v1/events/1/slots",
		fmt.Sprintf(`{"start_time":%q,"capacity":5}`, start), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var second dto.SlotResponse
	remarshal(t, resp.Data, &second)

	rec, resp = f.do(t, http.MethodPost, fmt.Sprintf("/v1/slots/%d/book", first),
		`{"email":"alice@x.com","first_name":"Alice","last_name":"Example"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var reg dto.RegistrationResponse
	remarshal(t, resp.Data, &reg)

	rec, resp = f.do(t, http.MethodPost, fmt.Sprintf("/v1/slots/%d/book", second.ID),
		`{"email":"alice@x.com","first_name":"Alice","last_name":"Example"}`,
		map[string]string{service.SessionHeader: reg.SessionID})
	require.Equal(t, http.StatusCreated, rec.Code)
	var moved dto.RegistrationResponse
	remarshal(t, resp.Data, &moved)
	require.True(t, moved.Moved)

	old, err := f.store.GetRegistrationByID(context.Background(), reg.ID)
	require.NoError(t, err)
	require.Equal(t, model.StatusCancelled, old.Status, "the old seat is released by the move")
}

func TestSlotInfoReportsAvailability(t *testing.T) {
	f := newFixture(t)
	slotID := f.createSlot(t, 3)

	rec, _ := f.do(t, http.MethodPost, fmt.Sprintf("/v1/slots/%d/book", slotID),
		`{"email":"a@x.com","first_name":"A","last_name":"One"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := f.do(t, http.MethodGet, fmt.Sprintf("/v1/slots/%d", slotID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var slot dto.SlotResponse
	remarshal(t, resp.Data, &slot)
	require.Equal(t, 2, slot.AvailableSeats)
	require.Empty(t, slot.Registrations)

	rec, resp = f.do(t, http.MethodGet, fmt.Sprintf("/v1/slots/%d?admin=true", slotID), "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	remarshal(t, resp.Data, &slot)
	require.Len(t, slot.Registrations, 1)
}

func TestRecentActivityFeed(t *testing.T) {
	f := newFixture(t)
	slotID := f.createSlot(t, 5)

	rec, _ := f.do(t, http.MethodPost, fmt.Sprintf("/v1/slots/%d/book", slotID),
		`{"email":"a@x.com","first_name":"A","last_name":"One"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, resp := f.do(t, http.MethodGet, "/v1/activity?limit=10", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []dto.ActivityEntry
	remarshal(t, resp.Data, &entries)
	require.NotEmpty(t, entries)
	require.Equal(t, model.StatusPending, entries[0].StatusAfter)

	rec, errResp := f.do(t, http.MethodGet, "/v1/activity?limit=0", "", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, dto.FieldIncorrect, errResp.Error.Code)
}
