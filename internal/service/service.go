package service

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/ginext"

	"slotbooker/internal/booking"
	"slotbooker/internal/capacity"
	"slotbooker/internal/dto"
	"slotbooker/internal/model"
	"slotbooker/internal/repo"
	"slotbooker/pkg/validator"
)

// SessionHeader carries the anonymous identity the browser was handed on its
// first booking. Absent or malformed values simply mean a fresh identity.
const SessionHeader = "X-Session-ID"

type Service interface {
	CreateEvent(ctx *ginext.Context)
	GetAllEvents(ctx *ginext.Context)
	CreateSlot(ctx *ginext.Context)
	GetSlots(ctx *ginext.Context)
	GetSlotInfo(ctx *ginext.Context)
	Book(ctx *ginext.Context)
	Confirm(ctx *ginext.Context)
	Cancel(ctx *ginext.Context)
	SearchRegistration(ctx *ginext.Context)
	CheckIn(ctx *ginext.Context)
	RecentActivity(ctx *ginext.Context)
}

type service struct {
	repo    repo.Repository
	machine *booking.Machine
	log     *zerolog.Logger
}

func NewService(repo repo.Repository, machine *booking.Machine, logger *zerolog.Logger) Service {
	return &service{
		repo:    repo,
		machine: machine,
		log:     logger,
	}
}

func (s *service) CreateEvent(ctx *ginext.Context) {
	var req dto.CreateEventRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		s.log.Error().Err(err).Msg("failed to parse create event request")
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		s.log.Error().Msgf("validation failed: %v", verr)
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	event := &model.Event{
		Name:        req.Name,
		Description: req.Description,
		Location:    req.Location,
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	id, err := s.repo.CreateEvent(ctx.Request.Context(), event)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create event in DB")
		dto.InternalServerError(ctx)
		return
	}
	event.ID = id

	s.log.Info().Int64("event_id", id).Msg("event created successfully")

	dto.SuccessCreatedResponse(ctx, dto.EventResponse{
		ID:          event.ID,
		Name:        event.Name,
		Description: event.Description,
		Location:    event.Location,
		CreatedAt:   event.CreatedAt,
	})
}

func (s *service) GetAllEvents(ctx *ginext.Context) {
	events, err := s.repo.GetAllEvents(ctx.Request.Context())
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list events")
		dto.InternalServerError(ctx)
		return
	}

	resp := make([]dto.EventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, dto.EventResponse{
			ID:          e.ID,
			Name:        e.Name,
			Description: e.Description,
			Location:    e.Location,
			CreatedAt:   e.CreatedAt,
		})
	}
	dto.SuccessResponse(ctx, resp)
}

func (s *service) CreateSlot(ctx *ginext.Context) {
	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	var req dto.CreateSlotRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}
	if req.EndTime != nil && !req.EndTime.After(req.StartTime) {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "End time must be after start time")
		return
	}

	if _, err := s.repo.GetEventByID(ctx.Request.Context(), eventID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			dto.EventNotFoundError(ctx)
			return
		}
		s.log.Error().Err(err).Msg("failed to load event")
		dto.InternalServerError(ctx)
		return
	}

	slot := &model.EventSlot{
		EventID:   eventID,
		StartTime: req.StartTime,
		EndTime:   req.EndTime,
		Capacity:  req.Capacity,
		Notes:     req.Notes,
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}

	id, err := s.repo.CreateSlot(ctx.Request.Context(), slot)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create slot in DB")
		dto.InternalServerError(ctx)
		return
	}
	slot.ID = id

	s.log.Info().Int64("slot_id", id).Int64("event_id", eventID).Msg("slot created successfully")

	dto.SuccessCreatedResponse(ctx, dto.SlotResponse{
		ID:             slot.ID,
		EventID:        slot.EventID,
		StartTime:      slot.StartTime,
		EndTime:        slot.EndTime,
		Capacity:       slot.Capacity,
		AvailableSeats: slot.Capacity,
		Notes:          slot.Notes,
	})
}

func (s *service) GetSlots(ctx *ginext.Context) {
	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	slots, err := s.repo.GetSlotsByEventID(ctx.Request.Context(), eventID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list slots")
		dto.InternalServerError(ctx)
		return
	}

	resp := make([]dto.SlotResponse, 0, len(slots))
	for _, slot := range slots {
		active, err := s.repo.CountActiveRegistrations(ctx.Request.Context(), slot.ID)
		if err != nil {
			s.log.Error().Err(err).Int64("slot_id", slot.ID).Msg("failed to count registrations")
			dto.InternalServerError(ctx)
			return
		}
		resp = append(resp, dto.SlotResponse{
			ID:             slot.ID,
			EventID:        slot.EventID,
			StartTime:      slot.StartTime,
			EndTime:        slot.EndTime,
			Capacity:       slot.Capacity,
			AvailableSeats: capacity.AvailableFromCount(slot.Capacity, active),
			Notes:          slot.Notes,
		})
	}
	dto.SuccessResponse(ctx, resp)
}

func (s *service) GetSlotInfo(ctx *ginext.Context) {
	slotID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid slot ID")
		return
	}

	slot, err := s.repo.GetSlotByID(ctx.Request.Context(), slotID)
	if err != nil {
		if errors.Is(err, repo.ErrSlotNotFound) || errors.Is(err, repo.ErrNotFound) {
			dto.SlotNotFoundError(ctx)
			return
		}
		s.log.Error().Err(err).Msg("failed to load slot")
		dto.InternalServerError(ctx)
		return
	}

	active, err := s.repo.CountActiveRegistrations(ctx.Request.Context(), slotID)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to count registrations")
		dto.InternalServerError(ctx)
		return
	}

	resp := dto.SlotResponse{
		ID:             slot.ID,
		EventID:        slot.EventID,
		StartTime:      slot.StartTime,
		EndTime:        slot.EndTime,
		Capacity:       slot.Capacity,
		AvailableSeats: capacity.AvailableFromCount(slot.Capacity, active),
		Notes:          slot.Notes,
	}

	if ctx.Query("admin") == "true" {
		regs, err := s.repo.GetRegistrationsBySlotID(ctx.Request.Context(), slotID)
		if err != nil {
			s.log.Error().Err(err).Msg("failed to list registrations")
			dto.InternalServerError(ctx)
			return
		}
		for _, reg := range regs {
			resp.Registrations = append(resp.Registrations, registrationResponse(&reg, false))
		}
	}

	dto.SuccessResponse(ctx, resp)
}

func (s *service) Book(ctx *ginext.Context) {
	slotID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid slot ID")
		return
	}

	var req dto.BookSlotRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	// A garbage session header is treated as no session at all.
	sessionID, _ := uuid.Parse(ctx.GetHeader(SessionHeader))

	res, err := s.machine.Create(ctx.Request.Context(), booking.CreateRequest{
		SlotID: slotID,
		Contact: booking.ContactInfo{
			Email:     req.Email,
			FirstName: req.FirstName,
			LastName:  req.LastName,
			Phone:     req.Phone,
		},
		SessionID: sessionID,
	})
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrSlotNotFound), errors.Is(err, repo.ErrNotFound):
			dto.SlotNotFoundError(ctx)
		case errors.Is(err, repo.ErrSlotFull):
			dto.SlotFullError(ctx)
		case errors.Is(err, repo.ErrDuplicateRegistration):
			dto.RegistrationDuplicateError(ctx)
		default:
			s.log.Error().Err(err).Msg("failed to book slot")
			dto.InternalServerError(ctx)
		}
		return
	}

	resp := registrationResponse(res.Registration, res.Moved)
	resp.SessionID = res.Registration.CreatedBy.String()
	dto.SuccessCreatedResponse(ctx, resp)
}

func (s *service) Confirm(ctx *ginext.Context) {
	// The mail link lands here as GET ?token=...; clients may POST the same
	// token as JSON.
	tokenStr := ctx.Query("token")
	if tokenStr == "" {
		var req dto.ConfirmRegistrationRequest
		if err := ctx.ShouldBindJSON(&req); err != nil {
			dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
			return
		}
		if verr := validator.Validate(ctx, req); verr != nil {
			dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
			return
		}
		tokenStr = req.Token
	}

	reg, already, err := s.machine.Confirm(ctx.Request.Context(), tokenStr, "participant")
	if err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			dto.RegistrationNotFoundError(ctx)
		case errors.Is(err, repo.ErrAlreadyProcessed):
			dto.AlreadyProcessedError(ctx, "Registration is already cancelled or checked in")
		default:
			s.log.Error().Err(err).Msg("failed to confirm registration")
			dto.InternalServerError(ctx)
		}
		return
	}

	if already {
		s.log.Info().Int64("registration_id", reg.ID).Msg("repeated confirmation, no-op")
	}
	dto.SuccessResponse(ctx, registrationResponse(reg, false))
}

func (s *service) Cancel(ctx *ginext.Context) {
	regID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid registration ID")
		return
	}

	var req dto.CancelRegistrationRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	actor := req.Actor
	if actor == "" {
		actor = "participant"
	}

	if err := s.machine.Cancel(ctx.Request.Context(), regID, actor, req.StaffOverride); err != nil {
		switch {
		case errors.Is(err, repo.ErrNotFound):
			dto.RegistrationNotFoundError(ctx)
		case errors.Is(err, repo.ErrAlreadyProcessed):
			dto.AlreadyProcessedError(ctx, "Registration is already cancelled or checked in")
		default:
			s.log.Error().Err(err).Msg("failed to cancel registration")
			dto.InternalServerError(ctx)
		}
		return
	}

	dto.SuccessResponse(ctx, nil)
}

func (s *service) SearchRegistration(ctx *ginext.Context) {
	code := ctx.Query("code")
	if code == "" {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Missing code parameter")
		return
	}

	reg, err := s.machine.Search(ctx.Request.Context(), code)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			dto.RegistrationNotFoundError(ctx)
			return
		}
		s.log.Error().Err(err).Msg("failed to search registration")
		dto.InternalServerError(ctx)
		return
	}

	dto.SuccessResponse(ctx, registrationResponse(reg, false))
}

func (s *service) CheckIn(ctx *ginext.Context) {
	regID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid registration ID")
		return
	}

	var req dto.CheckInRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, fmt.Sprintf("%v", verr))
		return
	}

	reg, err := s.machine.CheckIn(ctx.Request.Context(), regID, req.Actor)
	if err != nil {
		switch {
		case errors.Is(err, booking.ErrRegistrationNotConfirmed):
			dto.NotConfirmedError(ctx)
		case errors.Is(err, repo.ErrNotFound):
			dto.RegistrationNotFoundError(ctx)
		case errors.Is(err, repo.ErrAlreadyProcessed):
			dto.AlreadyProcessedError(ctx, "Registration is already checked in or cancelled")
		default:
			s.log.Error().Err(err).Msg("failed to check in registration")
			dto.InternalServerError(ctx)
		}
		return
	}

	dto.SuccessResponse(ctx, registrationResponse(reg, false))
}

func (s *service) RecentActivity(ctx *ginext.Context) {
	limit := 20
	if raw := ctx.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 || parsed > 500 {
			dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid limit parameter")
			return
		}
		limit = parsed
	}

	logs, err := s.repo.RecentLogs(ctx.Request.Context(), limit)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to load activity feed")
		dto.InternalServerError(ctx)
		return
	}

	resp := make([]dto.ActivityEntry, 0, len(logs))
	for _, entry := range logs {
		resp = append(resp, dto.ActivityEntry{
			ID:             entry.ID,
			RegistrationID: entry.RegistrationID,
			Actor:          entry.Actor,
			StatusBefore:   entry.StatusBefore,
			StatusAfter:    entry.StatusAfter,
			ChangedAt:      entry.ChangedAt,
		})
	}
	dto.SuccessResponse(ctx, resp)
}

func registrationResponse(reg *model.EventRegistration, moved bool) dto.RegistrationResponse {
	return dto.RegistrationResponse{
		ID:        reg.ID,
		SlotID:    reg.SlotID,
		FullName:  reg.FullName,
		Email:     reg.Email,
		Status:    reg.Status,
		CreatedAt: reg.CreatedAt,
		UpdatedAt: reg.UpdatedAt,
		Moved:     moved,
	}
}
