package dto

import (
	"time"

	"github.com/wb-go/wbf/ginext"

	"slotbooker/internal/model"
)

const (
	FieldBadFormat     = "FIELD_BADFORMAT"
	FieldIncorrect     = "FIELD_INCORRECT"
	ServiceUnavailable = "SERVICE_UNAVAILABLE"
	InternalError      = "Service is currently unavailable. Please try again later."

	EventNotFound            = "EVENT_NOT_FOUND"
	SlotNotFound             = "SLOT_NOT_FOUND"
	SlotFull                 = "SLOT_FULL"
	RegistrationNotFound     = "REGISTRATION_NOT_FOUND"
	RegistrationDuplicate    = "REGISTRATION_DUPLICATE"
	AlreadyProcessed         = "ALREADY_PROCESSED"
	RegistrationNotConfirmed = "REGISTRATION_NOT_CONFIRMED"
)

// Each transition binds its own request type; nothing reaches the state
// machine as a partially merged form object.

type CreateEventRequest struct {
	Name        string `json:"name" validate:"required"`
	Description string `json:"description"`
	Location    string `json:"location"`
}

type CreateSlotRequest struct {
	StartTime time.Time  `json:"start_time" validate:"required,future"`
	EndTime   *time.Time `json:"end_time"`
	Capacity  int        `json:"capacity" validate:"gte=0"`
	Notes     string     `json:"notes"`
}

type BookSlotRequest struct {
	Email     string `json:"email" validate:"required,email"`
	FirstName string `json:"first_name" validate:"required,max=120"`
	LastName  string `json:"last_name" validate:"required,max=120"`
	Phone     string `json:"phone"`
}

type ConfirmRegistrationRequest struct {
	Token string `json:"token" validate:"required"`
}

type CancelRegistrationRequest struct {
	Actor         string `json:"actor"`
	Reason        string `json:"reason"`
	StaffOverride bool   `json:"staff_override"`
}

type CheckInRequest struct {
	Actor string `json:"actor" validate:"required"`
}

type EventResponse struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Location    string    `json:"location,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

type SlotResponse struct {
	ID             int64                  `json:"id"`
	EventID        int64                  `json:"event_id"`
	StartTime      time.Time              `json:"start_time"`
	EndTime        *time.Time             `json:"end_time,omitempty"`
	Capacity       int                    `json:"capacity"`
	AvailableSeats int                    `json:"available_seats"`
	Notes          string                 `json:"notes,omitempty"`
	Registrations  []RegistrationResponse `json:"registrations,omitempty"`
}

type RegistrationResponse struct {
	ID        int64                    `json:"id"`
	SlotID    int64                    `json:"slot_id"`
	FullName  string                   `json:"full_name"`
	Email     string                   `json:"email"`
	Status    model.RegistrationStatus `json:"status"`
	SessionID string                   `json:"session_id,omitempty"`
	Moved     bool                     `json:"moved,omitempty"`
	CreatedAt time.Time                `json:"created_at"`
	UpdatedAt time.Time                `json:"updated_at"`
}

type ActivityEntry struct {
	ID             int64                    `json:"id"`
	RegistrationID int64                    `json:"registration_id"`
	Actor          string                   `json:"actor"`
	StatusBefore   model.RegistrationStatus `json:"status_before,omitempty"`
	StatusAfter    model.RegistrationStatus `json:"status_after"`
	ChangedAt      time.Time                `json:"changed_at"`
}

type Response struct {
	Status string `json:"status"`
	Error  *Error `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

type Error struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
}

func BadResponseError(c *ginext.Context, code, desc string) {
	c.JSON(400, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
	})
}

func ConflictError(c *ginext.Context, code, desc string) {
	c.JSON(409, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
	})
}

func NotFoundError(c *ginext.Context, code, desc string) {
	c.JSON(404, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
	})
}

func InternalServerError(c *ginext.Context) {
	c.JSON(500, Response{
		Status: "error",
		Error: &Error{
			Code: ServiceUnavailable,
			Desc: InternalError,
		},
	})
}

func EventNotFoundError(c *ginext.Context) {
	NotFoundError(c, EventNotFound, "Event not found")
}

func SlotNotFoundError(c *ginext.Context) {
	NotFoundError(c, SlotNotFound, "Slot not found")
}

func SlotFullError(c *ginext.Context) {
	ConflictError(c, SlotFull, "Slot is full, pick another time")
}

func RegistrationNotFoundError(c *ginext.Context) {
	NotFoundError(c, RegistrationNotFound, "Registration not found")
}

func RegistrationDuplicateError(c *ginext.Context) {
	ConflictError(c, RegistrationDuplicate, "You already hold a registration for this slot")
}

func AlreadyProcessedError(c *ginext.Context, desc string) {
	ConflictError(c, AlreadyProcessed, desc)
}

func NotConfirmedError(c *ginext.Context) {
	ConflictError(c, RegistrationNotConfirmed, "Registration has not been confirmed yet")
}

func SuccessResponse(c *ginext.Context, data any) {
	c.JSON(200, Response{
		Status: "ok",
		Data:   data,
	})
}

func SuccessCreatedResponse(c *ginext.Context, data any) {
	c.JSON(201, Response{
		Status: "ok",
		Data:   data,
	})
}
