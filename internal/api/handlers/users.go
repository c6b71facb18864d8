// Package handlers contains the HTTP handlers of the greeting API.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"birthdaygreeter/internal/core"
	"birthdaygreeter/internal/types"
	"birthdaygreeter/internal/users"
)

// UserService is the user lifecycle contract served by UserHandler.
// *users.Service satisfies it.
type UserService interface {
	Create(ctx context.Context, in users.CreateInput) (*types.User, error)
	Get(ctx context.Context, id string) (*types.User, error)
	List(ctx context.Context, cursor string, limit int) ([]*types.User, types.PageInfo, error)
	Update(ctx context.Context, id string, in users.UpdateInput) (*types.User, error)
	Delete(ctx context.Context, id string) error
	GetDelivery(ctx context.Context, id, date string) (*types.DeliveryRecord, error)
}

// CreateUserRequest is the body of POST /v1/users.
type CreateUserRequest struct {
	FirstName string `json:"first_name" validate:"required,max=100"`
	LastName  string `json:"last_name" validate:"required,max=100"`
	Birthday  string `json:"birthday" validate:"required,ymd_date"`
	Location  string `json:"location" validate:"required,iana_tz"`
}

// UpdateUserRequest is the body of PATCH /v1/users/{id}. Omitted fields are
// left unchanged.
type UpdateUserRequest struct {
	FirstName *string `json:"first_name" validate:"omitnil,max=100"`
	LastName  *string `json:"last_name" validate:"omitnil,max=100"`
	Birthday  *string `json:"birthday" validate:"omitnil,ymd_date"`
	Location  *string `json:"location" validate:"omitnil,iana_tz"`
}

// UserDTO is the API representation of a user.
type UserDTO struct {
	ID                 string     `json:"id"`
	FirstName          string     `json:"first_name"`
	LastName           string     `json:"last_name"`
	Birthday           string     `json:"birthday"`
	Location           string     `json:"location"`
	LastGreetingSentAt *time.Time `json:"last_greeting_sent_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// UserHandler serves the /v1/users resource.
type UserHandler struct {
	service   UserService
	validator *core.Validator
	logger    *slog.Logger
}

// NewUserHandler creates a UserHandler.
func NewUserHandler(service UserService, v *core.Validator, l *slog.Logger) *UserHandler {
	return &UserHandler{
		service:   service,
		validator: v,
		logger:    l,
	}
}

// RegisterRoutes mounts the user routes on r.
func (h *UserHandler) RegisterRoutes(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.Post("/", h.Create)
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Patch("/{id}", h.Update)
		r.Delete("/{id}", h.Delete)
		r.Get("/{id}/deliveries/{date}", h.GetDelivery)
	})
}

// Create handles POST /v1/users.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateUserRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	u, err := h.service.Create(r.Context(), users.CreateInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Birthday:  req.Birthday,
		Location:  req.Location,
	})
	if err != nil {
		h.logFailure(r, "create user failed", err)
		core.Error(w, r, err)
		return
	}

	w.Header().Set("Location", "/v1/users/"+u.ID)
	core.JSON(w, r, http.StatusCreated, toUserDTO(u))
}

// List handles GET /v1/users?limit=&cursor=.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := types.DefaultPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > types.MaxPageSize {
			core.Error(w, r, types.NewAppErrorWithDetails(types.ErrCodeValidationInvalidField,
				"limit must be a number between 1 and "+strconv.Itoa(types.MaxPageSize), err,
				map[string]any{"field": "limit"}))
			return
		}
		limit = n
	}

	list, page, err := h.service.List(r.Context(), r.URL.Query().Get("cursor"), types.ClampPageSize(limit))
	if err != nil {
		h.logFailure(r, "list users failed", err)
		core.Error(w, r, err)
		return
	}

	data := make([]UserDTO, 0, len(list))
	for _, u := range list {
		data = append(data, toUserDTO(u))
	}
	core.JSON(w, r, http.StatusOK, types.ListResponse[UserDTO]{Data: data, PageInfo: page})
}

// Get handles GET /v1/users/{id}.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	u, err := h.service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.logFailure(r, "get user failed", err)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, toUserDTO(u))
}

// Update handles PATCH /v1/users/{id}.
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req UpdateUserRequest
	if err := core.DecodeJSON(w, r, &req); err != nil {
		core.Error(w, r, err)
		return
	}
	if err := h.validator.ValidateStruct(req); err != nil {
		core.Error(w, r, err)
		return
	}

	u, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), users.UpdateInput{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Birthday:  req.Birthday,
		Location:  req.Location,
	})
	if err != nil {
		h.logFailure(r, "update user failed", err)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, toUserDTO(u))
}

// Delete handles DELETE /v1/users/{id}.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.logFailure(r, "delete user failed", err)
		core.Error(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetDelivery handles GET /v1/users/{id}/deliveries/{date}.
func (h *UserHandler) GetDelivery(w http.ResponseWriter, r *http.Request) {
	rec, err := h.service.GetDelivery(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "date"))
	if err != nil {
		h.logFailure(r, "get delivery failed", err)
		core.Error(w, r, err)
		return
	}
	core.JSON(w, r, http.StatusOK, rec)
}

// logFailure logs infrastructure failures only; client errors are already
// visible in the request log.
func (h *UserHandler) logFailure(r *http.Request, msg string, err error) {
	if types.KindOf(err) != types.KindInfrastructure {
		return
	}
	h.logger.ErrorContext(r.Context(), msg,
		"request_id", types.GetRequestID(r.Context()),
		"error", err,
	)
}

func toUserDTO(u *types.User) UserDTO {
	return UserDTO{
		ID:                 u.ID,
		FirstName:          u.FirstName,
		LastName:           u.LastName,
		Birthday:           u.BirthdayString(),
		Location:           u.Location,
		LastGreetingSentAt: u.LastGreetingSentAt,
		CreatedAt:          u.CreatedAt,
		UpdatedAt:          u.UpdatedAt,
	}
}
