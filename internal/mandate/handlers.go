package mandate

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/noah-isme/backend-autopay/internal/common"
	"github.com/noah-isme/backend-autopay/internal/domain"
)

// Handler exposes the user-facing mandate commands.
type Handler struct {
	Svc      *Service
	Validate *validator.Validate
}

// Routes mounts the command endpoints on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Post("/toggle", h.Toggle)
}

type createReq struct {
	PlanID   string      `json:"planId" validate:"required,max=64"`
	PG       string      `json:"pg" validate:"required,oneof=phonepe"`
	Metadata metadataReq `json:"metadata"`
}

type metadataReq struct {
	AppID    string `json:"appId" validate:"omitempty,max=128"`
	Dialect  string `json:"dialect" validate:"omitempty,max=16"`
	OS       string `json:"os" validate:"omitempty,oneof=android ios web"`
	Platform string `json:"platform" validate:"omitempty,max=32"`
}

type mandateResp struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	PG             string    `json:"pg"`
	Amount         int64     `json:"amount"`
	SequenceNumber int       `json:"sequenceNumber"`
	ExpiresAt      time.Time `json:"expiresAt"`
	IntentURL      string    `json:"intentUrl,omitempty"`
}

func toResp(m domain.Mandate, intent string) mandateResp {
	return mandateResp{
		ID:             m.ID,
		Status:         string(m.Status),
		PG:             string(m.PG),
		Amount:         m.CreationAmount,
		SequenceNumber: m.SequenceNumber,
		ExpiresAt:      m.ExpiresAt,
		IntentURL:      intent,
	}
}

// Create registers a mandate for the authenticated user.
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok || strings.TrimSpace(userID) == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required", nil)
		return
	}
	var req createReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid body", nil)
		return
	}
	req.PG = strings.ToLower(strings.TrimSpace(req.PG))
	if err := h.validator().Struct(req); err != nil {
		common.JSONError(w, http.StatusBadRequest, "VALIDATION_FAILED", "invalid request", validationDetails(err))
		return
	}
	res, err := h.Svc.CreateMandate(r.Context(), CreateRequest{
		UserID: userID,
		PlanID: req.PlanID,
		PG:     domain.PG(req.PG),
		Metadata: domain.Metadata{
			AppID:    req.Metadata.AppID,
			Dialect:  req.Metadata.Dialect,
			OS:       req.Metadata.OS,
			Platform: req.Metadata.Platform,
		},
	})
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusCreated, map[string]any{"data": toResp(res.Mandate, res.IntentURL)})
}

// Toggle pauses or resumes the authenticated user's mandate.
func (h *Handler) Toggle(w http.ResponseWriter, r *http.Request) {
	userID, ok := common.UserID(r.Context())
	if !ok || strings.TrimSpace(userID) == "" {
		common.JSONError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "login required", nil)
		return
	}
	m, err := h.Svc.Toggle(r.Context(), userID)
	if err != nil {
		common.WriteError(w, err)
		return
	}
	common.JSON(w, http.StatusOK, map[string]any{"data": toResp(m, "")})
}

func (h *Handler) validator() *validator.Validate {
	if h.Validate == nil {
		h.Validate = validator.New(validator.WithRequiredStructEnabled())
	}
	return h.Validate
}

func validationDetails(err error) map[string]string {
	out := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			out[fe.Namespace()] = fe.Tag()
		}
	}
	return out
}
