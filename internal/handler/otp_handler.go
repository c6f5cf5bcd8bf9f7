package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"otp-service/internal/service"
	"otp-service/internal/util"
)

// OTPHandler handles HTTP requests for code issuance and verification
type OTPHandler struct {
	otpService *service.OTPService
	validate   *validator.Validate
	logger     *zap.Logger
}

// NewOTPHandler creates a new OTP handler
func NewOTPHandler(otpService *service.OTPService, logger *zap.Logger) *OTPHandler {
	return &OTPHandler{
		otpService: otpService,
		validate:   validator.New(),
		logger:     logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

// successResponse creates a successful response
func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse creates an error response
func errorResponse(err error, message string) Response {
	return Response{
		Success: false,
		Error:   err.Error(),
		Message: message,
	}
}

// RegisterRoutes registers all OTP routes
func (h *OTPHandler) RegisterRoutes(router chi.Router) {
	router.Route("/otp", func(r chi.Router) {
		r.Post("/request", h.RequestCode)
		r.Post("/verify", h.VerifyCode)
		r.Post("/resend", h.ResendCode)
		r.Get("/status/{contact}", h.Status)
	})
}

// RequestCode handles code issuance
func (h *OTPHandler) RequestCode(w http.ResponseWriter, r *http.Request) {
	h.issue(w, r, false)
}

// ResendCode handles re-issuance; the newest code supersedes older ones
func (h *OTPHandler) ResendCode(w http.ResponseWriter, r *http.Request) {
	h.issue(w, r, true)
}

func (h *OTPHandler) issue(w http.ResponseWriter, r *http.Request, resend bool) {
	ctx := r.Context()
	startTime := time.Now()

	var req service.IssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request")
		return
	}

	req.OriginIP = r.RemoteAddr

	var (
		result *service.IssueResult
		err    error
	)
	if resend {
		result, err = h.otpService.ResendCode(ctx, &req)
	} else {
		result, err = h.otpService.RequestCode(ctx, &req)
	}

	if err != nil {
		var rlErr *service.RateLimitError
		if errors.As(err, &rlErr) {
			retryAfter := int(rlErr.RetryAfter.Seconds())
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			h.respondWithJSON(w, http.StatusTooManyRequests, Response{
				Success: false,
				Error:   service.ErrRateLimited.Error(),
				Message: "Too many codes requested, slow down",
				Data:    map[string]int{"retry_after_seconds": retryAfter},
			})
			return
		}
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to send code")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(result, "Code sent"))
	h.logger.Info("Code requested via HTTP",
		util.String("channel", result.Channel),
		util.Bool("resend", resend),
		util.Time("expires_at", result.ExpiresAt),
		util.Duration("duration", time.Since(startTime)),
	)
}

// VerifyCode handles code verification
func (h *OTPHandler) VerifyCode(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	startTime := time.Now()

	var req service.VerifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body")
		return
	}

	if err := h.validate.Struct(&req); err != nil {
		// Malformed codes get the same answer as wrong ones.
		h.respondWithError(w, http.StatusBadRequest, service.ErrCodeInvalid, "Verification failed")
		return
	}

	if err := h.otpService.VerifyCode(ctx, &req); err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Verification failed")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(nil, "Contact verified"))
	h.logger.Info("Code verified via HTTP",
		util.Duration("duration", time.Since(startTime)),
	)
}

// Status reports the verification state for a contact
func (h *OTPHandler) Status(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	contact := chi.URLParam(r, "contact")

	status, err := h.otpService.Status(ctx, contact)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to get status")
		return
	}

	h.respondWithJSON(w, http.StatusOK, successResponse(status, "Status retrieved"))
}

// Helper Methods

// respondWithJSON sends a JSON response
func (h *OTPHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

// respondWithError sends an error response
func (h *OTPHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	h.logger.Warn("HTTP error response",
		util.ErrorField(err),
		util.Int("status_code", statusCode),
		util.String("message", message),
	)
	h.respondWithJSON(w, statusCode, errorResponse(err, message))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *OTPHandler) getStatusCode(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidContact), errors.Is(err, service.ErrInvalidPurpose),
		errors.Is(err, service.ErrInvalidChannel):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrCodeInvalid):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, service.ErrDeliveryFailed):
		return http.StatusBadGateway
	case errors.Is(err, service.ErrServiceUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
