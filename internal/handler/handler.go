package handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/tripforge/booking-core/internal/domain"
	"github.com/tripforge/booking-core/internal/service"
	"github.com/tripforge/booking-core/internal/store"
	"github.com/tripforge/booking-core/pkg/logger"
	"github.com/tripforge/booking-core/pkg/middleware"
	"github.com/tripforge/booking-core/pkg/response"
)

// HealthChecker is anything with a liveness probe
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BookingHandler exposes the booking API over HTTP
type BookingHandler struct {
	svc *service.BookingService
	log *logger.Logger
}

// NewBookingHandler creates a booking handler
func NewBookingHandler(svc *service.BookingService, log *logger.Logger) *BookingHandler {
	if log == nil {
		log = logger.Get()
	}
	return &BookingHandler{svc: svc, log: log}
}

// RouterConfig wires the HTTP surface
type RouterConfig struct {
	Handler *BookingHandler
	Log     *logger.Logger
	// Redis enables submit idempotency when set
	Redis middleware.RedisClient
	// Dependencies are probed by GET /health
	Dependencies map[string]HealthChecker
}

// NewRouter builds the gin engine with logging, recovery and routes
func NewRouter(cfg *RouterConfig) *gin.Engine {
	log := cfg.Log
	if log == nil {
		log = logger.Get()
	}

	r := gin.New()
	r.Use(middleware.RequestLogger(log))
	r.Use(middleware.Recovery(log))

	r.GET("/health", healthHandler(cfg.Dependencies))

	v1 := r.Group("/api/v1")
	{
		submit := v1.Group("")
		if cfg.Redis != nil {
			submit.Use(middleware.Idempotency(middleware.DefaultIdempotencyConfig(cfg.Redis)))
		}
		submit.POST("/bookings", cfg.Handler.Submit)

		v1.GET("/bookings/:id", cfg.Handler.Get)
		v1.POST("/bookings/:id/cancel", cfg.Handler.Cancel)
		v1.POST("/bookings/:id/modify", cfg.Handler.Modify)
		v1.POST("/bookings/:id/refund", cfg.Handler.Refund)
	}

	return r
}

func healthHandler(deps map[string]HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		checks := make(map[string]string, len(deps))
		for name, dep := range deps {
			if err := dep.HealthCheck(ctx); err != nil {
				checks[name] = err.Error()
				status = http.StatusServiceUnavailable
				continue
			}
			checks[name] = "ok"
		}

		c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
	}
}

// bookingView is the read projection returned by the API. Internal ledger
// bookkeeping stays server-side.
type bookingView struct {
	ID             string                 `json:"id"`
	Number         string                 `json:"number"`
	Status         domain.BookingStatus   `json:"status"`
	Phase          domain.Phase           `json:"phase"`
	Services       map[string]serviceView `json:"services"`
	Pricing        domain.Pricing         `json:"pricing"`
	CapturedAmount int64                  `json:"captured_amount"`
	RefundedAmount int64                  `json:"refunded_amount"`
	Refunds        []domain.Refund        `json:"refunds,omitempty"`
	Modifications  []domain.Modification  `json:"modifications,omitempty"`
	FailureReason  string                 `json:"failure_reason,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	UpdatedAt      time.Time              `json:"updated_at"`
}

type serviceView struct {
	SubStatus          domain.SubStatus `json:"sub_status"`
	ConfirmationNumber string           `json:"confirmation_number,omitempty"`
}

func toView(b *domain.Booking) bookingView {
	view := bookingView{
		ID:             b.ID,
		Number:         b.Number,
		Status:         b.Status,
		Phase:          b.Ledger.Phase,
		Services:       make(map[string]serviceView, len(b.Services)),
		Pricing:        b.Pricing,
		CapturedAmount: b.CapturedAmount,
		RefundedAmount: b.RefundedAmount,
		Refunds:        b.Refunds,
		Modifications:  b.Modifications,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
	for svc, state := range b.Services {
		view.Services[string(svc)] = serviceView{
			SubStatus:          state.SubStatus,
			ConfirmationNumber: state.ConfirmationNumber,
		}
	}
	if b.Status == domain.StatusFailed || b.Status == domain.StatusCancelled {
		if f, ok := b.LastFailure(); ok {
			view.FailureReason = f.Error
		} else {
			view.FailureReason = b.CancelReason
		}
	}
	return view
}

// Submit handles POST /api/v1/bookings
func (h *BookingHandler) Submit(c *gin.Context) {
	var req domain.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	b, err := h.svc.Submit(c.Request.Context(), &req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Created(c, toView(b))
}

// Get handles GET /api/v1/bookings/:id
func (h *BookingHandler) Get(c *gin.Context) {
	b, err := h.svc.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Success(c, toView(b))
}

type cancelRequest struct {
	Reason string `json:"reason"`
}

// Cancel handles POST /api/v1/bookings/:id/cancel
func (h *BookingHandler) Cancel(c *gin.Context) {
	// an empty body is a bare cancel with the default reason
	var req cancelRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	b, err := h.svc.Cancel(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Accepted(c, toView(b))
}

type modifyRequest struct {
	Description string          `json:"description" binding:"required"`
	Pricing     *domain.Pricing `json:"pricing"`
}

// Modify handles POST /api/v1/bookings/:id/modify
func (h *BookingHandler) Modify(c *gin.Context) {
	var req modifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	b, mod, err := h.svc.Modify(c.Request.Context(), c.Param("id"), req.Description, req.Pricing)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Accepted(c, gin.H{"booking": toView(b), "modification": mod})
}

type refundRequest struct {
	Amount int64  `json:"amount" binding:"required,gt=0"`
	Reason string `json:"reason" binding:"required"`
}

// Refund handles POST /api/v1/bookings/:id/refund
func (h *BookingHandler) Refund(c *gin.Context) {
	var req refundRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request body: "+err.Error())
		return
	}

	b, refund, err := h.svc.Refund(c.Request.Context(), c.Param("id"), req.Amount, req.Reason)
	if err != nil {
		h.writeError(c, err)
		return
	}
	response.Accepted(c, gin.H{"booking": toView(b), "refund": refund})
}

func (h *BookingHandler) writeError(c *gin.Context, err error) {
	switch {
	case domain.IsValidation(err):
		response.Error(c, http.StatusBadRequest, "VALIDATION_ERROR", "booking request invalid", err.Error())
	case store.IsNotFound(err):
		response.NotFound(c, "booking not found")
	case errors.Is(err, domain.ErrCancelNotAllowed):
		response.Conflict(c, "CANCEL_NOT_ALLOWED", err.Error())
	case errors.Is(err, domain.ErrModifyNotAllowed):
		response.Conflict(c, "MODIFY_NOT_ALLOWED", err.Error())
	case errors.Is(err, domain.ErrRefundExceedsCaptured):
		response.Conflict(c, "REFUND_EXCEEDS_CAPTURED", err.Error())
	case errors.Is(err, service.ErrPaymentIncreaseUnsupported):
		response.Conflict(c, "PAYMENT_INCREASE_UNSUPPORTED", err.Error())
	case errors.Is(err, service.ErrConcurrentUpdate):
		response.Conflict(c, "CONCURRENT_UPDATE", err.Error())
	default:
		response.InternalError(c, err)
	}
}
