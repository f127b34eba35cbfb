// Package httpapi holds the HTTP surface: the operator call API, the
// carrier webhooks, the media-stream websocket endpoint, and health.
//
// Handlers stay thin: parse/validate input, call internal services,
// return JSON (or TwiML where the carrier expects it).
package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"voicebridge/internal/admission"
	"voicebridge/internal/carrier"
	"voicebridge/internal/orchestrator"
	"voicebridge/internal/pool"
	"voicebridge/internal/session"
	"voicebridge/pkg/logger"
)

type Handlers struct {
	Orch     *orchestrator.Orchestrator
	Registry *session.Registry
	Pool     *pool.Pool

	upgrader websocket.Upgrader
}

func NewHandlers(orch *orchestrator.Orchestrator, registry *session.Registry, p *pool.Pool) *Handlers {
	return &Handlers{
		Orch:     orch,
		Registry: registry,
		Pool:     p,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The carrier connects from its own infrastructure, not a
			// browser; origin checks do not apply.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// --- Operator API ---

type requestCallBody struct {
	PhoneNumber string `json:"phone_number"`
	Name        string `json:"name,omitempty"`
}

// RequestCall admits and places an outbound call.
func (h *Handlers) RequestCall(c *gin.Context) {
	var body requestCallBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return
	}
	if body.PhoneNumber == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "phone_number required"})
		return
	}

	res := h.Orch.PlaceCall(c.Request.Context(), body.PhoneNumber, body.Name)
	if !res.Accepted {
		h.rejectCall(c, res)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"session_id":     res.Session.ID,
		"call_id":        res.Session.CallID,
		"state":          res.Session.State,
		"queue_position": res.QueuePosition,
	})
}

func (h *Handlers) rejectCall(c *gin.Context, res admission.Result) {
	switch res.Reason {
	case admission.ReasonInvalidNumber:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid phone number"})
	case admission.ReasonUnauthorized:
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "number not allowed"})
	case admission.ReasonRateLimited:
		c.Header("Retry-After", fmt.Sprintf("%d", int(res.RetryAfter.Seconds())+1))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":               "number called too recently",
			"retry_after_seconds": int(res.RetryAfter.Seconds()) + 1,
		})
	case admission.ReasonCapacityExceeded:
		c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "call capacity exceeded"})
	default:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "call rejected"})
	}
}

// GetCall returns the current session snapshot.
func (h *Handlers) GetCall(c *gin.Context) {
	id := c.Param("id")
	sess, ok := h.Registry.Get(id)
	if !ok {
		// Callers may hold a carrier call id rather than a session id.
		sess, ok = h.Registry.GetByCallID(id)
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	c.JSON(http.StatusOK, sess)
}

// --- Carrier webhooks ---

// InboundVoice answers the carrier's voice webhook with TwiML.
func (h *Handlers) InboundVoice(c *gin.Context) {
	form, err := carrier.ParseInboundVoice(c.Request)
	if err != nil {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	twiml, res := h.Orch.HandleInboundCall(c.Request.Context(), form)
	if !res.Accepted {
		logger.FromGin(c).Warn("inbound call rejected", "from", form.From, "reason", res.Reason)
	}
	c.Data(http.StatusOK, "application/xml", []byte(twiml))
}

// StatusCallback applies a carrier lifecycle update.
func (h *Handlers) StatusCallback(c *gin.Context) {
	form, err := carrier.ParseStatusCallback(c.Request)
	if err != nil || form.CallID == "" {
		c.AbortWithStatus(http.StatusBadRequest)
		return
	}
	h.Orch.HandleStatusCallback(form)
	c.Status(http.StatusNoContent)
}

// MediaStream upgrades the carrier's websocket and hands it to the
// orchestrator. Blocks for the duration of the call.
func (h *Handlers) MediaStream(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	if err := h.Orch.AttachStream(c.Request.Context(), conn); err != nil {
		logger.FromGin(c).Warn("media stream ended with error", "err", err)
	}
}

// --- Health ---

func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":           "ok",
		"active_calls":     h.Registry.ActiveCount(),
		"active_bridges":   h.Orch.ActiveBridges(),
		"inference_in_use": h.Pool.InUse(),
		"inference_cap":    h.Pool.Cap(),
	})
}
