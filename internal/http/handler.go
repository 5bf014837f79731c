package http

import (
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"anpr-parking/internal/auth"
	"anpr-parking/internal/notify"
	"anpr-parking/internal/service"
)

type Handler struct {
	tickets     *service.TicketService
	deadLetters *service.DeadLetterService
	hub         *notify.Hub
	gatherer    prometheus.Gatherer
	log         zerolog.Logger
}

func NewHandler(
	tickets *service.TicketService,
	deadLetters *service.DeadLetterService,
	hub *notify.Hub,
	gatherer prometheus.Gatherer,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		tickets:     tickets,
		deadLetters: deadLetters,
		hub:         hub,
		gatherer:    gatherer,
		log:         log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	r.GET("/healthz", h.healthz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})))

	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.GET("/tickets", h.listTickets)
		public.GET("/dead-letters", h.listDeadLetters)
		public.GET("/events/last-detection", h.lastDetection)
		public.GET("/events/stream", h.streamDetections)
	}

	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/tickets/exit", h.registerExit)
		protected.POST("/dead-letters/:id/replay", h.replayDeadLetter)
	}
}

func (h *Handler) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) listTickets(c *gin.Context) {
	var plateQuery, shiftID, state *string
	if plate := strings.TrimSpace(c.Query("plate")); plate != "" {
		plateQuery = &plate
	}
	if shift := strings.TrimSpace(c.Query("shift_id")); shift != "" {
		shiftID = &shift
	}
	if s := strings.TrimSpace(c.Query("state")); s != "" {
		s = strings.ToUpper(s)
		state = &s
	}

	limit, offset := pagination(c)
	tickets, err := h.tickets.ListTickets(c.Request.Context(), plateQuery, shiftID, state, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(tickets))
}

type exitRequest struct {
	Plate    string     `json:"plate" binding:"required"`
	ExitTime *time.Time `json:"exit_time"`
}

func (h *Handler) registerExit(c *gin.Context) {
	actor, ok := auth.ActorFromContext(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, errorResponse("missing actor"))
		return
	}

	var req exitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	exitTime := time.Now()
	if req.ExitTime != nil {
		exitTime = *req.ExitTime
	}

	ticket, err := h.tickets.CloseTicket(c.Request.Context(), req.Plate, actor.ShiftID, exitTime)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(ticket))
}

func (h *Handler) listDeadLetters(c *gin.Context) {
	pendingOnly := c.DefaultQuery("pending", "true") != "false"
	limit, offset := pagination(c)

	letters, err := h.deadLetters.List(c.Request.Context(), pendingOnly, limit, offset)
	if err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusOK, successResponse(letters))
}

func (h *Handler) replayDeadLetter(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, errorResponse("invalid dead letter id"))
		return
	}

	if err := h.deadLetters.Replay(c.Request.Context(), id); err != nil {
		h.handleError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "replayed", "id": id})
}

func (h *Handler) lastDetection(c *gin.Context) {
	d, ok := h.hub.Last()
	if !ok {
		c.JSON(http.StatusOK, successResponse(nil))
		return
	}
	c.JSON(http.StatusOK, successResponse(d))
}

// streamDetections pushes every new entry to the client as a server-sent
// event until the client goes away.
func (h *Handler) streamDetections(c *gin.Context) {
	events, cancel := h.hub.Subscribe()
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()
	c.Writer.Flush()

	if d, ok := h.hub.Last(); ok {
		c.SSEvent("detection", d)
		c.Writer.Flush()
	}

	ctx := c.Request.Context()
	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case d, open := <-events:
			if !open {
				return false
			}
			c.SSEvent("detection", d)
			return true
		}
	})
}

func (h *Handler) handleError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, errorResponse(err.Error()))
	case errors.Is(err, service.ErrNoOpenTicket):
		c.JSON(http.StatusConflict, errorResponse(err.Error()))
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("handler error")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
	}
}

func pagination(c *gin.Context) (int, int) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := parseInt(l); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	offset := 0
	if o := c.Query("offset"); o != "" {
		if parsed, err := parseInt(o); err == nil && parsed >= 0 {
			offset = parsed
		}
	}
	return limit, offset
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func parseInt(s string) (int, error) {
	return strconv.Atoi(s)
}
