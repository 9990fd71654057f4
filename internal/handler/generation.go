package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/model"
	"github.com/dirtysecretai/multiverse-mouse-sub003/internal/service"
)

// GenerationHandler serves the customer side of the queue.
type GenerationHandler struct {
	Svc    *service.Service
	Logger *slog.Logger
}

func NewGenerationHandler(svc *service.Service, logger *slog.Logger) *GenerationHandler {
	if svc == nil {
		panic("nil service passed to NewGenerationHandler")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationHandler{Svc: svc, Logger: logger}
}

type submitReq struct {
	ModelID    string          `json:"model_id"`
	ModelType  model.ModelType `json:"model_type"`
	Priority   int             `json:"priority"`
	Parameters json.RawMessage `json:"parameters"`
}

// Submit admits a generation request. 201 with the queue id whether it
// started immediately or was queued.
func (h *GenerationHandler) Submit(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	var req submitReq
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid body")
	}
	if req.ModelID == "" {
		return badRequest(c, "model_id required")
	}
	res, err := h.Svc.Submit(c.Request().Context(), service.SubmitRequest{
		UserID:     uid,
		ModelID:    req.ModelID,
		ModelType:  req.ModelType,
		Priority:   req.Priority,
		Parameters: req.Parameters,
	})
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.JSON(http.StatusCreated, res)
}

// Get returns one of the caller's generations with its live position.
func (h *GenerationHandler) Get(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return unauthorized(c)
	}
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}
	r, err := h.Svc.GetStatus(c.Request().Context(), id, a)
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, r)
}

// List returns the caller's generations in serving order.
func (h *GenerationHandler) List(c echo.Context) error {
	a, err := actor(c)
	if err != nil {
		return unauthorized(c)
	}
	f, err := queueFilter(c)
	if err != nil {
		return badRequest(c, err.Error())
	}
	// Admins use /admin/queue to see other users.
	a.Admin = false
	items, err := h.Svc.ListQueue(c.Request().Context(), f, a)
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, listResp[service.StatusReport]{Items: items})
}

func (h *GenerationHandler) Cancel(c echo.Context) error {
	return h.change(c, h.Svc.Cancel)
}

func (h *GenerationHandler) Retry(c echo.Context) error {
	return h.change(c, h.Svc.Retry)
}

// Tickets returns the caller's ticket account.
func (h *GenerationHandler) Tickets(c echo.Context) error {
	uid, err := getUserID(c)
	if err != nil {
		return unauthorized(c)
	}
	acct, err := h.Svc.Account(c.Request().Context(), uid)
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, acct)
}

// Models lists the catalogue with each model's current limit.
func (h *GenerationHandler) Models(c echo.Context) error {
	limits, err := h.Svc.ListLimits(c.Request().Context())
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	byID := make(map[string]model.ConcurrencyLimit, len(limits))
	for _, l := range limits {
		byID[l.ModelID] = l
	}
	type entry struct {
		service.ModelSpec
		MaxConcurrent int `json:"max_concurrent"`
	}
	specs := service.Models()
	out := make([]entry, 0, len(specs))
	for _, s := range specs {
		e := entry{ModelSpec: s, MaxConcurrent: s.DefaultMax}
		if l, ok := byID[s.ID]; ok {
			e.MaxConcurrent = l.MaxConcurrent
		}
		out = append(out, e)
	}
	return c.JSON(http.StatusOK, listResp[entry]{Items: out})
}

type changeFunc func(ctx context.Context, id uint64, a service.Actor) (*model.QueueItem, error)

func (h *GenerationHandler) change(c echo.Context, fn changeFunc) error {
	a, err := actor(c)
	if err != nil {
		return unauthorized(c)
	}
	id, ok := paramID(c, "id")
	if !ok {
		return badRequest(c, "invalid id")
	}
	it, err := fn(c.Request().Context(), id, a)
	if err != nil {
		return serviceError(c, h.Logger, err)
	}
	return c.JSON(http.StatusOK, h.Svc.ItemStatus(it))
}

func queueFilter(c echo.Context) (model.QueueFilter, error) {
	var f model.QueueFilter
	if s := c.QueryParam("status"); s != "" {
		st, ok := model.ParseStatus(s)
		if !ok {
			return f, errInvalidQuery("status")
		}
		f.Status = st
	}
	f.ModelID = c.QueryParam("model_id")
	if s := c.QueryParam("user_id"); s != "" {
		id, err := strconv.ParseUint(s, 10, 64)
		if err != nil {
			return f, errInvalidQuery("user_id")
		}
		f.UserID = id
	}
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			return f, errInvalidQuery("limit")
		}
		f.Limit = n
	}
	return f, nil
}

type errInvalidQuery string

func (e errInvalidQuery) Error() string { return "invalid " + string(e) }
