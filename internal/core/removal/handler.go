package removal

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"remover/internal/store"

	"github.com/gofiber/fiber/v2"
	"github.com/valyala/fasthttp"
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type errorResponse struct {
	Error string `json:"error"`
}

type batchRequest struct {
	VaultID    string   `json:"vault_id"`
	AttemptIDs []string `json:"attempt_ids"`
}

// HandleProcessBatch accepts a batch of pending attempt ids and returns the
// job receipt immediately; workers run in the background.
func (h *Handler) HandleProcessBatch(c *fiber.Ctx) error {
	var req batchRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid body"})
	}
	if req.VaultID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "vault_id is required"})
	}
	if len(req.AttemptIDs) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "attempt_ids is required"})
	}
	job, err := h.service.ProcessBatch(c.Context(), req.VaultID, req.AttemptIDs)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error()})
	}
	return c.Status(fiber.StatusAccepted).JSON(job)
}

type createRequest struct {
	VaultID  string       `json:"vault_id"`
	Attempts []NewAttempt `json:"attempts"`
}

type createResponse struct {
	AttemptIDs []string `json:"attempt_ids"`
}

// HandleCreate registers pending removal attempts for confirmed findings.
func (h *Handler) HandleCreate(c *fiber.Ctx) error {
	var req createRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "invalid body"})
	}
	if req.VaultID == "" || len(req.Attempts) == 0 {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "vault_id and attempts are required"})
	}
	ids, err := h.service.CreateAttempts(c.Context(), req.VaultID, req.Attempts)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: err.Error()})
	}
	return c.Status(fiber.StatusCreated).JSON(createResponse{AttemptIDs: ids})
}

func (h *Handler) HandleGetAttempt(c *fiber.Ctx) error {
	a, err := h.service.GetAttempt(c.Context(), c.Params("id"))
	if errors.Is(err, store.ErrNotFound) {
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "not_found"})
	}
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error()})
	}
	return c.JSON(a)
}

// HandleRetry resets a failed or CAPTCHA-parked attempt and re-enters it
// into the pipeline.
func (h *Handler) HandleRetry(c *fiber.Ctx) error {
	err := h.service.RetryRemoval(c.Context(), c.Params("id"))
	switch {
	case errors.Is(err, store.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(errorResponse{Error: "not_found"})
	case errors.Is(err, store.ErrInvalidState):
		return c.Status(fiber.StatusConflict).JSON(errorResponse{Error: "attempt is currently processing"})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error()})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func (h *Handler) HandleCaptchaQueue(c *fiber.Ctx) error {
	return h.queue(c, h.service.CaptchaQueue)
}

func (h *Handler) HandleFailedQueue(c *fiber.Ctx) error {
	return h.queue(c, h.service.FailedQueue)
}

func (h *Handler) HandleByScanJob(c *fiber.Ctx) error {
	vaultID := c.Query("vault_id")
	if vaultID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "vault_id is required"})
	}
	attempts, err := h.service.AttemptsByScanJob(c.Context(), vaultID, c.Params("scanJobId"))
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error()})
	}
	return c.JSON(attempts)
}

// HandleEvents streams the vault's progress events as server-sent events.
func (h *Handler) HandleEvents(c *fiber.Ctx) error {
	vaultID := c.Query("vault_id")
	if vaultID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "vault_id is required"})
	}

	c.Set("Content-Type", "text/event-stream")
	c.Set("Cache-Control", "no-cache")
	c.Set("Connection", "keep-alive")

	events, cancel := h.service.Bus().Subscribe(vaultID)

	c.Context().SetBodyStreamWriter(fasthttp.StreamWriter(func(w *bufio.Writer) {
		defer cancel()
		keepalive := time.NewTicker(15 * time.Second)
		defer keepalive.Stop()
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				payload, err := json.Marshal(ev)
				if err != nil {
					continue
				}
				fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Topic, payload)
				if err := w.Flush(); err != nil {
					return
				}
			case <-keepalive.C:
				fmt.Fprint(w, ": keepalive\n\n")
				if err := w.Flush(); err != nil {
					return
				}
			}
		}
	}))
	return nil
}

func (h *Handler) queue(c *fiber.Ctx, view func(ctx context.Context, vaultID string) ([]store.RemovalAttempt, error)) error {
	vaultID := c.Query("vault_id")
	if vaultID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(errorResponse{Error: "vault_id is required"})
	}
	attempts, err := view(c.Context(), vaultID)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(errorResponse{Error: err.Error()})
	}
	return c.JSON(attempts)
}
