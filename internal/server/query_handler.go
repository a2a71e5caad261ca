package server

import (
	"net/http"
	"strconv"

	"github.com/gofiber/fiber/v2"
)

// Read-side endpoints backed by the query service. These never touch the
// engine; they read the event log and projection tables.

const defaultHistoryLimit = 50

func historyCursor(c *fiber.Ctx) (limit int, before *int64, err error) {
	limit = defaultHistoryLimit
	if s := c.Query("limit"); s != "" {
		limit, err = strconv.Atoi(s)
		if err != nil || limit <= 0 || limit > 1000 {
			return 0, nil, fiber.NewError(http.StatusBadRequest, "invalid limit")
		}
	}
	if s := c.Query("before"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return 0, nil, fiber.NewError(http.StatusBadRequest, "invalid before cursor")
		}
		before = &v
	}
	return limit, before, nil
}

func marketFilter(c *fiber.Ctx) *string {
	if s := c.Query("market"); s != "" {
		return &s
	}
	return nil
}

func (h *Handler) ListEvents(c *fiber.Ctx) error {
	limit, before, err := historyCursor(c)
	if err != nil {
		return err
	}
	events, err := h.query.GetEvents(c.Context(), marketFilter(c), limit, before)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"events": events})
}

func (h *Handler) ListBuybacks(c *fiber.Ctx) error {
	limit, before, err := historyCursor(c)
	if err != nil {
		return err
	}
	history, err := h.query.GetBuybackHistory(c.Context(), limit, before)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"buybacks": history})
}

func (h *Handler) ListRedemptions(c *fiber.Ctx) error {
	limit, before, err := historyCursor(c)
	if err != nil {
		return err
	}
	history, err := h.query.GetRedemptionHistory(c.Context(), marketFilter(c), limit, before)
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"redemptions": history})
}

func (h *Handler) Backing(c *fiber.Ctx) error {
	report, err := h.query.GetBackingReport(c.Context())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(report)
}

// Integrity runs a full event-log audit. Expensive on large logs; meant
// for operators, not dashboards.
func (h *Handler) Integrity(c *fiber.Ctx) error {
	report, err := h.query.VerifyIntegrity(c.Context())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	status := http.StatusOK
	if !report.IsHealthy {
		status = http.StatusConflict
	}
	return c.Status(status).JSON(report)
}
