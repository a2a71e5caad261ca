package server

import (
	"errors"
	"math/big"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"PegLedger/internal/core"
	"PegLedger/internal/market"
	"PegLedger/internal/query"
	"PegLedger/internal/reserve"
)

// Handler exposes ledger operations over HTTP. The caller identity comes
// from the X-Caller-Id header set by the API gateway; the engine enforces
// role gating per operation, the handler only transports it.
type Handler struct {
	engine   *core.Engine
	resolver core.MarketResolver
	query    *query.QueryService
	log      zerolog.Logger
}

const callerHeader = "X-Caller-Id"

func caller(c *fiber.Ctx) (string, error) {
	id := c.Get(callerHeader)
	if id == "" {
		return "", fiber.NewError(http.StatusUnauthorized, "missing "+callerHeader+" header")
	}
	return id, nil
}

func parseAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return nil, fiber.NewError(http.StatusBadRequest, field+" is required")
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fiber.NewError(http.StatusBadRequest, "invalid "+field)
	}
	return v, nil
}

func parseOptionalAmount(field, s string) (*big.Int, error) {
	if s == "" {
		return new(big.Int), nil
	}
	return parseAmount(field, s)
}

// opError maps engine errors onto HTTP statuses.
func opError(err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return err
	}
	switch {
	case errors.Is(err, core.ErrCallerNotPoolManager),
		errors.Is(err, core.ErrCallerNotPegKeeper),
		errors.Is(err, core.ErrCallerNotAdmin):
		return fiber.NewError(http.StatusForbidden, err.Error())
	case errors.Is(err, market.ErrUnsupportedMarket),
		errors.Is(err, market.ErrUnsupportedRebalancePool):
		return fiber.NewError(http.StatusNotFound, err.Error())
	case errors.Is(err, market.ErrDuplicateMarket),
		errors.Is(err, market.ErrDuplicateRebalancePool),
		errors.Is(err, market.ErrMarketStillBacked),
		errors.Is(err, core.ErrUnderCollateral),
		errors.Is(err, core.ErrMarketInStabilityMode),
		errors.Is(err, core.ErrMarketInvalidPrice),
		errors.Is(err, core.ErrInsufficientLiquidity),
		errors.Is(err, core.ErrExceedCapacity),
		errors.Is(err, core.ErrExceedsSupply),
		errors.Is(err, reserve.ErrExceedStableReserve),
		errors.Is(err, reserve.ErrInsufficientOutput),
		errors.Is(err, reserve.ErrInsufficientBuyBack),
		errors.Is(err, reserve.ErrAmountOverflow):
		return fiber.NewError(http.StatusConflict, err.Error())
	case errors.Is(err, core.ErrInvalidAmount),
		errors.Is(err, core.ErrInvalidReceiver),
		errors.Is(err, core.ErrLengthMismatch),
		errors.Is(err, reserve.ErrInvalidAmount):
		return fiber.NewError(http.StatusBadRequest, err.Error())
	default:
		return fiber.NewError(http.StatusBadGateway, err.Error())
	}
}

// ============================================================
// Issuance & redemption
// ============================================================

type wrapRequest struct {
	Market   string `json:"market"`
	Pool     string `json:"pool"`
	Amount   string `json:"amount"`
	Receiver string `json:"receiver"`
}

func (h *Handler) Wrap(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	var req wrapRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return err
	}
	minted, err := h.engine.Wrap(callerID, req.Market, amount, req.Receiver)
	if err != nil {
		return opError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"market":   req.Market,
		"minted":   minted.String(),
		"receiver": req.Receiver,
	})
}

func (h *Handler) WrapFrom(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	var req wrapRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return err
	}
	minted, err := h.engine.WrapFrom(callerID, req.Pool, amount, req.Receiver)
	if err != nil {
		return opError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"pool":     req.Pool,
		"minted":   minted.String(),
		"receiver": req.Receiver,
	})
}

func (h *Handler) Unwrap(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	var req wrapRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return err
	}
	if err := h.engine.Unwrap(callerID, req.Market, amount, req.Receiver); err != nil {
		return opError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"market":   req.Market,
		"burned":   amount.String(),
		"receiver": req.Receiver,
	})
}

type redeemRequest struct {
	Market   string `json:"market"`
	Pool     string `json:"pool"`
	Amount   string `json:"amount"`
	Receiver string `json:"receiver"`
	MinOut   string `json:"min_out"`
}

func (h *Handler) Redeem(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	var req redeemRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return err
	}
	minOut, err := parseOptionalAmount("min_out", req.MinOut)
	if err != nil {
		return err
	}
	out, bonus, err := h.engine.Redeem(callerID, req.Market, amount, req.Receiver, minOut)
	if err != nil {
		return opError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"market":     req.Market,
		"amount_out": out.String(),
		"bonus_out":  bonus.String(),
	})
}

func (h *Handler) RedeemFrom(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	var req redeemRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return err
	}
	minOut, err := parseOptionalAmount("min_out", req.MinOut)
	if err != nil {
		return err
	}
	out, bonus, err := h.engine.RedeemFrom(callerID, req.Pool, amount, req.Receiver, minOut)
	if err != nil {
		return opError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"pool":       req.Pool,
		"amount_out": out.String(),
		"bonus_out":  bonus.String(),
	})
}

type autoRedeemRequest struct {
	Amount   string   `json:"amount"`
	Receiver string   `json:"receiver"`
	MinOuts  []string `json:"min_outs"`
}

func (h *Handler) AutoRedeem(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	var req autoRedeemRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return err
	}
	minOuts := make([]*big.Int, len(req.MinOuts))
	for i, s := range req.MinOuts {
		minOuts[i], err = parseOptionalAmount("min_outs", s)
		if err != nil {
			return err
		}
	}
	burned, outs, err := h.engine.AutoRedeem(callerID, amount, req.Receiver, minOuts)
	if err != nil {
		return opError(err)
	}
	outStrs := make([]string, len(outs))
	for i, o := range outs {
		outStrs[i] = o.String()
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"burned":      burned.String(),
		"amounts_out": outStrs,
	})
}

// ============================================================
// Direct supply & reserve
// ============================================================

type mintBurnRequest struct {
	Receiver string `json:"receiver"`
	From     string `json:"from"`
	Amount   string `json:"amount"`
}

func (h *Handler) Mint(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	var req mintBurnRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return err
	}
	if err := h.engine.Mint(callerID, req.Receiver, amount); err != nil {
		return opError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"minted":   amount.String(),
		"receiver": req.Receiver,
	})
}

func (h *Handler) Burn(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	var req mintBurnRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return err
	}
	if err := h.engine.Burn(callerID, req.From, amount); err != nil {
		return opError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"burned": amount.String(),
		"from":   req.From,
	})
}

type fundRequest struct {
	// Amount is the stable collateral moved into the reserve; StableAmount
	// is the stable-asset liability the rebalance settled.
	Amount       string `json:"amount"`
	StableAmount string `json:"stable_amount"`
}

func (h *Handler) FundReserve(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	var req fundRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return err
	}
	stableAmount, err := parseOptionalAmount("stable_amount", req.StableAmount)
	if err != nil {
		return err
	}
	if err := h.engine.FundReserve(callerID, amount, stableAmount); err != nil {
		return opError(err)
	}
	rv := h.engine.Reserve()
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"owned":   rv.Owned.String(),
		"managed": rv.Managed.String(),
	})
}

type buybackRequest struct {
	Amount    string `json:"amount"`
	Receiver  string `json:"receiver"`
	RouteData []byte `json:"route_data"`
}

func (h *Handler) Buyback(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	var req buybackRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := parseAmount("amount", req.Amount)
	if err != nil {
		return err
	}
	out, bonus, err := h.engine.Buyback(callerID, amount, req.Receiver, req.RouteData)
	if err != nil {
		return opError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"amount_out": out.String(),
		"bonus_out":  bonus.String(),
	})
}

// ============================================================
// Administration
// ============================================================

type addMarketRequest struct {
	Market      string `json:"market"`
	IssuanceCap string `json:"issuance_cap"`
}

func (h *Handler) AddMarket(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	var req addMarketRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	cap, err := parseAmount("issuance_cap", req.IssuanceCap)
	if err != nil {
		return err
	}
	m, err := h.resolver.ResolveMarket(req.Market, cap)
	if err != nil {
		return opError(err)
	}
	if err := h.engine.AddMarket(callerID, m); err != nil {
		return opError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"market":       req.Market,
		"issuance_cap": cap.String(),
	})
}

func (h *Handler) RemoveMarket(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	if err := h.engine.RemoveMarket(callerID, c.Params("key")); err != nil {
		return opError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

type addPoolRequest struct {
	Pool   string `json:"pool"`
	Market string `json:"market"`
}

func (h *Handler) AddRebalancePool(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	var req addPoolRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	pool, err := h.resolver.ResolvePool(req.Pool, req.Market)
	if err != nil {
		return opError(err)
	}
	if err := h.engine.AddRebalancePool(callerID, pool); err != nil {
		return opError(err)
	}
	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"pool":   req.Pool,
		"market": req.Market,
	})
}

func (h *Handler) RemoveRebalancePool(c *fiber.Ctx) error {
	callerID, err := caller(c)
	if err != nil {
		return err
	}
	if err := h.engine.RemoveRebalancePool(callerID, c.Params("addr")); err != nil {
		return opError(err)
	}
	return c.SendStatus(http.StatusNoContent)
}

// ============================================================
// Views
// ============================================================

func (h *Handler) ListMarkets(c *fiber.Ctx) error {
	views := h.engine.Markets()
	out := make([]fiber.Map, 0, len(views))
	for _, v := range views {
		out = append(out, fiber.Map{
			"market":       v.Key,
			"issuance_cap": v.IssuanceCap.String(),
			"managed":      v.Managed.String(),
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{"markets": out})
}

func (h *Handler) ListRebalancePools(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{"pools": h.engine.RebalancePools()})
}

func (h *Handler) Nav(c *fiber.Ctx) error {
	nav, err := h.engine.Nav()
	if err != nil {
		return opError(err)
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"nav":              nav.String(),
		"under_collateral": h.engine.IsUnderCollateral(),
	})
}

func (h *Handler) Reserve(c *fiber.Ctx) error {
	rv := h.engine.Reserve()
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"owned":    rv.Owned.String(),
		"managed":  rv.Managed.String(),
		"decimals": rv.Decimals,
	})
}

func (h *Handler) Supply(c *fiber.Ctx) error {
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"legacy_supply": h.engine.LegacySupply().String(),
		"sequence":      h.engine.Sequence(),
	})
}
