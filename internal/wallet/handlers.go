package wallet

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/ksred/remit-api/pkg/response"
)

// GinHandlers contains HTTP handlers for the wallet and settlement endpoints.
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// userID pulls the authenticated user out of the request context. The JWT
// middleware is responsible for setting it.
func userID(c *gin.Context) (string, bool) {
	id := c.GetString("userID")
	if id == "" {
		response.Unauthorized(c, "user identity missing from request context")
		return "", false
	}
	return id, true
}

func (h *GinHandlers) GetBalanceHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userID(c)
		if !ok {
			return
		}

		view, err := h.service.GetBalance(id, c.Param("currency"))
		if errors.Is(err, ErrInvalidCurrency) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Handle(c, view, err)
	}
}

func (h *GinHandlers) CreateConversionHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userID(c)
		if !ok {
			return
		}

		var req ConversionRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		view, err := h.service.CreateConversion(id, req)
		switch {
		case errors.Is(err, ErrInvalidCurrency),
			errors.Is(err, ErrSameCurrency),
			errors.Is(err, ErrInsufficientFunds):
			response.BadRequest(c, err.Error())
		default:
			response.Handle(c, view, err)
		}
	}
}

func (h *GinHandlers) ListSettlementsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userID(c)
		if !ok {
			return
		}

		view, err := h.service.ListSettlements(id)
		response.Handle(c, view, err)
	}
}

func (h *GinHandlers) RemoveSettlementHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userID(c)
		if !ok {
			return
		}

		if err := h.service.RemoveSettlement(id, c.Param("settlement_id")); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"message": "settlement removed"})
	}
}

func (h *GinHandlers) ClearCurrencyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userID(c)
		if !ok {
			return
		}

		err := h.service.ClearCurrency(id, c.Param("currency"))
		if errors.Is(err, ErrInvalidCurrency) {
			response.BadRequest(c, err.Error())
			return
		}
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"message": "pending settlements cleared for currency"})
	}
}

func (h *GinHandlers) SeedBalancesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := userID(c)
		if !ok {
			return
		}

		var req SeedRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		if err := h.service.SeedBalances(id, req.Balances); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"message": "balances seeded"})
	}
}
