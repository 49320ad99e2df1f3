package httpapi

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/inferonet/creditpack/internal/ledger"
	"github.com/inferonet/creditpack/internal/purchase"
)

// Handler exposes the purchase flow and the pack ledger over HTTP.
type Handler struct {
	// appCtx bounds detached purchase flows (negotiation + confirmation
	// polling). It is the service lifetime, not the request lifetime:
	// a purchase must outlive the HTTP request that started it but die
	// with the process.
	appCtx context.Context

	svc    *purchase.Service
	ledger *ledger.Ledger
	log    *zap.Logger
}

func NewHandler(appCtx context.Context, svc *purchase.Service, l *ledger.Ledger, log *zap.Logger) *Handler {
	return &Handler{appCtx: appCtx, svc: svc, ledger: l, log: log}
}

// Register mounts all routes. Auth, if any, should already be applied to the
// group.
func (h *Handler) Register(rg *gin.RouterGroup) {
	rg.POST("/packs", h.handleBuy)
	rg.GET("/packs", h.handleList)
	rg.GET("/packs/default", h.handleDefault)
	rg.POST("/packs/refresh", h.handleRefresh)
	rg.GET("/packs/attempts/:id", h.handleAttempt)
}

type buyRequest struct {
	Credits      int64           `json:"credits"`
	Cushion      float64         `json:"cushion"`
	MaxTotal     decimal.Decimal `json:"max_total"`
	MaxPerCredit decimal.Decimal `json:"max_per_credit"`
}

// handleBuy starts a purchase attempt. The flow runs detached; poll the
// attempt resource for progress.
func (h *Handler) handleBuy(c *gin.Context) {
	var req buyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	a, err := h.svc.Begin(h.appCtx, purchase.Params{
		Credits:           req.Credits,
		Cushion:           req.Cushion,
		MaxTotalPrice:     req.MaxTotal,
		MaxPerCreditPrice: req.MaxPerCredit,
	}, nil)
	if err != nil {
		var perr *purchase.InvalidParameterError
		if errors.As(err, &perr) {
			c.JSON(http.StatusBadRequest, gin.H{"error": perr.Error()})
			return
		}
		h.log.Error("begin purchase", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not start purchase"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"attempt_id": a.ID, "state": a.State})
}

func (h *Handler) handleAttempt(c *gin.Context) {
	id := c.Param("id")
	a, err := h.svc.Attempts().Get(c.Request.Context(), id)
	if err != nil {
		h.log.Error("get attempt", zap.String("attempt", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "attempt lookup failed"})
		return
	}
	if a == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown attempt"})
		return
	}
	statuses, err := h.svc.Attempts().Statuses(c.Request.Context(), id)
	if err != nil {
		h.log.Warn("get attempt statuses", zap.String("attempt", id), zap.Error(err))
	}
	c.JSON(http.StatusOK, gin.H{"attempt": a, "statuses": statuses})
}

func (h *Handler) handleList(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"packs": h.ledger.ListValid()})
}

func (h *Handler) handleDefault(c *gin.Context) {
	pack, ok := h.ledger.DefaultPack()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no valid credit pack"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"pack": pack})
}

func (h *Handler) handleRefresh(c *gin.Context) {
	if err := h.ledger.Refresh(c.Request.Context()); err != nil {
		h.log.Error("manual ledger refresh", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "ledger refresh failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"packs": h.ledger.ListValid()})
}
