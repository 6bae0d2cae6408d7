package referral

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"smallbiznis-referral/pkg/db/pagination"
	"smallbiznis-referral/pkg/errutil"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts the milestone and ledger routes under /v1/accounts/:id.
func (h *Handler) Register(r gin.IRouter) {
	g := r.Group("/v1/accounts/:id")
	g.GET("/milestones", h.listMilestones)
	g.GET("/milestones/:tier", h.getMilestone)
	g.POST("/milestones/:tier/claim", h.claimMilestone)
	g.GET("/ledger", h.listLedger)
	g.GET("/claims", h.listClaims)
}

type claimResponse struct {
	AccountID string          `json:"account_id"`
	Tier      Tier            `json:"tier"`
	Payout    decimal.Decimal `json:"payout"`
}

func (h *Handler) listMilestones(c *gin.Context) {
	out, err := h.svc.EvaluateAll(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"milestones": out})
}

func (h *Handler) getMilestone(c *gin.Context) {
	tier, err := tierParam(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	out, err := h.svc.EvaluateTier(c.Request.Context(), c.Param("id"), tier)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func (h *Handler) claimMilestone(c *gin.Context) {
	tier, err := tierParam(c)
	if err != nil {
		_ = c.Error(err)
		return
	}
	payout, err := h.svc.TryClaimTier(c.Request.Context(), c.Param("id"), tier)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, claimResponse{AccountID: c.Param("id"), Tier: tier, Payout: payout})
}

func (h *Handler) listLedger(c *gin.Context) {
	var page pagination.Pagination
	if err := c.ShouldBindQuery(&page); err != nil {
		_ = c.Error(errutil.BadRequest("invalid pagination", err))
		return
	}
	entries, info, err := h.svc.ListLedger(c.Request.Context(), c.Param("id"), page)
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "page_info": info})
}

func (h *Handler) listClaims(c *gin.Context) {
	events, err := h.svc.ListClaimEvents(c.Request.Context(), c.Param("id"))
	if err != nil {
		_ = c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"claims": events})
}

func tierParam(c *gin.Context) (Tier, error) {
	n, err := strconv.Atoi(c.Param("tier"))
	if err != nil {
		return 0, errutil.BadRequest("invalid tier", err, errutil.WithDetails(errutil.Detail{Field: "tier", Message: c.Param("tier")}))
	}
	return Tier(n), nil
}
