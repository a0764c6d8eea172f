package settlement

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"deforger/marketplace-backend/internal/ledger"
	"deforger/marketplace-backend/pkg/account"
)

type Handler struct {
	service  *Service
	balances *Watcher
	logger   *zap.Logger
}

// NewHandler creates the settlement HTTP handler. balances may be nil, in
// which case balance lookups always query the ledger.
func NewHandler(service *Service, balances *Watcher, logger *zap.Logger) *Handler {
	return &Handler{service: service, balances: balances, logger: logger}
}

// RegisterRoutes mounts the project routes on rg. guards run before every
// mutating route only; reads stay public.
func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, guards ...gin.HandlerFunc) {
	projects := rg.Group("/projects")
	{
		projects.GET("", h.ListProjects)
		projects.GET("/:id", h.GetProject)
		projects.GET("/:id/account", h.GetAccount)
		projects.GET("/:id/shares/:userId", h.GetShareBalance)
		projects.GET("/:id/withdrawals", h.ListWithdrawals)
		projects.GET("/:id/balance", h.GetBalance)
	}

	mutating := projects.Group("", guards...)
	{
		mutating.POST("", h.CreateProject)
		mutating.POST("/:id/tokenize", h.Tokenize)
		mutating.POST("/:id/shares", h.BuyShares)
		mutating.POST("/:id/withdraw", h.Withdraw)
	}
}

type createProjectRequest struct {
	Name string `json:"name" binding:"required"`
}

type tokenizeRequest struct {
	TotalShares   uint64 `json:"total_shares" binding:"required"`
	PricePerShare uint64 `json:"price_per_share" binding:"required"`
}

type buySharesRequest struct {
	Shares uint64 `json:"shares" binding:"required"`
}

func (h *Handler) CreateProject(c *gin.Context) {
	var req createProjectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := h.service.CreateProject(c.Request.Context(), c.GetString("user_id"), req.Name)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, project)
}

func (h *Handler) ListProjects(c *gin.Context) {
	projects, err := h.service.ListProjects(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, projects)
}

func (h *Handler) GetProject(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	project, err := h.service.GetProject(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, project)
}

func (h *Handler) GetAccount(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	accountID, err := h.service.ProjectAccount(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"account_id": accountID.Hex(),
		"principal":  h.service.Canister().String(),
		"subaccount": account.ProjectSubaccount(id).Hex(),
	})
}

func (h *Handler) Tokenize(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	var req tokenizeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	project, err := h.service.Tokenize(c.Request.Context(), id, c.GetString("user_id"), req.TotalShares, req.PricePerShare)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, project)
}

func (h *Handler) BuyShares(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	var req buySharesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	purchase, err := h.service.BuyShares(c.Request.Context(), id, c.GetString("user_id"), req.Shares)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, purchase)
}

func (h *Handler) GetShareBalance(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	balance, err := h.service.ShareBalance(c.Request.Context(), id, c.Param("userId"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"balance": strconv.FormatUint(balance, 10)})
}

func (h *Handler) Withdraw(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	withdrawal, err := h.service.Withdraw(c.Request.Context(), id, c.GetString("user_id"))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, withdrawal)
}

func (h *Handler) ListWithdrawals(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	withdrawals, err := h.service.ListWithdrawals(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, withdrawals)
}

func (h *Handler) GetBalance(c *gin.Context) {
	id, ok := projectID(c)
	if !ok {
		return
	}

	project, err := h.service.GetProject(c.Request.Context(), id)
	if err != nil {
		h.respondError(c, err)
		return
	}

	var observation Observation
	if h.balances != nil {
		observation, err = h.balances.Observe(c.Request.Context(), project)
	} else {
		observation, err = observe(c.Request.Context(), h.service, project)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, observation)
}

func projectID(c *gin.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return 0, false
	}
	return id, true
}

// respondError maps settlement and ledger errors onto HTTP statuses
func (h *Handler) respondError(c *gin.Context, err error) {
	var transferErr *ledger.TransferError

	switch {
	case errors.Is(err, ErrProjectNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotOwner),
		errors.Is(err, ErrAlreadyTokenized):
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
	case errors.Is(err, ErrInvalidCaller):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, ErrNotTokenized),
		errors.Is(err, ErrInvalidName),
		errors.Is(err, ErrInvalidShareCount),
		errors.Is(err, ErrInvalidTokenization),
		errors.Is(err, ErrInsufficientShares),
		errors.Is(err, ErrCostOverflow),
		errors.Is(err, ErrPayoutPrincipalMissing),
		errors.Is(err, ErrInsufficientFunds),
		errors.Is(err, ErrBalanceBelowFee):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, ledger.ErrUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	case errors.As(err, &transferErr):
		c.JSON(http.StatusBadGateway, gin.H{"error": transferErr.Reason, "code": transferErr.Code})
	default:
		h.logger.Error("Settlement request failed",
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
