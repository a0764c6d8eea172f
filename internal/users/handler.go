package users

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
)

type Handler struct {
	directory *Directory
}

func NewHandler(directory *Directory) *Handler {
	return &Handler{directory: directory}
}

func (h *Handler) RegisterRoutes(rg *gin.RouterGroup, guards ...gin.HandlerFunc) {
	me := rg.Group("/users/me", guards...)
	{
		me.GET("/wallet", h.GetWallet)
		me.PUT("/wallet", h.PutWallet)
	}
}

type walletRequest struct {
	Principal string `json:"principal" binding:"required"`
}

func (h *Handler) GetWallet(c *gin.Context) {
	wallet, err := h.directory.Wallet(c.Request.Context(), c.GetString("user_id"))
	if errors.Is(err, ErrInvalidUserID) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if errors.Is(err, ErrNoWallet) {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, wallet)
}

func (h *Handler) PutWallet(c *gin.Context) {
	var req walletRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	wallet, err := h.directory.RegisterWallet(c.Request.Context(), c.GetString("user_id"), req.Principal)
	if errors.Is(err, ErrInvalidUserID) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, wallet)
}
