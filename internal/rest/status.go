package rest

import (
	"net/http"

	"github.com/0xRichardL/vibe-voter/internal/services"
	"github.com/gin-gonic/gin"
)

// StatusSource is the summary hook of the voting core.
type StatusSource interface {
	Status() services.Status
}

type StatusController struct {
	source StatusSource
}

func NewStatusController(source StatusSource) *StatusController {
	return &StatusController{source: source}
}

func (c *StatusController) RegisterStatusRoutes(rg *gin.RouterGroup) {
	rg.GET("/status", c.handleStatus)
	rg.GET("/pending", c.handlePending)
}

func (c *StatusController) handleStatus(ctx *gin.Context) {
	ctx.JSON(http.StatusOK, c.source.Status())
}

func (c *StatusController) handlePending(ctx *gin.Context) {
	pending := c.source.Status().Pending
	if pending == nil {
		pending = []string{}
	}
	ctx.JSON(http.StatusOK, gin.H{"pending": pending, "count": len(pending)})
}
