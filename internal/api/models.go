package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// handleListModels serves GET /v1/models in the OpenAI list shape.
func (s *Server) handleListModels(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"object": "list",
		"data":   s.registry.List(),
	})
}
