package settings

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cheri-hub/sicar-api/internal/apperror"
)

type putRequest struct {
	Value       *string `json:"value"`
	Description *string `json:"description"`
}

// ListHandler は GET /settings のハンドラーです。
func ListHandler(s *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := s.List(c.Request.Context())
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"settings": items})
	}
}

// GetHandler は GET /settings/:key のハンドラーです。
func GetHandler(s *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		item, err := s.Get(c.Request.Context(), c.Param("key"))
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}

// PutHandler は PUT /settings/:key のハンドラーです。
func PutHandler(s *Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req putRequest
		if err := c.ShouldBindJSON(&req); err != nil || req.Value == nil {
			c.JSON(http.StatusBadRequest, gin.H{
				"code":    "INVALID_INPUT",
				"message": "value を JSON で送ってください。",
			})
			return
		}
		item, err := s.Put(c.Request.Context(), c.Param("key"), *req.Value, req.Description)
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, item)
	}
}
