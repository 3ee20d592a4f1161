package releases

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cheri-hub/sicar-api/internal/apperror"
)

// ListHandler は GET /releases のハンドラーです。
func ListHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		releases, err := s.List(c.Request.Context())
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"total":    len(releases),
			"releases": releases,
		})
	}
}

// UpdateHandler は POST /releases/update のハンドラーです。SICAR から取得し直します。
func UpdateHandler(s *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		updated, err := s.Refresh(c.Request.Context())
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		releases, err := s.List(c.Request.Context())
		if err != nil {
			apperror.Respond(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"states_updated": updated,
			"releases":       releases,
		})
	}
}
