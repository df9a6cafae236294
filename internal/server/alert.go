package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	alertdomain "github.com/smallbiznis/insurecard/internal/alert/domain"
	"github.com/smallbiznis/insurecard/pkg/db/pagination"
)

type listAlertsQuery struct {
	PageToken string `form:"page_token"`
	PageSize  int    `form:"page_size"`
	Status    string `form:"status"`
}

func (s *Server) ListAlerts(c *gin.Context) {
	var query listAlertsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.alertSvc.List(c.Request.Context(), alertdomain.ListAlertsRequest{
		Pagination: pagination.Pagination{
			PageToken: strings.TrimSpace(query.PageToken),
			PageSize:  query.PageSize,
		},
		Status: query.Status,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Alerts, "page_info": resp.PageInfo})
}

func (s *Server) AcknowledgeAlert(c *gin.Context) {
	actorID, _ := actorIDFromContext(c)
	alert, err := s.alertSvc.Acknowledge(c.Request.Context(), c.Param("id"), actorID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": alert})
}
