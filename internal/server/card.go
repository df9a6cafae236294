package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	carddomain "github.com/smallbiznis/insurecard/internal/card/domain"
)

type listCardsQuery struct {
	PageToken       string `form:"page_token"`
	PageSize        int    `form:"page_size"`
	InsuredPersonID string `form:"insured_person_id"`
	Status          string `form:"status"`
}

type updateCardStatusRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (s *Server) GetCard(c *gin.Context) {
	card, err := s.cardSvc.GetCard(c.Request.Context(), c.Param("card_number"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": card})
}

func (s *Server) ListCards(c *gin.Context) {
	var query listCardsQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.cardSvc.ListCards(c.Request.Context(), carddomain.ListCardsRequest{
		PageToken:       query.PageToken,
		PageSize:        query.PageSize,
		InsuredPersonID: query.InsuredPersonID,
		Status:          query.Status,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Cards, "page_info": resp.PageInfo})
}

func (s *Server) UpdateCardStatus(c *gin.Context) {
	var req updateCardStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if strings.TrimSpace(req.Status) == "" {
		AbortWithError(c, newValidationError("status", "required", "status is required"))
		return
	}

	card, err := s.cardSvc.UpdateCardStatus(c.Request.Context(), carddomain.UpdateCardStatusRequest{
		CardNumber: c.Param("card_number"),
		Status:     req.Status,
		Reason:     req.Reason,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": card})
}

func (s *Server) RenderCardPDF(c *gin.Context) {
	resp, err := s.cardSvc.RenderCardPDF(c.Request.Context(), c.Param("card_number"))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.DataFromReader(http.StatusOK, -1, "application/pdf", resp.Content, map[string]string{
		"Content-Disposition": `inline; filename="` + resp.FileName + `"`,
	})
}
