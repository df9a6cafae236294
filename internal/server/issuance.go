package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	issuancedomain "github.com/smallbiznis/insurecard/internal/issuance/domain"
	obscontext "github.com/smallbiznis/insurecard/internal/observability/context"
)

type submitIssuanceRequest struct {
	RequestID           string `json:"request_id"`
	InsuredPersonID     string `json:"insured_person_id"`
	CardNumber          string `json:"card_number"`
	PolicyNumber        string `json:"policy_number"`
	DateOfBirth         string `json:"date_of_birth"`
	PolicyEffectiveDate string `json:"policy_effective_date"`
	ValidUntil          string `json:"valid_until"`
	HasDependents       bool   `json:"has_dependents"`
	DependentCount      int    `json:"dependent_count"`
}

type listIssuancesQuery struct {
	PageToken       string `form:"page_token"`
	PageSize        int    `form:"page_size"`
	State           string `form:"state"`
	InsuredPersonID string `form:"insured_person_id"`
	CardNumber      string `form:"card_number"`
}

// SubmitIssuance accepts the request and returns before the ledger answers.
// Progress is polled through GetIssuanceStatus.
func (s *Server) SubmitIssuance(c *gin.Context) {
	var req submitIssuanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	ctx := obscontext.WithIssuanceRequestID(c.Request.Context(), req.RequestID)
	requestID, err := s.issuanceSvc.SubmitIssuance(ctx, issuancedomain.SubmitIssuanceRequest{
		RequestID:           req.RequestID,
		InsuredPersonID:     req.InsuredPersonID,
		CardNumber:          req.CardNumber,
		PolicyNumber:        req.PolicyNumber,
		DateOfBirth:         req.DateOfBirth,
		PolicyEffectiveDate: req.PolicyEffectiveDate,
		ValidUntil:          req.ValidUntil,
		HasDependents:       req.HasDependents,
		DependentCount:      req.DependentCount,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.Header("Location", "/api/issuances/"+requestID)
	c.JSON(http.StatusAccepted, gin.H{"data": gin.H{"request_id": requestID}})
}

func (s *Server) GetIssuanceStatus(c *gin.Context) {
	requestID := strings.TrimSpace(c.Param("request_id"))
	if requestID == "" {
		AbortWithError(c, newValidationError("request_id", "invalid_request_id", "invalid request_id"))
		return
	}

	status, err := s.issuanceSvc.GetIssuanceStatus(c.Request.Context(), requestID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": status})
}

func (s *Server) ListIssuances(c *gin.Context) {
	var query listIssuancesQuery
	if err := c.ShouldBindQuery(&query); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	resp, err := s.issuanceSvc.ListIssuanceRequests(c.Request.Context(), issuancedomain.ListIssuanceRequest{
		State:           query.State,
		InsuredPersonID: query.InsuredPersonID,
		CardNumber:      query.CardNumber,
		PageToken:       query.PageToken,
		PageSize:        query.PageSize,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp.Requests, "page_info": resp.PageInfo})
}
