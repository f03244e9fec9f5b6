package server

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/loyara/internal/ledger/domain"
)

type purchaseRequest struct {
	CustomerID string `json:"customer_id"`
	Amount     int64  `json:"amount"`
	OrderID    string `json:"order_id"`
}

func (s *Server) RecordPurchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.ledgerSvc.EarnFromPurchase(c.Request.Context(), ledgerdomain.EarnRequest{
		CustomerID: req.CustomerID,
		Amount:     req.Amount,
		OrderID:    strings.TrimSpace(req.OrderID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

type redeemRequest struct {
	CustomerID string `json:"customer_id"`
	Points     int64  `json:"points"`
	OrderID    string `json:"order_id"`
}

func (s *Server) RedeemPoints(c *gin.Context) {
	var req redeemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.ledgerSvc.Redeem(c.Request.Context(), ledgerdomain.RedeemRequest{
		CustomerID: req.CustomerID,
		Points:     req.Points,
		OrderID:    strings.TrimSpace(req.OrderID),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

type adjustRequest struct {
	CustomerID string `json:"customer_id"`
	Points     int64  `json:"points"`
	Reason     string `json:"reason"`
}

func (s *Server) AdjustPoints(c *gin.Context) {
	var req adjustRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.ledgerSvc.Adjust(c.Request.Context(), ledgerdomain.AdjustRequest{
		CustomerID: req.CustomerID,
		Points:     req.Points,
		Reason:     req.Reason,
		ActorID:    strings.TrimSpace(c.GetHeader("X-Actor-Id")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

type referralRequest struct {
	InviterID string `json:"inviter_id"`
	InviteeID string `json:"invitee_id"`
}

func (s *Server) CompleteReferral(c *gin.Context) {
	var req referralRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.ledgerSvc.CreditReferral(c.Request.Context(), ledgerdomain.ReferralRequest{
		InviterID: req.InviterID,
		InviteeID: req.InviteeID,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

type occasionRequest struct {
	CustomerID string `json:"customer_id"`
	Occasion   string `json:"occasion"`
}

func (s *Server) CreditOccasion(c *gin.Context) {
	var req occasionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	result, err := s.ledgerSvc.CreditOccasion(c.Request.Context(), ledgerdomain.OccasionRequest{
		CustomerID: req.CustomerID,
		Occasion:   req.Occasion,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}

func (s *Server) ListTransactions(c *gin.Context) {
	req := ledgerdomain.ListTransactionsRequest{
		CustomerID: strings.TrimSpace(c.Param("customerId")),
		PageToken:  c.Query("page_token"),
	}
	if size := parseInt32(c.Query("page_size")); size > 0 {
		req.PageSize = size
	}

	resp, err := s.ledgerSvc.ListTransactions(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func parseInt32(raw string) int32 {
	if raw == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		return 0
	}
	return int32(parsed)
}
