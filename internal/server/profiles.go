package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	profiledomain "github.com/smallbiznis/loyara/internal/profile/domain"
)

type enrollRequest struct {
	CustomerID string `json:"customer_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
}

func (s *Server) EnrollProfile(c *gin.Context) {
	var req enrollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	profile, err := s.profileSvc.Enroll(c.Request.Context(), profiledomain.EnrollRequest{
		CustomerID: req.CustomerID,
		Name:       req.Name,
		Email:      req.Email,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": profile})
}

func (s *Server) GetProfile(c *gin.Context) {
	profile, err := s.profileSvc.Get(c.Request.Context(), profiledomain.GetProfileRequest{
		CustomerID: strings.TrimSpace(c.Param("customerId")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": profile})
}

func (s *Server) ListProfiles(c *gin.Context) {
	req := profiledomain.ListProfileRequest{
		PageToken: c.Query("page_token"),
		Tier:      c.Query("tier"),
	}
	if size := parseInt32(c.Query("page_size")); size > 0 {
		req.PageSize = size
	}
	if active := c.Query("active"); active != "" {
		value := active == "true"
		req.Active = &value
	}

	resp, err := s.profileSvc.List(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) GetNextTier(c *gin.Context) {
	resp, err := s.profileSvc.NextTier(c.Request.Context(), profiledomain.GetProfileRequest{
		CustomerID: strings.TrimSpace(c.Param("customerId")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": resp})
}

func (s *Server) DeactivateProfile(c *gin.Context) {
	err := s.profileSvc.Deactivate(c.Request.Context(), profiledomain.GetProfileRequest{
		CustomerID: strings.TrimSpace(c.Param("customerId")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "deactivated"})
}

func (s *Server) ReactivateProfile(c *gin.Context) {
	err := s.profileSvc.Reactivate(c.Request.Context(), profiledomain.GetProfileRequest{
		CustomerID: strings.TrimSpace(c.Param("customerId")),
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "active"})
}

func (s *Server) RebuildProfile(c *gin.Context) {
	result, err := s.ledgerSvc.RebuildAggregates(c.Request.Context(), strings.TrimSpace(c.Param("customerId")))
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": result})
}
