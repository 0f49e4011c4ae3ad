package server

import (
	"net/http"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	entitlementdomain "github.com/smallbiznis/botbilling/internal/entitlement/domain"
	plandomain "github.com/smallbiznis/botbilling/internal/plan/domain"
	"go.uber.org/zap"
)

type accessResponse struct {
	UserID    string `json:"user_id"`
	BotType   string `json:"bot_type"`
	HasAccess bool   `json:"has_access"`
}

// GetAccess answers whether the user may run the bot given in ?bot=.
func (s *Server) GetAccess(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	botType, valid := plandomain.ParseBotType(c.Query("bot"))
	if !valid {
		AbortWithError(c, newValidationError("bot", "invalid_bot_type", "unknown bot type"))
		return
	}

	access, err := s.subscriptionSvc.HasAccess(c.Request.Context(), userID, botType)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, accessResponse{
		UserID:    userID.String(),
		BotType:   string(botType),
		HasAccess: access,
	})
}

func (s *Server) GetSubscription(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	subscription, err := s.subscriptionSvc.Get(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": subscription})
}

func (s *Server) ListEntitlements(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	entitlements, err := s.entitlementSvc.List(c.Request.Context(), userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": entitlements})
}

type marketplaceAccessResponse struct {
	UserID      string `json:"user_id"`
	Marketplace string `json:"marketplace"`
	HasAccess   bool   `json:"has_access"`
}

// GetMarketplaces returns the slot summary, or a single access answer when
// ?marketplace= is given.
func (s *Server) GetMarketplaces(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	if raw := strings.TrimSpace(c.Query("marketplace")); raw != "" {
		marketplace, valid := entitlementdomain.ParseMarketplace(raw)
		if !valid {
			AbortWithError(c, entitlementdomain.ErrInvalidMarketplace)
			return
		}
		access, err := s.entitlementSvc.HasMarketplaceAccess(ctx, userID, marketplace)
		if err != nil {
			AbortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, marketplaceAccessResponse{
			UserID:      userID.String(),
			Marketplace: string(marketplace),
			HasAccess:   access,
		})
		return
	}

	summary, err := s.entitlementSvc.GetMarketplaceAccessSummary(ctx, userID)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

type selectMarketplacesRequest struct {
	Marketplaces []string `json:"marketplaces"`
}

// SelectMarketplaces assigns the user's slots. It runs under the same per-user lock as
// event processing so a concurrent plan change cannot interleave.
func (s *Server) SelectMarketplaces(c *gin.Context) {
	userID, ok := parseUserID(c)
	if !ok {
		return
	}

	var req selectMarketplacesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	marketplaces := make([]entitlementdomain.Marketplace, 0, len(req.Marketplaces))
	for _, raw := range req.Marketplaces {
		marketplace, valid := entitlementdomain.ParseMarketplace(raw)
		if !valid {
			AbortWithError(c, newValidationError("marketplaces", "invalid_marketplace", "unknown marketplace: "+raw))
			return
		}
		marketplaces = append(marketplaces, marketplace)
	}

	ctx := c.Request.Context()
	unlock, err := s.locker.Lock(ctx, "user:"+userID.String())
	if err != nil {
		s.log.Warn("user lock unavailable", zap.String("user_id", userID.String()), zap.Error(err))
		AbortWithError(c, ErrServiceUnavailable)
		return
	}
	defer unlock()

	summary, err := s.entitlementSvc.SelectMarketplaces(ctx, userID, marketplaces)
	if err != nil {
		if entitlementdomain.IsConflict(err) {
			s.log.Info("marketplace selection rejected", zap.String("user_id", userID.String()), zap.Error(err))
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func parseUserID(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(strings.TrimSpace(c.Param("id")))
	if err != nil || id <= 0 {
		AbortWithError(c, newValidationError("id", "invalid_user", "invalid user id"))
		return 0, false
	}
	return id, true
}
