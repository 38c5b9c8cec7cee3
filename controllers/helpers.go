package controllers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/yashrajoria/marketplace-payments/common/errors"
	"github.com/yashrajoria/marketplace-payments/common/logger"
	"github.com/yashrajoria/marketplace-payments/middleware"
	"github.com/yashrajoria/marketplace-payments/models"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// Pagination is echoed on every list response.
type Pagination struct {
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Total int64 `json:"total"`
}

type listResponse struct {
	Data       any        `json:"data"`
	Pagination Pagination `json:"pagination"`
}

// respondError maps err onto its HTTP status. Causes of server-side errors
// are logged, never returned.
func respondError(c *gin.Context, log *zap.Logger, err error) {
	appErr := apperrors.From(err)
	l := logger.For(c.Request.Context(), log)
	if appErr.Code >= http.StatusInternalServerError {
		l.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	} else {
		l.Debug("request rejected", zap.String("path", c.FullPath()), zap.Int("status", appErr.Code), zap.String("error", appErr.Message))
	}
	c.JSON(appErr.Code, gin.H{"error": appErr.Message})
}

func bindJSON(c *gin.Context, log *zap.Logger, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		respondError(c, log, apperrors.ErrValidation.Withf("%v", err))
		return false
	}
	return true
}

func uuidParam(c *gin.Context, log *zap.Logger, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		respondError(c, log, apperrors.ErrInvalidInput.Withf("%s must be a UUID", name))
		return uuid.Nil, false
	}
	return id, true
}

func actorOrAbort(c *gin.Context) (models.Actor, bool) {
	actor, ok := middleware.GetActor(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
	}
	return actor, ok
}

// pagination reads page and limit, clamping them to sane bounds.
func pagination(c *gin.Context) (int, int) {
	page, err := strconv.Atoi(c.DefaultQuery("page", "1"))
	if err != nil || page < 1 {
		page = 1
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if err != nil || limit < 1 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}

func respondList(c *gin.Context, data any, page, limit int, total int64) {
	c.JSON(http.StatusOK, listResponse{
		Data:       data,
		Pagination: Pagination{Page: page, Limit: limit, Total: total},
	})
}
