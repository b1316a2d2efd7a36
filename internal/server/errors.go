package server

import (
	"errors"
	"net/http"

	"github.com/cartoonrewatch/crt80/internal/analytics"
	"github.com/cartoonrewatch/crt80/internal/blocks"
	"github.com/cartoonrewatch/crt80/internal/channels"
	"github.com/cartoonrewatch/crt80/internal/schedule"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type codedError interface {
	Code() string
}

var (
	badRequestErrors = []error{
		channels.ErrMissingName,
		channels.ErrNameTooLong,
		channels.ErrInvalidSlug,
		schedule.ErrMissingChannel,
		schedule.ErrUnknownChannel,
		schedule.ErrMissingBlock,
		schedule.ErrMissingEntryID,
		schedule.ErrPastTime,
		schedule.ErrInvalidTime,
		blocks.ErrUnknownChannel,
		blocks.ErrMissingBlockName,
		blocks.ErrMissingBlockSlug,
	}
	notFoundErrors = []error{
		channels.ErrNotFound,
		schedule.ErrEntryNotFound,
		blocks.ErrBlockNotFound,
		blocks.ErrContentNotFound,
	}
	conflictErrors = []error{
		channels.ErrChannelExists,
		channels.ErrNameTaken,
		schedule.ErrTimeTaken,
		blocks.ErrBlockNameTaken,
	}
	unavailableErrors = []error{
		analytics.ErrQueueFull,
	}
)

func (h *httpHandler) writeError(c *gin.Context, err error) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("route", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(status, gin.H{"error": errorCode(err)})
}

func statusForError(err error) int {
	switch {
	case matchesAny(err, badRequestErrors):
		return http.StatusBadRequest
	case matchesAny(err, notFoundErrors):
		return http.StatusNotFound
	case matchesAny(err, conflictErrors):
		return http.StatusConflict
	case matchesAny(err, unavailableErrors):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func errorCode(err error) string {
	var coded codedError
	if errors.As(err, &coded) {
		return coded.Code()
	}
	if errors.Is(err, analytics.ErrQueueFull) {
		return "analytics.queue_full"
	}
	return "internal_error"
}

func matchesAny(err error, targets []error) bool {
	for _, target := range targets {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
