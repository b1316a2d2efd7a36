package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/cartoonrewatch/crt80/internal/analytics"
	"github.com/cartoonrewatch/crt80/internal/channels"
	"github.com/cartoonrewatch/crt80/internal/schedule"
	"github.com/gin-gonic/gin"
)

type channelRequestPayload struct {
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type scheduleSaveRequestPayload struct {
	ChannelSlug string      `json:"channelSlug"`
	BlockSlug   string      `json:"blockSlug"`
	Date        string      `json:"date"`
	Hour        flexibleInt `json:"hour"`
	ID          string      `json:"id"`
}

type scheduleDeleteRequestPayload struct {
	ChannelSlug string `json:"channelSlug"`
	ID          string `json:"id"`
}

type activeBlockRequestPayload struct {
	ChannelSlug string `json:"channelSlug"`
	BlockSlug   string `json:"blockSlug"`
}

// flexibleInt accepts a JSON number or a numeric string. Anything else
// decodes to -1 so range validation rejects it downstream.
type flexibleInt int

func (f *flexibleInt) UnmarshalJSON(data []byte) error {
	var number json.Number
	if err := json.Unmarshal(data, &number); err != nil {
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			*f = -1
			return nil
		}
		number = json.Number(strings.TrimSpace(text))
	}
	value, err := strconv.Atoi(number.String())
	if err != nil {
		*f = -1
		return nil
	}
	*f = flexibleInt(value)
	return nil
}

func (h *httpHandler) handleListChannels(c *gin.Context) {
	lineup, err := h.channels.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"channels": lineup})
}

func (h *httpHandler) handleCreateChannel(c *gin.Context) {
	var request channelRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	channel, err := h.channels.Create(c.Request.Context(), request.Name, request.Slug)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "channel": channel})
}

func (h *httpHandler) handleRenameChannel(c *gin.Context) {
	var request channelRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	channel, err := h.channels.Rename(c.Request.Context(), request.Slug, request.Name)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "channel": channel})
}

func (h *httpHandler) handleDeleteChannel(c *gin.Context) {
	var request channelRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.channels.Delete(c.Request.Context(), request.Slug); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleListSchedules(c *gin.Context) {
	schedules, err := h.schedules.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channels": schedules,
		"timeZone": h.schedules.Location().String(),
	})
}

func (h *httpHandler) handleChannelSchedule(c *gin.Context) {
	slug := c.Param("slug")
	entries, err := h.schedules.ForChannel(c.Request.Context(), slug)
	if err != nil {
		if errors.Is(err, schedule.ErrUnknownChannel) {
			c.JSON(http.StatusNotFound, gin.H{"error": errorCode(err)})
			return
		}
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"channel":  channels.NormalizeSlug(slug),
		"timeZone": h.schedules.Location().String(),
		"entries":  entries,
	})
}

func (h *httpHandler) handleSaveSchedule(c *gin.Context) {
	var request scheduleSaveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	entry, err := h.schedules.Save(c.Request.Context(), schedule.SaveRequest{
		ChannelSlug: request.ChannelSlug,
		BlockSlug:   request.BlockSlug,
		Date:        request.Date,
		Hour:        int(request.Hour),
		ID:          request.ID,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "entry": entry})
}

func (h *httpHandler) handleDeleteSchedule(c *gin.Context) {
	var request scheduleDeleteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.schedules.Delete(c.Request.Context(), request.ChannelSlug, request.ID); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *httpHandler) handleActiveBlocks(c *gin.Context) {
	active, err := h.blocks.Active(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": active})
}

func (h *httpHandler) handleSetActiveBlock(c *gin.Context) {
	var request activeBlockRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	active, err := h.blocks.SetActive(c.Request.Context(), request.ChannelSlug, request.BlockSlug)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "active": active})
}

func (h *httpHandler) handleAnalytics(c *gin.Context) {
	lineup, err := h.channels.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	report, err := h.analytics.Report(c.Request.Context(), analytics.ReportRequest{
		Range:    c.DefaultQuery("range", "1m"),
		Interval: c.DefaultQuery("interval", analytics.IntervalDaily),
		Channels: lineup,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
