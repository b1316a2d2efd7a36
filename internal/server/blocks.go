package server

import (
	"encoding/json"
	"net/http"

	"github.com/cartoonrewatch/crt80/internal/blocks"
	"github.com/gin-gonic/gin"
)

type blockSaveRequestPayload struct {
	Name    string          `json:"name"`
	Slug    string          `json:"slug"`
	Payload json.RawMessage `json:"payload"`
}

type blockDeleteRequestPayload struct {
	Slug string `json:"slug"`
}

type channelContentRequestPayload struct {
	Slug    string          `json:"slug"`
	Payload json.RawMessage `json:"payload"`
}

func (h *httpHandler) handleListBlocks(c *gin.Context) {
	summaries, err := h.catalog.List(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"blocks": summaries})
}

func (h *httpHandler) handleGetBlock(c *gin.Context) {
	document, err := h.catalog.Get(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleSaveBlock(c *gin.Context) {
	var request blockSaveRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	slug, err := h.catalog.Save(c.Request.Context(), blocks.SaveRequest{
		Name:    request.Name,
		Slug:    request.Slug,
		Payload: request.Payload,
		Editor: blocks.Editor{
			UserID:   c.GetString(userIDContextKey),
			Username: c.GetString(usernameContextKey),
		},
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "slug": slug})
}

func (h *httpHandler) handleDeleteBlock(c *gin.Context) {
	var request blockDeleteRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	result, err := h.catalog.Delete(c.Request.Context(), request.Slug)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"ok":                  true,
		"clearedChannels":     result.ClearedChannels,
		"unscheduledChannels": result.UnscheduledChannels,
	})
}

func (h *httpHandler) handleGetChannelContent(c *gin.Context) {
	document, err := h.catalog.ChannelContent(c.Request.Context(), c.Param("slug"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, document)
}

func (h *httpHandler) handleSaveChannelContent(c *gin.Context) {
	var request channelContentRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if err := h.catalog.SaveChannelContent(c.Request.Context(), request.Slug, request.Payload); err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
