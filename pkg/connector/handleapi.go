// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/aiku/wamonitor/pkg/cloneapi"
)

// maxRequestBodySize is the maximum allowed request body (1 MB).
const maxRequestBodySize = 1 << 20

const requestIDHeader = "X-Request-ID"

type monitorRequest struct {
	GroupID string `json:"groupId"`
}

type createGroupRequest struct {
	GroupName    string   `json:"groupName"`
	Participants []string `json:"participants"`
}

type sendMessageRequest struct {
	GroupID  string `json:"groupId"`
	Message  string `json:"message"`
	ImageURL string `json:"imageUrl"`
}

type sendProductRequest struct {
	GroupIDs []string `json:"groupIds"`
	Message  string   `json:"message"`
	ImageURL string   `json:"imageUrl"`
}

type cloneMessageRequest struct {
	MessageID string `json:"messageId"`
	cloneapi.CloneRequest
}

type cloneMultipleRequest struct {
	MessageIDs []string `json:"messageIds"`
}

// Router builds the HTTP surface.
func (wc *WhatsAppConnector) Router() *gin.Engine {
	r := gin.New()
	log := wc.log.With().Str("component", "api").Logger()

	r.Use(accessLog(log))
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered any) {
		log.Error().Interface("panic", recovered).Str("path", c.Request.URL.Path).Msg("Handler panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
			"success": false,
			"error":   fmt.Sprint(recovered),
		})
	}))
	r.Use(cors.New(corsConfig(wc.Config.API.CORSOrigins)))
	r.Use(limitBody(maxRequestBodySize))

	r.GET("/status", wc.handleStatus)
	r.GET("/qr", wc.handleQR)
	r.GET("/groups", wc.handleListGroups)
	r.GET("/messages", wc.handleListMessages)
	r.GET("/clone-queue", wc.handleCloneQueue)
	r.GET("/clone-queue/stats", wc.handleCloneQueueStats)

	protected := r.Group("/", requireAPIKey(wc.Config.API.APIKey))
	protected.POST("/groups/monitor", wc.handleMonitor)
	protected.POST("/monitor", wc.handleMonitor)
	protected.DELETE("/groups/monitor/:id", wc.handleUnmonitor)
	protected.POST("/unmonitor", wc.handleUnmonitor)
	protected.POST("/groups/monitor/reload", wc.handleReloadMonitored)
	protected.POST("/groups/create", wc.handleCreateGroup)
	protected.POST("/groups/send-message", wc.handleSendMessage)
	protected.POST("/send-product", wc.handleSendProduct)
	protected.POST("/logout", wc.handleLogout)
	protected.POST("/clone-message", wc.handleCloneMessage)
	protected.POST("/clone-multiple", wc.handleCloneMultiple)
	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:  []string{"Origin", "Content-Type", "Accept", "Authorization", "X-API-Key", requestIDHeader},
		ExposeHeaders: []string{"Content-Length", requestIDHeader},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 || (len(origins) == 1 && origins[0] == "*") {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}

func accessLog(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(requestIDHeader)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(requestIDHeader, reqID)
		c.Next()
		status := c.Writer.Status()
		evt := log.Info()
		if status >= http.StatusInternalServerError {
			evt = log.Warn()
		}
		evt.Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	}
}

func limitBody(n int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, n)
		}
		c.Next()
	}
}

// requireAPIKey checks X-API-Key or Authorization: Bearer. An empty key
// disables the check.
func requireAPIKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if key == "" {
			c.Next()
			return
		}
		got := c.GetHeader("X-API-Key")
		if got == "" {
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
				got = strings.TrimPrefix(auth, "Bearer ")
			}
		}
		if got == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "missing API key",
				"hint":    "Add X-API-Key header or Authorization: Bearer <key>",
			})
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"error":   "invalid API key",
			})
			return
		}
		c.Next()
	}
}

func respondError(c *gin.Context, err error, prefix string) {
	ae := toAPIError(err, prefix)
	c.JSON(ae.Status, gin.H{"success": false, "error": ae.Error()})
}

// bindJSON decodes the request body into v, answering 400 or 413 on failure.
func bindJSON(c *gin.Context, v any) bool {
	err := c.ShouldBindJSON(v)
	if err == nil {
		return true
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"success": false, "error": "request body too large"})
		return false
	}
	respondError(c, badRequest("invalid JSON: %v", err), "")
	return false
}

// sendContext detaches from the request so that a send is never aborted
// mid-retry by a disconnecting caller.
func sendContext(c *gin.Context) context.Context {
	return context.WithoutCancel(c.Request.Context())
}

func (wc *WhatsAppConnector) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"connected":       wc.Client.IsConnected(),
		"state":           wc.Client.State(),
		"monitoredGroups": wc.Registry.Len(),
	})
}

func (wc *WhatsAppConnector) handleQR(c *gin.Context) {
	state := wc.Client.State()
	if qr, ok := wc.Client.QR(); ok {
		c.JSON(http.StatusOK, gin.H{"qr": qr, "state": state})
		return
	}
	if state == StateConnected {
		c.JSON(http.StatusOK, gin.H{"message": "already connected", "state": state})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "QR code not available yet, waiting for connection",
		"state":   state,
		"hint":    "The QR code is generated automatically. Wait a few seconds and reload.",
	})
}

func (wc *WhatsAppConnector) handleListGroups(c *gin.Context) {
	sess, err := wc.Client.Session()
	if err != nil {
		respondError(c, err, "")
		return
	}
	groups, err := ListGroups(c.Request.Context(), sess, wc.Registry)
	if err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{"groups": groups})
}

func (wc *WhatsAppConnector) handleListMessages(c *gin.Context) {
	limit, _ := strconv.Atoi(c.Query("limit"))
	messages := wc.Messages.List(limit)
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"count":    len(messages),
		"total":    wc.Messages.Len(),
		"messages": messages,
	})
}

// monitorTarget reads the group ID from the path or the body and returns it
// in canonical form.
func monitorTarget(c *gin.Context) (string, bool) {
	raw := c.Param("id")
	if raw == "" {
		var req monitorRequest
		if !bindJSON(c, &req) {
			return "", false
		}
		raw = req.GroupID
	}
	if strings.TrimSpace(raw) == "" {
		respondError(c, badRequest("groupId is required"), "")
		return "", false
	}
	jid, err := ParseGroupJID(raw)
	if err != nil {
		respondError(c, badRequest("%v", err), "")
		return "", false
	}
	return jid.String(), true
}

func (wc *WhatsAppConnector) handleMonitor(c *gin.Context) {
	id, ok := monitorTarget(c)
	if !ok {
		return
	}
	added, err := wc.Registry.Add(id)
	if err != nil {
		respondError(c, err, "")
		return
	}
	message := "group added to monitoring"
	if !added {
		message = "group already monitored"
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"message":         message,
		"groupId":         id,
		"monitoredGroups": wc.Registry.Len(),
	})
}

func (wc *WhatsAppConnector) handleUnmonitor(c *gin.Context) {
	id, ok := monitorTarget(c)
	if !ok {
		return
	}
	removed, err := wc.Registry.Remove(id)
	if err != nil {
		respondError(c, err, "")
		return
	}
	if !removed {
		respondError(c, fmt.Errorf("%w: %s", ErrGroupNotMonitored, id), "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"message":         "group removed from monitoring",
		"groupId":         id,
		"monitoredGroups": wc.Registry.Len(),
	})
}

func (wc *WhatsAppConnector) handleReloadMonitored(c *gin.Context) {
	added, removed, err := wc.Registry.Reload()
	if err != nil {
		respondError(c, err, "reload failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":         true,
		"added":           added,
		"removed":         removed,
		"monitoredGroups": wc.Registry.Len(),
	})
}

func (wc *WhatsAppConnector) handleCreateGroup(c *gin.Context) {
	sess, err := wc.Client.Session()
	if err != nil {
		respondError(c, err, "")
		return
	}
	var req createGroupRequest
	if !bindJSON(c, &req) {
		return
	}
	group, err := CreateGroup(sendContext(c), sess, req.GroupName, req.Participants)
	if err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "group created",
		"group":   group,
	})
}

func (wc *WhatsAppConnector) handleSendMessage(c *gin.Context) {
	sess, err := wc.Client.Session()
	if err != nil {
		respondError(c, err, "")
		return
	}
	var req sendMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	if strings.TrimSpace(req.GroupID) == "" || req.Message == "" {
		respondError(c, badRequest("groupId and message are required"), "")
		return
	}
	id, err := wc.Sender.Send(sendContext(c), sess, req.GroupID, Content{Text: req.Message, ImageURL: req.ImageURL})
	if err != nil {
		respondError(c, err, "")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"message":   "message sent",
		"messageId": id,
	})
}

func (wc *WhatsAppConnector) handleSendProduct(c *gin.Context) {
	sess, err := wc.Client.Session()
	if err != nil {
		respondError(c, err, "")
		return
	}
	var req sendProductRequest
	if !bindJSON(c, &req) {
		return
	}
	if req.GroupIDs == nil || req.Message == "" {
		respondError(c, badRequest("groupIds (array) and message are required"), "")
		return
	}
	results := wc.Sender.SendToMany(sendContext(c), sess, req.GroupIDs, Content{Text: req.Message, ImageURL: req.ImageURL})
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "Process completed",
		"results": results,
	})
}

func (wc *WhatsAppConnector) handleLogout(c *gin.Context) {
	if err := wc.Client.Logout(sendContext(c)); err != nil {
		respondError(c, err, "logout failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "message": "logged out"})
}

func (wc *WhatsAppConnector) handleCloneMessage(c *gin.Context) {
	var req cloneMessageRequest
	if !bindJSON(c, &req) {
		return
	}
	var (
		raw json.RawMessage
		err error
	)
	if req.MessageID != "" {
		raw, err = wc.Forwarder.ForwardByID(c.Request.Context(), req.MessageID)
	} else {
		raw, err = wc.Forwarder.ForwardOne(c.Request.Context(), req.CloneRequest)
	}
	if err != nil {
		respondError(c, err, "clone failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "message cloned and scheduled",
		"data":    raw,
	})
}

func (wc *WhatsAppConnector) handleCloneMultiple(c *gin.Context) {
	var req cloneMultipleRequest
	if !bindJSON(c, &req) {
		return
	}
	raw, resolved, err := wc.Forwarder.ForwardBatch(c.Request.Context(), req.MessageIDs)
	if err != nil {
		respondError(c, err, "clone failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"message":  fmt.Sprintf("%d messages cloned and scheduled", gjson.GetBytes(raw, "total_sucesso").Int()),
		"resolved": resolved,
		"data":     raw,
	})
}

func (wc *WhatsAppConnector) handleCloneQueueStats(c *gin.Context) {
	raw, err := wc.Forwarder.QueueStats(c.Request.Context())
	if err != nil {
		respondError(c, err, "")
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}

func (wc *WhatsAppConnector) handleCloneQueue(c *gin.Context) {
	raw, err := wc.Forwarder.Queue(c.Request.Context(), c.Query("status"))
	if err != nil {
		respondError(c, err, "")
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", raw)
}
