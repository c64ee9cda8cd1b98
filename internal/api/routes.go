package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rawblock/attack-detector/internal/db"
	"github.com/rawblock/attack-detector/internal/emitter"
	"github.com/rawblock/attack-detector/internal/engine"
	"github.com/rawblock/attack-detector/internal/registry"
	"github.com/rawblock/attack-detector/pkg/models"
)

type APIHandler struct {
	engine  *engine.Engine
	emitter *emitter.Emitter
	dbStore *db.PostgresStore
	wsHub   *Hub
}

func SetupRouter(eng *engine.Engine, em *emitter.Emitter, dbStore *db.PostgresStore, wsHub *Hub) *gin.Engine {
	r := gin.Default()

	// Enable CORS — configurable via ALLOWED_ORIGINS env var
	// Production: ALLOWED_ORIGINS=https://rawblock.net,https://www.rawblock.net
	// Development: ALLOWED_ORIGINS=http://localhost:3000 (or leave empty for *)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	r.Use(func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if allowedOrigins == "" || allowedOrigins == "*" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		} else {
			// Check if the request origin is in the allowed list
			for _, allowed := range strings.Split(allowedOrigins, ",") {
				if strings.TrimSpace(allowed) == origin {
					c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
					break
				}
			}
		}
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	})

	handler := &APIHandler{engine: eng, emitter: em, dbStore: dbStore, wsHub: wsHub}

	ingestLimiter := NewRateLimiter(600, 100)

	api := r.Group("/api/v1")
	{
		api.POST("/alerts", ingestLimiter.Middleware(), handler.handleIngestAlert)
		api.GET("/findings", handler.handleGetFindings)
		api.GET("/findings/cluster/:cluster", handler.handleGetClusterFindings)
		api.GET("/subscriptions", handler.handleGetSubscriptions)
		api.GET("/health", handler.handleHealth)
		api.GET("/stream", wsHub.Subscribe)

		webhooks := api.Group("/webhooks", AuthMiddleware())
		{
			webhooks.POST("", handler.handleRegisterWebhook)
			webhooks.GET("", handler.handleListWebhooks)
			webhooks.DELETE("/:name", handler.handleRemoveWebhook)
		}
	}

	return r
}

// handleIngestAlert accepts an upstream bot alert and hands it to the engine
// queue. Processing is asynchronous; a 202 only acknowledges receipt.
func (h *APIHandler) handleIngestAlert(c *gin.Context) {
	var ev models.AlertEvent
	if err := c.ShouldBindJSON(&ev); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body", "details": err.Error()})
		return
	}

	if ev.Alert.Hash == "" || ev.BotID() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Alert must carry a hash and a source bot"})
		return
	}

	// Wrong-chain alerts indicate a subscription bug upstream; reject them at
	// the door instead of queueing them.
	chainID := h.engine.ChainID()
	if bc := ev.Alert.Source.Block.ChainID; bc != 0 && bc != chainID && !(registry.IsL2(chainID) && bc == 1) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Alert is for a different chain", "alertChainId": bc, "chainId": chainID})
		return
	}

	h.engine.Enqueue(ev)
	c.JSON(http.StatusAccepted, gin.H{"status": "queued", "alertHash": ev.Alert.Hash})
}

// handleGetFindings returns recent findings, in-memory by default or from the
// archive with ?source=archive.
func (h *APIHandler) handleGetFindings(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	if c.Query("source") == "archive" {
		if h.dbStore == nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
			return
		}
		findings, err := h.dbStore.RecentFindings(c.Request.Context(), h.engine.ChainID(), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch findings", "details": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"data": findings, "source": "archive"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": h.emitter.RecentFindings(limit), "source": "memory"})
}

// handleGetClusterFindings returns the archived findings for one cluster.
func (h *APIHandler) handleGetClusterFindings(c *gin.Context) {
	if h.dbStore == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Database not connected"})
		return
	}

	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	cluster := strings.ToLower(c.Param("cluster"))

	findings, err := h.dbStore.ClusterFindings(c.Request.Context(), cluster, limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch findings", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": findings, "cluster": cluster})
}

// handleGetSubscriptions returns the bot subscriptions an alert feed should
// deliver for this deployment.
func (h *APIHandler) handleGetSubscriptions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"chainId":       h.engine.ChainID(),
		"subscriptions": h.engine.Subscriptions(),
	})
}

// handleHealth returns engine status and store sizes for service discovery
func (h *APIHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":      "operational",
		"engine":      "Attack Detector v1.0",
		"chainId":     h.engine.ChainID(),
		"production":  h.engine.Production(),
		"stores":      h.engine.Stats(),
		"dbConnected": h.dbStore != nil,
	})
}

// handleRegisterWebhook registers a webhook receiver for findings.
// POST /api/v1/webhooks { "name": "soc", "url": "https://...", "minSeverity": "low" }
func (h *APIHandler) handleRegisterWebhook(c *gin.Context) {
	var req struct {
		Name        string            `json:"name"`
		URL         string            `json:"url"`
		MinSeverity string            `json:"minSeverity"`
		Headers     map[string]string `json:"headers"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.Name == "" || req.URL == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and url are required"})
		return
	}
	if req.MinSeverity == "" {
		req.MinSeverity = models.SeverityInfo
	}

	h.emitter.RegisterWebhook(req.Name, req.URL, req.MinSeverity, req.Headers)
	c.JSON(http.StatusOK, gin.H{"status": "registered", "name": req.Name})
}

func (h *APIHandler) handleListWebhooks(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"data": h.emitter.Webhooks()})
}

func (h *APIHandler) handleRemoveWebhook(c *gin.Context) {
	h.emitter.RemoveWebhook(c.Param("name"))
	c.JSON(http.StatusOK, gin.H{"status": "removed", "name": c.Param("name")})
}
