package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/cartoonrewatch/crt80/internal/analytics"
	"github.com/cartoonrewatch/crt80/internal/auth"
	"github.com/cartoonrewatch/crt80/internal/blocks"
	"github.com/cartoonrewatch/crt80/internal/channels"
	"github.com/cartoonrewatch/crt80/internal/metrics"
	"github.com/cartoonrewatch/crt80/internal/schedule"
	"github.com/cartoonrewatch/crt80/internal/users"
	"github.com/cartoonrewatch/crt80/internal/viewers"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	userIDContextKey   = "crt80_user_id"
	usernameContextKey = "crt80_username"
)

var (
	errMissingSessions  = errors.New("session validator dependency required")
	errMissingUsers     = errors.New("identity service dependency required")
	errMissingProtocol  = errors.New("viewer protocol dependency required")
	errMissingChannels  = errors.New("channels service dependency required")
	errMissingSchedules = errors.New("schedule service dependency required")
	errMissingBlocks    = errors.New("blocks service dependency required")
	errMissingCatalog   = errors.New("blocks catalog dependency required")
	errMissingAnalytics = errors.New("analytics reporter dependency required")
)

// SessionValidator reads the session cookie of a request.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

// IdentityResolver maps session claims to chat profiles and admin rights.
type IdentityResolver interface {
	ResolveProfile(claims auth.SessionClaims) (users.Profile, error)
	IsAdmin(userID string) bool
}

// AnalyticsReporter builds viewer analytics reports.
type AnalyticsReporter interface {
	Report(ctx context.Context, request analytics.ReportRequest) (analytics.Report, error)
}

type Dependencies struct {
	Sessions       SessionValidator
	Users          IdentityResolver
	Protocol       *viewers.Protocol
	Channels       *channels.Service
	Schedules      *schedule.Service
	Blocks         *blocks.Service
	Catalog        *blocks.Catalog
	Analytics      AnalyticsReporter
	Gatherer       prometheus.Gatherer
	Metrics        *metrics.Metrics
	AllowedOrigins []string
	Logger         *zap.Logger
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.Sessions == nil:
		return nil, errMissingSessions
	case deps.Users == nil:
		return nil, errMissingUsers
	case deps.Protocol == nil:
		return nil, errMissingProtocol
	case deps.Channels == nil:
		return nil, errMissingChannels
	case deps.Schedules == nil:
		return nil, errMissingSchedules
	case deps.Blocks == nil:
		return nil, errMissingBlocks
	case deps.Catalog == nil:
		return nil, errMissingCatalog
	case deps.Analytics == nil:
		return nil, errMissingAnalytics
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(requestMetrics(deps.Metrics))
	origins := newOriginPolicy(deps.AllowedOrigins)
	router.Use(corsMiddleware(origins))

	handler := &httpHandler{
		sessions:  deps.Sessions,
		users:     deps.Users,
		protocol:  deps.Protocol,
		channels:  deps.Channels,
		schedules: deps.Schedules,
		blocks:    deps.Blocks,
		catalog:   deps.Catalog,
		analytics: deps.Analytics,
		origins:   origins,
		upgrader:  newUpgrader(origins),
		logger:    logger,
	}

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	api := router.Group("/api")
	api.GET("/viewers", handler.handleViewers)
	api.GET("/channels", handler.handleListChannels)
	api.GET("/schedule", handler.handleListSchedules)
	api.GET("/blocks/active", handler.handleActiveBlocks)
	api.GET("/blocks/:slug", handler.handleGetBlock)
	api.GET("/channel/:slug", handler.handleGetChannelContent)
	api.GET("/auth/me", handler.handleMe)

	admin := api.Group("/")
	admin.Use(handler.requireAdmin)
	admin.POST("/channels/create", handler.handleCreateChannel)
	admin.POST("/channels/update", handler.handleRenameChannel)
	admin.POST("/channels/delete", handler.handleDeleteChannel)
	admin.GET("/schedule/:slug", handler.handleChannelSchedule)
	admin.POST("/schedule/save", handler.handleSaveSchedule)
	admin.POST("/schedule/delete", handler.handleDeleteSchedule)
	admin.POST("/blocks/active", handler.handleSetActiveBlock)
	admin.GET("/blocks", handler.handleListBlocks)
	admin.POST("/blocks/save", handler.handleSaveBlock)
	admin.POST("/blocks/delete", handler.handleDeleteBlock)
	admin.POST("/channel/save", handler.handleSaveChannelContent)
	admin.GET("/analytics", handler.handleAnalytics)

	return router, nil
}

type httpHandler struct {
	sessions  SessionValidator
	users     IdentityResolver
	protocol  *viewers.Protocol
	channels  *channels.Service
	schedules *schedule.Service
	blocks    *blocks.Service
	catalog   *blocks.Catalog
	analytics AnalyticsReporter
	origins   originPolicy
	upgrader  websocket.Upgrader
	logger    *zap.Logger
}

// corsMiddleware answers cross-origin requests. Listed origins get
// credentialed responses; the wildcard is served without credentials. With
// neither, only same-origin callers are served and no CORS headers are added.
func corsMiddleware(policy originPolicy) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:       12 * time.Hour,
	}
	switch {
	case policy.anyOrigin:
		config.AllowAllOrigins = true
	case len(policy.listed) > 0:
		config.AllowCredentials = true
		config.AllowOriginFunc = policy.lists
	default:
		return func(c *gin.Context) { c.Next() }
	}
	return cors.New(config)
}

func requestMetrics(recorder *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		recorder.ObserveRequest(route, strconv.Itoa(c.Writer.Status()), time.Since(started))
	}
}
