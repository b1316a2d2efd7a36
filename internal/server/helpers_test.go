package server

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cartoonrewatch/crt80/internal/analytics"
	"github.com/cartoonrewatch/crt80/internal/auth"
	"github.com/cartoonrewatch/crt80/internal/blocks"
	"github.com/cartoonrewatch/crt80/internal/censor"
	"github.com/cartoonrewatch/crt80/internal/channels"
	"github.com/cartoonrewatch/crt80/internal/database"
	"github.com/cartoonrewatch/crt80/internal/documents"
	"github.com/cartoonrewatch/crt80/internal/metrics"
	"github.com/cartoonrewatch/crt80/internal/schedule"
	"github.com/cartoonrewatch/crt80/internal/throttle"
	"github.com/cartoonrewatch/crt80/internal/users"
	"github.com/cartoonrewatch/crt80/internal/viewers"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-signing-secret"
	testIssuer        = "crt80-test"
	testCookieName    = "crt80_session"
	testAdminID       = "admin-1"
)

type testApp struct {
	handler http.Handler
	issuer  *auth.SessionIssuer
}

const testSiteOrigin = "https://crt80.example.com"

func newTestApp(t *testing.T, logger *zap.Logger) *testApp {
	t.Helper()
	return newTestAppWithOrigins(t, logger, []string{testSiteOrigin})
}

func newTestAppWithOrigins(t *testing.T, logger *zap.Logger, origins []string) *testApp {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "crt80.db"), logger, database.Options{})
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	docs, err := documents.NewStore(documents.StoreConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to build document store: %v", err)
	}

	registry := prometheus.NewRegistry()
	recorder := metrics.New(registry)

	viewerRegistry := viewers.NewRegistry()
	hub := viewers.NewHub(viewers.HubConfig{Registry: viewerRegistry, Metrics: recorder, Logger: logger})

	location, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Fatalf("failed to load location: %v", err)
	}

	aggregator, err := analytics.NewAggregator(analytics.AggregatorConfig{
		Documents: docs,
		Location:  location,
		Metrics:   recorder,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to build aggregator: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = aggregator.Run(ctx)
	}()

	protocol, err := viewers.NewProtocol(viewers.ProtocolConfig{
		Registry:  viewerRegistry,
		Hub:       hub,
		Visits:    throttle.NewWindow(throttle.WindowConfig{Window: 48 * time.Hour}),
		Joins:     throttle.NewWindow(throttle.WindowConfig{Window: time.Hour}),
		Analytics: aggregator,
		Censor:    censor.New(censor.Config{Logger: logger}),
		Location:  location,
		Metrics:   recorder,
		Logger:    logger,
	})
	if err != nil {
		t.Fatalf("failed to build protocol: %v", err)
	}

	active, err := blocks.NewActiveStore(docs)
	if err != nil {
		t.Fatalf("failed to build active store: %v", err)
	}
	channelService, err := channels.NewService(channels.ServiceConfig{Documents: docs, Active: active, Logger: logger})
	if err != nil {
		t.Fatalf("failed to build channels service: %v", err)
	}
	blockService, err := blocks.NewService(blocks.ServiceConfig{
		Active:      active,
		Channels:    channelService,
		Broadcaster: hub,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to build blocks service: %v", err)
	}
	scheduleStore, err := schedule.NewStore(docs)
	if err != nil {
		t.Fatalf("failed to build schedule store: %v", err)
	}
	scheduleService, err := schedule.NewService(schedule.ServiceConfig{
		Store:       scheduleStore,
		Channels:    channelService,
		Broadcaster: hub,
		Location:    location,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to build schedule service: %v", err)
	}
	catalog, err := blocks.NewCatalog(blocks.CatalogConfig{
		Documents:   docs,
		Active:      active,
		Channels:    channelService,
		Schedules:   scheduleService,
		Broadcaster: hub,
		Logger:      logger,
	})
	if err != nil {
		t.Fatalf("failed to build blocks catalog: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, AdminUserIDs: []string{testAdminID}})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to build validator: %v", err)
	}
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Sessions:       validator,
		Users:          userService,
		Protocol:       protocol,
		Channels:       channelService,
		Schedules:      scheduleService,
		Blocks:         blockService,
		Catalog:        catalog,
		Analytics:      aggregator,
		Gatherer:       registry,
		Metrics:        recorder,
		AllowedOrigins: origins,
		Logger:         logger,
	})
	if err != nil {
		t.Fatalf("failed to build handler: %v", err)
	}
	return &testApp{handler: handler, issuer: issuer}
}

func (a *testApp) cookie(t *testing.T, userID, username string) *http.Cookie {
	t.Helper()
	token, _, err := a.issuer.Issue(userID, username)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return &http.Cookie{Name: testCookieName, Value: token}
}

func (a *testApp) do(t *testing.T, method, target, body string, cookie *http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var request *http.Request
	if body == "" {
		request = httptest.NewRequest(method, target, http.NoBody)
	} else {
		request = httptest.NewRequest(method, target, strings.NewReader(body))
		request.Header.Set("Content-Type", "application/json")
	}
	if cookie != nil {
		request.AddCookie(cookie)
	}
	recorder := httptest.NewRecorder()
	a.handler.ServeHTTP(recorder, request)
	return recorder
}

func expiredToken(t *testing.T) string {
	t.Helper()
	issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		TokenTTL:      time.Minute,
		Clock: func() time.Time {
			return time.Now().Add(-time.Hour)
		},
	})
	if err != nil {
		t.Fatalf("failed to build issuer: %v", err)
	}
	token, _, err := issuer.Issue(testAdminID, "Admin")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}
