package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(recorder.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to decode body %q: %v", recorder.Body.String(), err)
	}
	return body
}

func TestHealthz(t *testing.T) {
	app := newTestApp(t, nil)
	recorder := app.do(t, http.MethodGet, "/healthz", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
}

func TestListChannelsReturnsDefaults(t *testing.T) {
	app := newTestApp(t, nil)
	recorder := app.do(t, http.MethodGet, "/api/channels", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	lineup, ok := decodeBody(t, recorder)["channels"].([]any)
	if !ok || len(lineup) != 3 {
		t.Fatalf("expected three default channels, got %s", recorder.Body.String())
	}
	first := lineup[0].(map[string]any)
	if first["slug"] != "toonami" || first["name"] != "Toonami" {
		t.Fatalf("unexpected first channel %v", first)
	}
}

func TestAdminRoutesRequireAdminSession(t *testing.T) {
	app := newTestApp(t, nil)
	body := `{"name":"Retro"}`

	if recorder := app.do(t, http.MethodPost, "/api/channels/create", body, nil); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without session, got %d", recorder.Code)
	}
	viewer := app.cookie(t, "viewer-1", "Viewer")
	if recorder := app.do(t, http.MethodPost, "/api/channels/create", body, viewer); recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for non-admin, got %d", recorder.Code)
	}
	admin := app.cookie(t, testAdminID, "Admin")
	if recorder := app.do(t, http.MethodPost, "/api/channels/create", body, admin); recorder.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d: %s", recorder.Code, recorder.Body.String())
	}
}

func TestChannelLifecycle(t *testing.T) {
	app := newTestApp(t, nil)
	admin := app.cookie(t, testAdminID, "Admin")

	created := app.do(t, http.MethodPost, "/api/channels/create", `{"name":"Retro Hour"}`, admin)
	if created.Code != http.StatusOK {
		t.Fatalf("create failed: %d %s", created.Code, created.Body.String())
	}
	channel := decodeBody(t, created)["channel"].(map[string]any)
	if channel["slug"] != "retrohour" {
		t.Fatalf("unexpected slug %v", channel)
	}

	duplicate := app.do(t, http.MethodPost, "/api/channels/create", `{"name":"retro hour","slug":"other"}`, admin)
	if duplicate.Code != http.StatusConflict || decodeBody(t, duplicate)["error"] != "channels.create.name_taken" {
		t.Fatalf("expected name conflict, got %d %s", duplicate.Code, duplicate.Body.String())
	}

	tooLong := app.do(t, http.MethodPost, "/api/channels/create", `{"name":"This name is far too long"}`, admin)
	if tooLong.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for long name, got %d", tooLong.Code)
	}

	renamed := app.do(t, http.MethodPost, "/api/channels/update", `{"slug":"retrohour","name":"Retro"}`, admin)
	if renamed.Code != http.StatusOK {
		t.Fatalf("rename failed: %d %s", renamed.Code, renamed.Body.String())
	}

	active := decodeBody(t, app.do(t, http.MethodGet, "/api/blocks/active", "", nil))["active"].(map[string]any)
	if value, ok := active["retrohour"]; !ok || value != "" {
		t.Fatalf("expected empty assignment for new channel, got %v", active)
	}

	deleted := app.do(t, http.MethodPost, "/api/channels/delete", `{"slug":"retrohour"}`, admin)
	if deleted.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", deleted.Code)
	}
	missing := app.do(t, http.MethodPost, "/api/channels/delete", `{"slug":"retrohour"}`, admin)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", missing.Code)
	}
}

func TestScheduleSaveListAndDelete(t *testing.T) {
	app := newTestApp(t, nil)
	admin := app.cookie(t, testAdminID, "Admin")
	location, _ := time.LoadLocation("America/Chicago")
	date := time.Now().In(location).AddDate(0, 0, 2).Format("2006-01-02")

	saved := app.do(t, http.MethodPost, "/api/schedule/save",
		fmt.Sprintf(`{"channelSlug":"toonami","blockSlug":"movie-night","date":%q,"hour":"20"}`, date), admin)
	if saved.Code != http.StatusOK {
		t.Fatalf("save failed: %d %s", saved.Code, saved.Body.String())
	}
	entry := decodeBody(t, saved)["entry"].(map[string]any)
	entryID, _ := entry["id"].(string)
	if entryID == "" || entry["blockSlug"] != "movie-night" {
		t.Fatalf("unexpected entry %v", entry)
	}

	taken := app.do(t, http.MethodPost, "/api/schedule/save",
		fmt.Sprintf(`{"channelSlug":"toonami","blockSlug":"other","date":%q,"hour":20}`, date), admin)
	if taken.Code != http.StatusConflict {
		t.Fatalf("expected 409 for taken slot, got %d", taken.Code)
	}

	past := app.do(t, http.MethodPost, "/api/schedule/save",
		`{"channelSlug":"toonami","blockSlug":"other","date":"2001-01-01","hour":20}`, admin)
	if past.Code != http.StatusBadRequest || decodeBody(t, past)["error"] != "schedule.save.past_time" {
		t.Fatalf("expected past time rejection, got %d %s", past.Code, past.Body.String())
	}

	listing := decodeBody(t, app.do(t, http.MethodGet, "/api/schedule", "", nil))
	if listing["timeZone"] != "America/Chicago" {
		t.Fatalf("unexpected time zone %v", listing["timeZone"])
	}
	if entries := listing["channels"].(map[string]any)["toonami"].([]any); len(entries) != 1 {
		t.Fatalf("expected one toonami entry, got %v", entries)
	}

	unknown := app.do(t, http.MethodGet, "/api/schedule/nowhere", "", admin)
	if unknown.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown channel, got %d", unknown.Code)
	}

	removed := app.do(t, http.MethodPost, "/api/schedule/delete",
		fmt.Sprintf(`{"channelSlug":"toonami","id":%q}`, entryID), admin)
	if removed.Code != http.StatusOK {
		t.Fatalf("delete failed: %d", removed.Code)
	}
	again := app.do(t, http.MethodPost, "/api/schedule/delete",
		fmt.Sprintf(`{"channelSlug":"toonami","id":%q}`, entryID), admin)
	if again.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for missing entry, got %d", again.Code)
	}
}

func TestSetActiveBlock(t *testing.T) {
	app := newTestApp(t, nil)
	admin := app.cookie(t, testAdminID, "Admin")

	unknown := app.do(t, http.MethodPost, "/api/blocks/active", `{"channelSlug":"nowhere","blockSlug":"x"}`, admin)
	if unknown.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown channel, got %d", unknown.Code)
	}

	set := app.do(t, http.MethodPost, "/api/blocks/active", `{"channelSlug":"adult-swim","blockSlug":"Late-Night"}`, admin)
	if set.Code != http.StatusOK {
		t.Fatalf("set failed: %d %s", set.Code, set.Body.String())
	}
	active := decodeBody(t, app.do(t, http.MethodGet, "/api/blocks/active", "", nil))["active"].(map[string]any)
	if active["adult-swim"] != "late-night" || active["toonami"] != "" {
		t.Fatalf("unexpected active blocks %v", active)
	}
}

func TestAnalyticsReport(t *testing.T) {
	app := newTestApp(t, nil)
	admin := app.cookie(t, testAdminID, "Admin")

	recorder := app.do(t, http.MethodGet, "/api/analytics?range=3m&interval=weekly", "", admin)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d %s", recorder.Code, recorder.Body.String())
	}
	body := decodeBody(t, recorder)
	if body["timezone"] != "America/Chicago" || body["range"] != "3m" || body["interval"] != "weekly" {
		t.Fatalf("unexpected report envelope %v", body)
	}
	if lineup, ok := body["channels"].([]any); !ok || len(lineup) != 3 {
		t.Fatalf("expected a summary per channel, got %v", body["channels"])
	}
}

func TestAuthMe(t *testing.T) {
	app := newTestApp(t, nil)

	anonymous := decodeBody(t, app.do(t, http.MethodGet, "/api/auth/me", "", nil))
	if anonymous["authenticated"] != false {
		t.Fatalf("expected anonymous session, got %v", anonymous)
	}

	me := decodeBody(t, app.do(t, http.MethodGet, "/api/auth/me", "", app.cookie(t, testAdminID, "Admin")))
	user, ok := me["user"].(map[string]any)
	if me["authenticated"] != true || !ok {
		t.Fatalf("expected authenticated session, got %v", me)
	}
	if user["id"] != testAdminID || user["username"] != "Admin" || user["admin"] != true {
		t.Fatalf("unexpected user payload %v", user)
	}
}

func TestMetricsEndpointExposesRequestCounters(t *testing.T) {
	app := newTestApp(t, nil)
	app.do(t, http.MethodGet, "/healthz", "", nil)

	recorder := app.do(t, http.MethodGet, "/metrics", "", nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "crt80_http_requests_total") {
		t.Fatalf("expected request counter in exposition")
	}
}

func preflight(t *testing.T, app *testApp, origin string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(http.MethodOptions, "/api/channels/create", http.NoBody)
	request.Header.Set("Origin", origin)
	request.Header.Set("Access-Control-Request-Method", http.MethodPost)
	request.Header.Set("Access-Control-Request-Headers", "Content-Type")
	recorder := httptest.NewRecorder()
	app.handler.ServeHTTP(recorder, request)
	return recorder
}

func TestCORSPreflightAllowsCredentialsForListedOrigin(t *testing.T) {
	app := newTestApp(t, nil)
	recorder := preflight(t, app, testSiteOrigin)

	if recorder.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, recorder.Code)
	}
	if recorder.Header().Get("Access-Control-Allow-Origin") != testSiteOrigin {
		t.Fatalf("expected origin to be echoed, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("expected credentials to be enabled")
	}

	recorder = preflight(t, app, "https://evil.example")
	if recorder.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected unlisted origin to be refused, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestCORSWildcardNeverAllowsCredentials(t *testing.T) {
	app := newTestAppWithOrigins(t, nil, []string{"*"})
	recorder := preflight(t, app, "https://evil.example")

	if recorder.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Fatalf("expected wildcard origin, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
	if recorder.Header().Get("Access-Control-Allow-Credentials") != "" {
		t.Fatalf("expected credentials to stay disabled for the wildcard")
	}
}

func TestCORSDefaultServesSameOriginOnly(t *testing.T) {
	app := newTestAppWithOrigins(t, nil, nil)
	recorder := preflight(t, app, "https://evil.example")
	if recorder.Header().Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("expected no cors headers, got %q", recorder.Header().Get("Access-Control-Allow-Origin"))
	}
}

func TestAdminRoutesRefuseUntrustedOrigin(t *testing.T) {
	app := newTestAppWithOrigins(t, nil, []string{"*"})
	request := httptest.NewRequest(http.MethodPost, "/api/channels/create", strings.NewReader(`{"name":"Cartoon Cartoons"}`))
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Origin", "https://evil.example")
	request.AddCookie(app.cookie(t, testAdminID, "Admin"))
	recorder := httptest.NewRecorder()
	app.handler.ServeHTTP(recorder, request)
	if recorder.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", recorder.Code)
	}

	recorder = app.do(t, http.MethodGet, "/api/channels", "", nil)
	if !strings.Contains(recorder.Body.String(), "toonami") || strings.Contains(recorder.Body.String(), "Cartoon Cartoons") {
		t.Fatalf("expected channel lineup unchanged, got %s", recorder.Body.String())
	}
}

func TestRequireAdminLogsExpiredSessionAtInfoLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	app := newTestApp(t, zap.New(core))
	expired := app.cookie(t, testAdminID, "Admin")
	expired.Value = expiredToken(t)

	recorder := app.do(t, http.MethodGet, "/api/analytics", "", expired)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	entries := logs.FilterMessage("session validation failed").All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one validation log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel {
		t.Fatalf("expected info level for expired session, got %s", entries[0].Level)
	}
}

func TestRequireAdminLogsForgedSessionAtWarnLevel(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	app := newTestApp(t, zap.New(core))
	forged := app.cookie(t, testAdminID, "Admin")
	forged.Value += "tampered"

	recorder := app.do(t, http.MethodGet, "/api/analytics", "", forged)
	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", recorder.Code)
	}
	entries := logs.FilterMessage("session validation failed").All()
	if len(entries) != 1 || entries[0].Level != zapcore.WarnLevel {
		t.Fatalf("expected one warn entry, got %v", entries)
	}
}
