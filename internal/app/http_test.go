package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"reflectai/api/internal/auth"
	"reflectai/api/internal/store"
)

func newTestServer(t *testing.T, f *fixture) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(NewHTTPServer(f.service, "http://localhost:5173", nil, zap.NewNop()).Handler())
	t.Cleanup(server.Close)
	return server
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.NewClaims(userID, userID+"@example.com", time.Hour, time.Now()))
	require.NoError(t, err)
	return token
}

func knownUsers(f *fixture) {
	f.store.getUserFn = func(_ context.Context, id string) (store.User, error) {
		return store.User{ID: id, Name: id, Email: id + "@example.com"}, nil
	}
}

func doRequest(t *testing.T, method, url, token, body string, headers ...string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var payload map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		_ = json.NewDecoder(resp.Body).Decode(&payload)
	}
	return resp, payload
}

func TestHealthAndReady(t *testing.T) {
	server := newTestServer(t, newFixture(testConfig()))

	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/health", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, payload["ok"])
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	resp, payload = doRequest(t, http.MethodGet, server.URL+"/api/ready", "", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ready", payload["status"])

	down := newFixture(testConfig())
	down.store.pingFn = func(context.Context) error { return errors.New("db down") }
	server = newTestServer(t, down)
	resp, payload = doRequest(t, http.MethodGet, server.URL+"/api/ready", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "not_ready", payload["status"])
}

func TestPreflight(t *testing.T) {
	server := newTestServer(t, newFixture(testConfig()))

	resp, _ := doRequest(t, http.MethodOptions, server.URL+"/api/v1/libraries", "", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRequiresSession(t *testing.T) {
	server := newTestServer(t, newFixture(testConfig()))

	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/v1/libraries", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "UNAUTHORIZED", payload["code"])

	resp, _ = doRequest(t, http.MethodGet, server.URL+"/api/v1/libraries", "not-a-jwt", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuthRoute(t *testing.T) {
	f := newFixture(testConfig())
	// Only the first request carries a name, so it stands in for registration.
	f.store.upsertUserFn = func(_ context.Context, name, email, _ string) (store.User, bool, error) {
		return store.User{ID: "usr_1", Name: name, Email: email}, name == "Ann", nil
	}
	server := newTestServer(t, f)

	resp, payload := doRequest(t, http.MethodPost, server.URL+"/api/v1/auth", "", `{"name":"Ann","email":"ann@example.com","clerkId":"clerk_1"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, true, payload["success"])
	data, ok := payload["data"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, data["token"])
	<-f.mailer.sent

	resp, payload = doRequest(t, http.MethodPost, server.URL+"/api/v1/auth", "", `{"email":"ann@example.com"}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Login successful", payload["message"])

	resp, payload = doRequest(t, http.MethodPost, server.URL+"/api/v1/auth", "", `{"email":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "INVALID_BODY", payload["code"])
}

func TestLibraryRoutes(t *testing.T) {
	f := newFixture(testConfig())
	knownUsers(f)
	f.withLibraries(privateLibrary("lib_a"))
	f.store.listLibrariesFn = func(context.Context, string) ([]store.LibraryAccess, error) {
		return []store.LibraryAccess{{Library: store.Library{ID: "lib_a", CreatedBy: ownerID}, ContentCount: 2}}, nil
	}
	f.store.insertLibraryFn = func(_ context.Context, lib store.Library) (store.Library, error) {
		lib.ID = "lib_new"
		return lib, nil
	}
	server := newTestServer(t, f)
	owner := tokenFor(t, ownerID)

	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/v1/libraries", owner, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	libraries, ok := payload["libraries"].([]any)
	require.True(t, ok)
	require.Len(t, libraries, 1)
	first := libraries[0].(map[string]any)
	assert.Equal(t, "owner", first["permission"])
	assert.Equal(t, true, first["isOwner"])
	assert.EqualValues(t, 2, first["contentCount"])

	resp, payload = doRequest(t, http.MethodPost, server.URL+"/api/v1/libraries", owner, `{"title":"Travel"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Equal(t, "lib_new", payload["id"])

	resp, payload = doRequest(t, http.MethodPost, server.URL+"/api/v1/libraries", owner, `{"title":""}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])

	resp, payload = doRequest(t, http.MethodGet, server.URL+"/api/v1/libraries/lib_a", tokenFor(t, strangerID), "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "NOT_FOUND", payload["code"])

	resp, payload = doRequest(t, http.MethodPut, server.URL+"/api/v1/libraries/lib_a", tokenFor(t, readerID), `{"title":"x"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "FORBIDDEN", payload["code"])

	resp, _ = doRequest(t, http.MethodPost, server.URL+"/api/v1/libraries/lib_a", owner, "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestStorageFailureDoesNotLeak(t *testing.T) {
	f := newFixture(testConfig())
	knownUsers(f)
	f.store.listLibrariesFn = func(context.Context, string) ([]store.LibraryAccess, error) {
		return nil, errors.New("pq: relation libraries does not exist")
	}
	server := newTestServer(t, f)

	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/v1/libraries", tokenFor(t, ownerID), "")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.Equal(t, "SERVER_ERROR", payload["code"])
	assert.Equal(t, "Server error", payload["error"])
}

func TestExportRoute(t *testing.T) {
	f := newFixture(testConfig())
	knownUsers(f)
	f.withLibraries(privateLibrary("lib_a"))
	server := newTestServer(t, f)

	resp, _ := doRequest(t, http.MethodGet, server.URL+"/api/v1/libraries/lib_a/export?format=html", tokenFor(t, readerID), "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html; charset=utf-8", resp.Header.Get("Content-Type"))
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "journal.html")
}

func TestResetStreaksRoute(t *testing.T) {
	f := newFixture(testConfig())
	f.streaks.resetFn = func(context.Context) (int64, error) { return 4, nil }
	server := newTestServer(t, f)

	resp, _ := doRequest(t, http.MethodPost, server.URL+"/api/v1/reset-streaks", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, payload := doRequest(t, http.MethodPost, server.URL+"/api/v1/reset-streaks", "", "", "X-Admin-Token", "admin-token")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Streaks reset successfully", payload["message"])
	assert.EqualValues(t, 4, payload["usersAffected"])
}

func TestQueryValidation(t *testing.T) {
	f := newFixture(testConfig())
	knownUsers(f)
	server := newTestServer(t, f)
	token := tokenFor(t, ownerID)

	resp, payload := doRequest(t, http.MethodGet, server.URL+"/api/v1/search?q=hello&limit=abc", token, "")
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])

	resp, payload = doRequest(t, http.MethodGet, server.URL+"/api/v1/search?q=hello&limit=5", token, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "hello", payload["query"])
	assert.Equal(t, 5, f.search.lastQuery.Limit)

	resp, payload = doRequest(t, http.MethodPost, server.URL+"/api/v1/words", token, `{"wordCount":-3}`)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Equal(t, "VALIDATION_ERROR", payload["code"])
}

func TestMapError(t *testing.T) {
	status, code, _, _ := mapError(notFound("gone"))
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "NOT_FOUND", code)

	status, code, _, _ = mapError(auth.ErrExpiredToken)
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "UNAUTHORIZED", code)

	status, _, _, _ = mapError(cycleDetected("loop"))
	assert.Equal(t, http.StatusConflict, status)
}
