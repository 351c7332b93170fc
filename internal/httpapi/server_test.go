package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/timecapsule/internal/auth"
	"github.com/tyemirov/timecapsule/internal/media"
	"github.com/tyemirov/timecapsule/internal/service"
	"github.com/tyemirov/timecapsule/pkg/db"
	"github.com/tyemirov/timecapsule/pkg/secret"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var pngHeader = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

type stubEmailSender struct {
	mu   sync.Mutex
	sent []string
}

func (sender *stubEmailSender) SendEmail(_ context.Context, recipient string, subject string, _ string) error {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	sender.sent = append(sender.sent, recipient+": "+subject)
	return nil
}

type testHarness struct {
	server *Server
	store  *media.MemoryStore
}

func openIsolatedDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:httpapi_%d?mode=memory&cache=shared", time.Now().UnixNano())
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("sqlite handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func newTestHarness(t *testing.T, authRate int) *testHarness {
	t.Helper()
	database := openIsolatedDatabase(t)
	discard := slog.New(slog.NewTextHandler(io.Discard, nil))
	generator, err := secret.NewGenerator(rand.Reader)
	if err != nil {
		t.Fatalf("secret generator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{
		SigningKey: "httpapi-test-key",
		Issuer:     "timecapsule-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: time.Hour,
	})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	notifications := service.NewNotificationService(database, discard)
	accounts, err := service.NewAccountService(service.AccountServiceConfig{
		Database:    database,
		Logger:      discard,
		Tokens:      issuer,
		Secrets:     generator,
		EmailSender: &stubEmailSender{},
		OTPTTL:      10 * time.Minute,
	})
	if err != nil {
		t.Fatalf("account service: %v", err)
	}
	store := media.NewMemoryStore()
	capsules, err := service.NewCapsuleService(service.CapsuleServiceConfig{
		Database:      database,
		Logger:        discard,
		Media:         store,
		Secrets:       generator,
		Notifications: notifications,
	})
	if err != nil {
		t.Fatalf("capsule service: %v", err)
	}
	server, err := NewServer(Config{
		ListenAddr:          ":0",
		AccountService:      accounts,
		CapsuleService:      capsules,
		NotificationService: notifications,
		Logger:              discard,
		AuthRatePerSec:      authRate,
	})
	if err != nil {
		t.Fatalf("NewServer error: %v", err)
	}
	return &testHarness{server: server, store: store}
}

func (harness *testHarness) do(t *testing.T, method string, path string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	request := httptest.NewRequest(method, path, body)
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	harness.server.Handler().ServeHTTP(recorder, request)
	return recorder
}

func (harness *testHarness) doJSON(t *testing.T, method string, path string, payload any, authorization string) *httptest.ResponseRecorder {
	t.Helper()
	var body io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("encode payload: %v", err)
		}
		body = bytes.NewReader(encoded)
	}
	headers := map[string]string{"Content-Type": "application/json"}
	if authorization != "" {
		headers["Authorization"] = authorization
	}
	return harness.do(t, method, path, body, headers)
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("response decode error: %v (body %s)", err, recorder.Body.String())
	}
}

func (harness *testHarness) registerAndLogin(t *testing.T, email string) service.AuthResult {
	t.Helper()
	recorder := harness.doJSON(t, http.MethodPost, "/api/accounts/register/", map[string]string{
		"email":     email,
		"name":      "Ada",
		"password":  "correct-horse",
		"password2": "correct-horse",
	}, "")
	if recorder.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", recorder.Code, recorder.Body.String())
	}
	recorder = harness.doJSON(t, http.MethodPost, "/api/accounts/login/", map[string]string{
		"email":    email,
		"password": "correct-horse",
	}, "")
	if recorder.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", recorder.Code, recorder.Body.String())
	}
	var result service.AuthResult
	decodeBody(t, recorder, &result)
	return result
}

func TestHealthAndMetricsArePublic(t *testing.T) {
	t.Helper()

	harness := newTestHarness(t, 100)
	for _, path := range []string{"/healthz", "/metrics"} {
		recorder := harness.do(t, http.MethodGet, path, nil, nil)
		if recorder.Code != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, recorder.Code)
		}
	}
}

func TestAuthenticationSchemes(t *testing.T) {
	t.Helper()

	harness := newTestHarness(t, 100)
	session := harness.registerAndLogin(t, "ada@example.com")

	testCases := []struct {
		name           string
		authorization  string
		expectedStatus int
	}{
		{name: "missing", authorization: "", expectedStatus: http.StatusUnauthorized},
		{name: "unknown scheme", authorization: "Basic abc", expectedStatus: http.StatusUnauthorized},
		{name: "bad bearer", authorization: "Bearer not-a-jwt", expectedStatus: http.StatusUnauthorized},
		{name: "refresh used as access", authorization: "Bearer " + session.Tokens.Refresh, expectedStatus: http.StatusUnauthorized},
		{name: "bearer", authorization: "Bearer " + session.Tokens.Access, expectedStatus: http.StatusOK},
		{name: "api token", authorization: "Token " + session.Token, expectedStatus: http.StatusOK},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Helper()
			recorder := harness.doJSON(t, http.MethodGet, "/api/accounts/me/", nil, testCase.authorization)
			if recorder.Code != testCase.expectedStatus {
				t.Fatalf("expected %d, got %d: %s", testCase.expectedStatus, recorder.Code, recorder.Body.String())
			}
		})
	}
}

func TestAccountEndpoints(t *testing.T) {
	t.Helper()

	harness := newTestHarness(t, 100)
	session := harness.registerAndLogin(t, "ada@example.com")
	bearer := "Bearer " + session.Tokens.Access

	duplicate := harness.doJSON(t, http.MethodPost, "/api/accounts/register/", map[string]string{
		"email": "ADA@example.com", "password": "correct-horse", "password2": "correct-horse",
	}, "")
	if duplicate.Code != http.StatusBadRequest {
		t.Fatalf("duplicate register: expected 400, got %d", duplicate.Code)
	}
	var validation map[string]string
	decodeBody(t, duplicate, &validation)
	if validation["field"] != "email" {
		t.Fatalf("expected email field error, got %v", validation)
	}

	wrongPassword := harness.doJSON(t, http.MethodPost, "/api/accounts/login/", map[string]string{
		"email": "ada@example.com", "password": "wrong-password",
	}, "")
	if wrongPassword.Code != http.StatusUnauthorized {
		t.Fatalf("wrong password: expected 401, got %d", wrongPassword.Code)
	}

	profile := harness.doJSON(t, http.MethodPut, "/api/accounts/profile/", map[string]string{"name": "Ada Lovelace", "dob": "1990-12-10"}, bearer)
	if profile.Code != http.StatusOK {
		t.Fatalf("profile update: expected 200, got %d: %s", profile.Code, profile.Body.String())
	}
	var user struct {
		Name        string `json:"name"`
		DateOfBirth string `json:"dob"`
	}
	decodeBody(t, profile, &user)
	if user.Name != "Ada Lovelace" || user.DateOfBirth != "1990-12-10" {
		t.Fatalf("unexpected profile %+v", user)
	}

	refresh := harness.doJSON(t, http.MethodPost, "/api/accounts/token/refresh/", map[string]string{"refresh": session.Tokens.Refresh}, "")
	if refresh.Code != http.StatusOK {
		t.Fatalf("refresh: expected 200, got %d", refresh.Code)
	}

	reset := harness.doJSON(t, http.MethodPost, "/api/accounts/password-reset/", map[string]string{"email": "nobody@example.com"}, "")
	if reset.Code != http.StatusOK {
		t.Fatalf("reset request for unknown email: expected 200, got %d", reset.Code)
	}
	confirm := harness.doJSON(t, http.MethodPost, "/api/accounts/password-reset/confirm/", map[string]string{
		"email": "ada@example.com", "otp": "000000", "new_password": "another-pass", "re_new_password": "another-pass",
	}, "")
	if confirm.Code != http.StatusBadRequest {
		t.Fatalf("reset confirm without code: expected 400, got %d", confirm.Code)
	}

	change := harness.doJSON(t, http.MethodPost, "/api/accounts/profile/change-password/", map[string]string{
		"old_password": "correct-horse", "new_password": "battery-staple", "confirm_password": "battery-staple",
	}, bearer)
	if change.Code != http.StatusOK {
		t.Fatalf("change password: expected 200, got %d: %s", change.Code, change.Body.String())
	}

	logout := harness.doJSON(t, http.MethodPost, "/api/accounts/logout/", nil, bearer)
	if logout.Code != http.StatusOK {
		t.Fatalf("logout: expected 200, got %d", logout.Code)
	}
	again := harness.doJSON(t, http.MethodPost, "/api/accounts/logout/", nil, bearer)
	if again.Code != http.StatusBadRequest {
		t.Fatalf("second logout: expected 400, got %d", again.Code)
	}
	staleToken := harness.doJSON(t, http.MethodGet, "/api/accounts/me/", nil, "Token "+session.Token)
	if staleToken.Code != http.StatusUnauthorized {
		t.Fatalf("revoked api token: expected 401, got %d", staleToken.Code)
	}
}

func TestAuthEndpointsAreRateLimited(t *testing.T) {
	t.Helper()

	harness := newTestHarness(t, 1)
	statuses := make([]int, 0, 4)
	for attempt := 0; attempt < 4; attempt++ {
		recorder := harness.doJSON(t, http.MethodPost, "/api/accounts/login/", map[string]string{
			"email": "ghost@example.com", "password": "whatever-pass",
		}, "")
		statuses = append(statuses, recorder.Code)
	}
	if statuses[0] != http.StatusUnauthorized {
		t.Fatalf("first attempt: expected 401, got %d", statuses[0])
	}
	if statuses[len(statuses)-1] != http.StatusTooManyRequests {
		t.Fatalf("expected throttling, got statuses %v", statuses)
	}

	health := harness.do(t, http.MethodGet, "/healthz", nil, nil)
	if health.Code != http.StatusOK {
		t.Fatalf("healthz must not be throttled, got %d", health.Code)
	}
}

func multipartCapsule(t *testing.T, fields map[string][]string, files map[string][]byte) (io.Reader, string) {
	t.Helper()
	var buffer bytes.Buffer
	writer := multipart.NewWriter(&buffer)
	for key, values := range fields {
		for _, value := range values {
			if err := writer.WriteField(key, value); err != nil {
				t.Fatalf("write field: %v", err)
			}
		}
	}
	for name, data := range files {
		part, err := writer.CreateFormFile(formFieldFiles, name)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(data); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	return &buffer, writer.FormDataContentType()
}

func TestCapsuleLifecycleEndpoints(t *testing.T) {
	t.Helper()

	harness := newTestHarness(t, 100)
	session := harness.registerAndLogin(t, "owner@example.com")
	bearer := "Bearer " + session.Tokens.Access

	body, contentType := multipartCapsule(t, map[string][]string{
		"title":                    {"Letter to 2030"},
		"text_content":             {"Hello future"},
		"delivery_date":            {time.Now().UTC().Add(48 * time.Hour).Format("2006-01-02")},
		"delivery_time":            {"09:30"},
		"recipient_emails":         {"one@example.com", "two@example.com"},
		"delivery_method":          {"email"},
		"transfer_on_inactivity":   {"on"},
		"transfer_recipient_email": {"heir@example.com"},
	}, map[string][]byte{"photo.png": pngHeader})
	created := harness.do(t, http.MethodPost, "/api/capsules/create/", body, map[string]string{
		"Content-Type":  contentType,
		"Authorization": bearer,
	})
	if created.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", created.Code, created.Body.String())
	}
	var capsule service.CapsuleResponse
	decodeBody(t, created, &capsule)
	if len(capsule.Recipients) != 2 || len(capsule.Contents) != 2 {
		t.Fatalf("unexpected capsule graph %+v", capsule)
	}
	if capsule.PrivacyStatus != "shared" || !capsule.TransferOnInactivity {
		t.Fatalf("unexpected capsule flags %+v", capsule)
	}
	if len(harness.store.Keys()) != 1 {
		t.Fatalf("expected one stored object, got %v", harness.store.Keys())
	}

	capsulePath := "/api/capsules/" + strconv.FormatUint(uint64(capsule.ID), 10)

	list := harness.doJSON(t, http.MethodGet, "/api/capsules/", nil, bearer)
	var listed []service.CapsuleResponse
	decodeBody(t, list, &listed)
	if list.Code != http.StatusOK || len(listed) != 1 {
		t.Fatalf("list: got %d with %d capsules", list.Code, len(listed))
	}

	reschedule := harness.doJSON(t, http.MethodPatch, capsulePath+"/schedule", map[string]string{
		"delivery_date": time.Now().UTC().Add(72 * time.Hour).Format(time.RFC3339),
	}, bearer)
	if reschedule.Code != http.StatusOK {
		t.Fatalf("reschedule: expected 200, got %d: %s", reschedule.Code, reschedule.Body.String())
	}
	past := harness.doJSON(t, http.MethodPatch, capsulePath+"/schedule", map[string]string{
		"delivery_date": time.Now().UTC().Add(-time.Hour).Format(time.RFC3339),
	}, bearer)
	if past.Code != http.StatusBadRequest {
		t.Fatalf("reschedule into the past: expected 400, got %d", past.Code)
	}

	archive := harness.doJSON(t, http.MethodPost, capsulePath+"/archive", nil, bearer)
	if archive.Code != http.StatusOK {
		t.Fatalf("archive: expected 200, got %d", archive.Code)
	}
	hidden := harness.doJSON(t, http.MethodGet, "/api/capsules/", nil, bearer)
	decodeBody(t, hidden, &listed)
	if len(listed) != 0 {
		t.Fatalf("archived capsule still listed")
	}
	withArchived := harness.doJSON(t, http.MethodGet, "/api/capsules/?include_archived=true", nil, bearer)
	decodeBody(t, withArchived, &listed)
	if len(listed) != 1 {
		t.Fatalf("include_archived: expected 1 capsule, got %d", len(listed))
	}
	unarchive := harness.doJSON(t, http.MethodPost, capsulePath+"/unarchive", nil, bearer)
	if unarchive.Code != http.StatusOK {
		t.Fatalf("unarchive: expected 200, got %d", unarchive.Code)
	}

	cancel := harness.doJSON(t, http.MethodPost, capsulePath+"/cancel", nil, bearer)
	if cancel.Code != http.StatusOK {
		t.Fatalf("cancel: expected 200, got %d", cancel.Code)
	}
	cancelAgain := harness.doJSON(t, http.MethodPost, capsulePath+"/cancel", nil, bearer)
	if cancelAgain.Code != http.StatusConflict {
		t.Fatalf("second cancel: expected 409, got %d", cancelAgain.Code)
	}

	deliveries := harness.doJSON(t, http.MethodGet, capsulePath+"/deliveries", nil, bearer)
	var logs []map[string]any
	decodeBody(t, deliveries, &logs)
	if deliveries.Code != http.StatusOK || len(logs) != 0 {
		t.Fatalf("deliveries: got %d %s", deliveries.Code, deliveries.Body.String())
	}

	other := harness.registerAndLogin(t, "stranger@example.com")
	foreign := harness.doJSON(t, http.MethodGet, capsulePath+"/", nil, "Bearer "+other.Tokens.Access)
	if foreign.Code != http.StatusNotFound {
		t.Fatalf("foreign owner: expected 404, got %d", foreign.Code)
	}

	deleted := harness.doJSON(t, http.MethodDelete, capsulePath+"/", nil, bearer)
	if deleted.Code != http.StatusNoContent {
		t.Fatalf("delete: expected 204, got %d", deleted.Code)
	}
	if len(harness.store.Keys()) != 0 {
		t.Fatalf("media not removed: %v", harness.store.Keys())
	}
	gone := harness.doJSON(t, http.MethodGet, capsulePath+"/", nil, bearer)
	if gone.Code != http.StatusNotFound {
		t.Fatalf("deleted capsule: expected 404, got %d", gone.Code)
	}
	badID := harness.doJSON(t, http.MethodGet, "/api/capsules/abc/", nil, bearer)
	if badID.Code != http.StatusNotFound {
		t.Fatalf("non numeric id: expected 404, got %d", badID.Code)
	}
}

func TestCreateCapsuleJSONValidation(t *testing.T) {
	t.Helper()

	harness := newTestHarness(t, 100)
	session := harness.registerAndLogin(t, "owner@example.com")
	bearer := "Bearer " + session.Tokens.Access

	recorder := harness.doJSON(t, http.MethodPost, "/api/capsules/create/", map[string]any{
		"title":           "Missing date",
		"recipient_email": "one@example.com",
	}, bearer)
	if recorder.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", recorder.Code)
	}
	var payload map[string]string
	decodeBody(t, recorder, &payload)
	if payload["field"] != "delivery_date" {
		t.Fatalf("expected delivery_date error, got %v", payload)
	}

	textOnly := harness.doJSON(t, http.MethodPost, "/api/capsules/create/", map[string]any{
		"title":           "Text only",
		"text_content":    "hi",
		"delivery_date":   time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
		"recipient_email": "one@example.com",
	}, bearer)
	if textOnly.Code != http.StatusCreated {
		t.Fatalf("text only capsule: expected 201, got %d: %s", textOnly.Code, textOnly.Body.String())
	}
}

func TestNotificationAndSharedEndpoints(t *testing.T) {
	t.Helper()

	harness := newTestHarness(t, 100)
	session := harness.registerAndLogin(t, "reader@example.com")
	bearer := "Bearer " + session.Tokens.Access

	count := harness.doJSON(t, http.MethodGet, "/api/notifications/unread-count", nil, bearer)
	var unread map[string]int64
	decodeBody(t, count, &unread)
	if count.Code != http.StatusOK || unread["unread_count"] != 0 {
		t.Fatalf("unread count: got %d %v", count.Code, unread)
	}
	missing := harness.doJSON(t, http.MethodPost, "/api/notifications/42/read", nil, bearer)
	if missing.Code != http.StatusNotFound {
		t.Fatalf("unknown notification: expected 404, got %d", missing.Code)
	}
	readAll := harness.doJSON(t, http.MethodPost, "/api/notifications/read-all", nil, bearer)
	if readAll.Code != http.StatusOK {
		t.Fatalf("read-all: expected 200, got %d", readAll.Code)
	}

	shared := harness.do(t, http.MethodGet, "/api/shared/unknown-token", nil, nil)
	if shared.Code != http.StatusNotFound {
		t.Fatalf("unknown share token: expected 404, got %d", shared.Code)
	}
	content := harness.do(t, http.MethodGet, "/api/shared/unknown-token/contents/abc", nil, nil)
	if content.Code != http.StatusNotFound {
		t.Fatalf("unknown share content: expected 404, got %d", content.Code)
	}
}

func TestNewServerValidatesConfig(t *testing.T) {
	t.Helper()

	if _, err := NewServer(Config{}); err == nil {
		t.Fatalf("expected error for empty config")
	}
}
