package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/tyemirov/timecapsule/internal/auth"
	"github.com/tyemirov/timecapsule/internal/model"
	"github.com/tyemirov/timecapsule/pkg/db"
	"github.com/tyemirov/timecapsule/pkg/secret"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newDiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func openIsolatedDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:service_%d?mode=memory&cache=shared", time.Now().UnixNano())
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

func newTestSecrets(t *testing.T) *secret.Generator {
	t.Helper()
	generator, err := secret.NewGenerator(rand.Reader)
	if err != nil {
		t.Fatalf("secret generator: %v", err)
	}
	return generator
}

func newTestTokenIssuer(t *testing.T) *auth.TokenIssuer {
	t.Helper()
	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{
		SigningKey: "test-signing-key",
		Issuer:     "timecapsule-test",
		AccessTTL:  15 * time.Minute,
		RefreshTTL: 24 * time.Hour,
	})
	if err != nil {
		t.Fatalf("token issuer: %v", err)
	}
	return issuer
}

func createServiceUser(t *testing.T, database *gorm.DB, email string, password string) model.User {
	t.Helper()
	passwordHash, err := auth.HashSecret(password)
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	user := model.User{Email: email, Name: "Owner " + email, PasswordHash: passwordHash, IsActive: true}
	if err := model.CreateUser(context.Background(), database, &user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	return user
}

type sentEmail struct {
	Recipient string
	Subject   string
	Body      string
}

type stubEmailSender struct {
	mu         sync.Mutex
	sent       []sentEmail
	failFor    map[string]bool
	sendErrors int
	beforeSend func(recipient string)
}

func (sender *stubEmailSender) SendEmail(_ context.Context, recipient string, subject string, body string) error {
	if sender.beforeSend != nil {
		sender.beforeSend(recipient)
	}
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.failFor[recipient] {
		sender.sendErrors++
		return errors.New("smtp: mailbox unavailable")
	}
	sender.sent = append(sender.sent, sentEmail{Recipient: recipient, Subject: subject, Body: body})
	return nil
}

func (sender *stubEmailSender) messages() []sentEmail {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	return append([]sentEmail(nil), sender.sent...)
}

type stubSmsSender struct {
	mu       sync.Mutex
	messages []string
	err      error
}

func (sender *stubSmsSender) SendSms(_ context.Context, recipient string, message string) (string, error) {
	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.err != nil {
		return "", sender.err
	}
	sender.messages = append(sender.messages, recipient+": "+message)
	return fmt.Sprintf("SM%d", len(sender.messages)), nil
}
