package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/tyemirov/timecapsule/internal/auth"
	"github.com/tyemirov/timecapsule/internal/config"
	"github.com/tyemirov/timecapsule/internal/httpapi"
	"github.com/tyemirov/timecapsule/internal/media"
	"github.com/tyemirov/timecapsule/internal/seed"
	"github.com/tyemirov/timecapsule/internal/service"
	"github.com/tyemirov/timecapsule/internal/sweeper"
	"github.com/tyemirov/timecapsule/pkg/db"
	"github.com/tyemirov/timecapsule/pkg/logging"
	"github.com/tyemirov/timecapsule/pkg/secret"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

// application holds the collaborators shared by every subcommand.
type application struct {
	configuration config.Config
	logger        *slog.Logger
	database      *gorm.DB
	secrets       *secret.Generator
	notifications service.NotificationService
	emailSender   service.EmailSender
	smsSender     service.SmsSender
}

func newApplication(loader ConfigLoader, logOutput io.Writer) (*application, error) {
	configuration, err := loader()
	if err != nil {
		fallbackLogger := logging.NewLoggerWithFormat("INFO", "text", logOutput)
		for _, detail := range strings.Split(err.Error(), ", ") {
			fallbackLogger.Error("configuration_error", "detail", detail)
		}
		return nil, err
	}
	logger := logging.NewLoggerWithFormat(configuration.LogLevel, configuration.LogFormat, logOutput)

	database, err := db.InitDB(configuration.DatabaseDriver, configuration.DatabaseDSN, logger)
	if err != nil {
		return nil, fmt.Errorf("initialize database: %w", err)
	}
	secrets, err := secret.NewCryptoGenerator()
	if err != nil {
		return nil, err
	}

	app := &application{
		configuration: configuration,
		logger:        logger,
		database:      database,
		secrets:       secrets,
		notifications: service.NewNotificationService(database, logger),
		emailSender: service.NewSMTPEmailSender(service.SMTPConfig{
			Host:              configuration.SMTPHost,
			Port:              strconv.Itoa(configuration.SMTPPort),
			Username:          configuration.SMTPUsername,
			Password:          configuration.SMTPPassword,
			FromAddress:       configuration.FromEmail,
			ConnectionTimeout: configuration.ConnectionTimeout(),
			OperationTimeout:  configuration.OperationTimeout(),
		}, logger),
	}
	if configuration.TwilioConfigured() {
		app.smsSender = service.NewTwilioSmsSender(
			configuration.TwilioAccountSID,
			configuration.TwilioAuthToken,
			configuration.TwilioFromNumber,
			configuration.OperationTimeout(),
			logger,
		)
	} else {
		logger.Warn("sms_delivery_disabled", "reason", "missing Twilio credentials")
	}
	return app, nil
}

func (app *application) close() {
	sqlDB, err := app.database.DB()
	if err == nil {
		_ = sqlDB.Close()
	}
}

func (app *application) mediaStore() (media.Store, error) {
	return media.NewStore(media.Options{
		Backend:           app.configuration.MediaStorage,
		Root:              app.configuration.MediaRoot,
		EncryptionKey:     app.configuration.MediaEncryptionKey,
		S3URL:             app.configuration.S3URL,
		S3AccessKeyID:     app.configuration.S3AccessKeyID,
		S3SecretAccessKey: app.configuration.S3SecretAccessKey,
		S3Bucket:          app.configuration.S3Bucket,
		S3Region:          app.configuration.S3Region,
		S3UsePathStyle:    app.configuration.S3UsePathStyle,
	})
}

func (app *application) deliveryService() (service.DeliveryService, error) {
	limiter := rate.NewLimiter(rate.Inf, 1)
	if app.configuration.DeliveryRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(app.configuration.DeliveryRatePerSec), app.configuration.DeliveryRatePerSec)
	}
	return service.NewDeliveryService(service.DeliveryServiceConfig{
		Database:        app.database,
		Logger:          app.logger,
		Notifications:   app.notifications,
		EmailSender:     app.emailSender,
		SmsSender:       app.smsSender,
		FrontendBaseURL: app.configuration.FrontendBaseURL,
		MaxRetries:      app.configuration.MaxRetries,
		RetryInterval:   app.configuration.RetryInterval(),
		BatchSize:       app.configuration.DeliveryBatchSize,
		LeaseDuration:   app.configuration.DeliveryLease(),
		SendLimiter:     limiter,
	})
}

func (app *application) sweeper() (*sweeper.Sweeper, error) {
	return sweeper.New(sweeper.Config{
		Database:              app.database,
		Logger:                app.logger,
		Notifications:         app.notifications,
		Secrets:               app.secrets,
		InactivityThreshold:   app.configuration.InactivityThreshold(),
		NotificationRetention: app.configuration.NotificationRetention(),
		Schedule:              app.configuration.InactivitySweepCron,
	})
}

func (app *application) httpServer() (*httpapi.Server, error) {
	issuer, err := auth.NewTokenIssuer(auth.TokenConfig{
		SigningKey: app.configuration.JWTSigningKey,
		Issuer:     app.configuration.JWTIssuer,
		AccessTTL:  app.configuration.AccessTokenTTL(),
		RefreshTTL: app.configuration.RefreshTokenTTL(),
	})
	if err != nil {
		return nil, err
	}
	accounts, err := service.NewAccountService(service.AccountServiceConfig{
		Database:    app.database,
		Logger:      app.logger,
		Tokens:      issuer,
		Secrets:     app.secrets,
		EmailSender: app.emailSender,
		OTPTTL:      app.configuration.OTPTTL(),
	})
	if err != nil {
		return nil, err
	}
	store, err := app.mediaStore()
	if err != nil {
		return nil, err
	}
	capsules, err := service.NewCapsuleService(service.CapsuleServiceConfig{
		Database:      app.database,
		Logger:        app.logger,
		Media:         store,
		Secrets:       app.secrets,
		Notifications: app.notifications,
		SMSEnabled:    app.smsSender != nil,
	})
	if err != nil {
		return nil, err
	}
	return httpapi.NewServer(httpapi.Config{
		ListenAddr:          app.configuration.HTTPListenAddr,
		AllowedOrigins:      app.configuration.HTTPAllowedOrigins,
		AccountService:      accounts,
		CapsuleService:      capsules,
		NotificationService: app.notifications,
		Logger:              app.logger,
		AuthRatePerSec:      app.configuration.AuthRatePerSec,
	})
}

func (app *application) seedUsers(ctx context.Context, path string) (int, error) {
	if strings.TrimSpace(path) == "" {
		return 0, errors.New("no seed file configured")
	}
	count, err := seed.UsersFromFile(ctx, app.database, path)
	if err != nil {
		return 0, err
	}
	app.logger.Info("users_seeded", "count", count, "path", path)
	return count, nil
}
