// Package sweeper runs the periodic housekeeping jobs: releasing capsules of inactive
// owners to their transfer recipients and pruning old read notifications.
package sweeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/tyemirov/timecapsule/internal/metrics"
	"github.com/tyemirov/timecapsule/internal/model"
	"github.com/tyemirov/timecapsule/internal/service"
	"github.com/tyemirov/timecapsule/pkg/secret"
	"gorm.io/gorm"
)

var errTransferSkipped = errors.New("capsule left pending state before transfer")

type Config struct {
	Database              *gorm.DB
	Logger                *slog.Logger
	Notifications         service.NotificationService
	Secrets               *secret.Generator
	InactivityThreshold   time.Duration
	NotificationRetention time.Duration

	// Schedule is a five-field cron expression or a descriptor such as @daily.
	Schedule string
}

// Result reports what one sweep changed.
type Result struct {
	InactiveOwners      int
	CapsulesTransferred int
	NotificationsPruned int64
}

type Sweeper struct {
	database              *gorm.DB
	logger                *slog.Logger
	notifications         service.NotificationService
	secrets               *secret.Generator
	inactivityThreshold   time.Duration
	notificationRetention time.Duration
	schedule              cron.Schedule
	tokenLength           secret.ByteLength
	now                   func() time.Time
}

func New(config Config) (*Sweeper, error) {
	if config.Database == nil || config.Logger == nil || config.Notifications == nil || config.Secrets == nil {
		return nil, errors.New("sweeper: missing dependency")
	}
	if config.InactivityThreshold <= 0 {
		return nil, errors.New("sweeper: inactivity threshold must be positive")
	}
	if config.NotificationRetention <= 0 {
		return nil, errors.New("sweeper: notification retention must be positive")
	}
	// POSIX cron fields without seconds, plus @daily style descriptors.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	schedule, err := parser.Parse(config.Schedule)
	if err != nil {
		return nil, fmt.Errorf("sweeper: invalid schedule %q: %w", config.Schedule, err)
	}
	return &Sweeper{
		database:              config.Database,
		logger:                config.Logger.With(slog.String("component", "sweeper")),
		notifications:         config.Notifications,
		secrets:               config.Secrets,
		inactivityThreshold:   config.InactivityThreshold,
		notificationRetention: config.NotificationRetention,
		schedule:              schedule,
		tokenLength:           secret.TokenByteLength(),
		now:                   func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run schedules the sweep and blocks until ctx is cancelled, then waits for a running
// sweep to finish.
func (sweeper *Sweeper) Run(ctx context.Context) {
	scheduler := cron.New(cron.WithLocation(time.UTC))
	scheduler.Schedule(sweeper.schedule, cron.FuncJob(func() {
		if _, err := sweeper.RunOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			sweeper.logger.Error("sweep_failed", "error", err)
		}
	}))
	scheduler.Start()
	sweeper.logger.Info("sweeper_started", "next_run", sweeper.schedule.Next(sweeper.now()))

	<-ctx.Done()
	<-scheduler.Stop().Done()
	sweeper.logger.Info("sweeper_stopped")
}

// RunOnce performs the inactivity transfer followed by notification pruning.
func (sweeper *Sweeper) RunOnce(ctx context.Context) (Result, error) {
	var result Result
	owners, transferred, err := sweeper.TransferInactive(ctx)
	result.InactiveOwners = owners
	result.CapsulesTransferred = transferred
	if err != nil {
		return result, err
	}
	pruned, err := sweeper.notifications.PruneRead(ctx, sweeper.notificationRetention)
	if err != nil {
		return result, fmt.Errorf("prune notifications: %w", err)
	}
	result.NotificationsPruned = pruned
	metrics.NotificationsPruned.Add(float64(pruned))
	sweeper.logger.Info(
		"sweep_completed",
		"inactive_owners", result.InactiveOwners,
		"capsules_transferred", result.CapsulesTransferred,
		"notifications_pruned", result.NotificationsPruned,
	)
	return result, nil
}

// TransferInactive releases every pending transfer-flagged capsule of owners whose last
// sign of life predates the inactivity threshold. The transfer recipient is added and the
// delivery date is pulled forward so the delivery worker picks it up on its next pass.
func (sweeper *Sweeper) TransferInactive(ctx context.Context) (int, int, error) {
	currentTime := sweeper.now()
	owners, err := model.ListInactiveOwners(ctx, sweeper.database, currentTime.Add(-sweeper.inactivityThreshold))
	if err != nil {
		return 0, 0, fmt.Errorf("list inactive owners: %w", err)
	}
	transferred := 0
	for _, owner := range owners {
		capsules, err := model.ListPendingTransferCapsules(ctx, sweeper.database, owner.ID)
		if err != nil {
			return len(owners), transferred, err
		}
		for _, capsule := range capsules {
			if err := ctx.Err(); err != nil {
				return len(owners), transferred, err
			}
			if err := sweeper.transferCapsule(ctx, capsule, currentTime); err != nil {
				if errors.Is(err, errTransferSkipped) {
					continue
				}
				sweeper.logger.Error("capsule_transfer_failed", "capsule_id", capsule.ID, "error", err)
				continue
			}
			transferred++
			metrics.CapsulesTransferred.Inc()
			sweeper.logger.Info(
				"capsule_transferred",
				"capsule_id", capsule.ID,
				"owner_id", owner.ID,
				"last_seen", owner.LastSeen(),
			)
			capsuleID := capsule.ID
			message := fmt.Sprintf("Your time capsule %q was released to %s after a period of inactivity.", capsule.Title, capsule.TransferRecipientEmail)
			if _, err := sweeper.notifications.Notify(ctx, owner.ID, &capsuleID, model.NotificationTransfer, message); err != nil {
				sweeper.logger.Error("transfer_notification_failed", "capsule_id", capsule.ID, "error", err)
			}
		}
	}
	return len(owners), transferred, nil
}

func (sweeper *Sweeper) transferCapsule(ctx context.Context, capsule model.Capsule, currentTime time.Time) error {
	if capsule.TransferRecipientEmail == "" {
		return errTransferSkipped
	}
	accessToken, err := sweeper.secrets.GenerateSecret(ctx, sweeper.tokenLength)
	if err != nil {
		return err
	}
	return sweeper.database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		released, err := model.UpdateCapsuleIfStatus(ctx, tx, capsule.ID, []model.CapsuleStatus{model.CapsuleStatusPending}, map[string]any{
			"delivery_date":   currentTime,
			"next_attempt_at": nil,
			"transferred_at":  currentTime,
		})
		if err != nil {
			return err
		}
		if !released {
			return errTransferSkipped
		}
		_, err = model.AddRecipientIfAbsent(ctx, tx, &model.CapsuleRecipient{
			CapsuleID:      capsule.ID,
			RecipientEmail: model.NormalizeEmail(capsule.TransferRecipientEmail),
			ReceivedStatus: model.RecipientPending,
			AccessToken:    accessToken,
		})
		return err
	})
}
