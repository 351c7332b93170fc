package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/tyemirov/timecapsule/internal/metrics"
	"github.com/tyemirov/timecapsule/internal/model"
	"golang.org/x/time/rate"
	"gorm.io/gorm"
)

const (
	defaultBatchSize     = 50
	defaultLeaseDuration = 5 * time.Minute
	maxBackoffShift      = 16
)

// DeliveryService moves due capsules to their recipients.
type DeliveryService interface {
	// ProcessDue claims due capsules and attempts delivery of each one.
	ProcessDue(ctx context.Context) (DeliveryPassResult, error)
	// StartWorker runs ProcessDue on every tick until ctx is cancelled.
	StartWorker(ctx context.Context)
}

// DeliveryPassResult summarizes one ProcessDue run.
type DeliveryPassResult struct {
	Claimed   int
	Delivered int
	Requeued  int
	Failed    int
}

type DeliveryServiceConfig struct {
	Database        *gorm.DB
	Logger          *slog.Logger
	Notifications   NotificationService
	EmailSender     EmailSender
	SmsSender       SmsSender
	FrontendBaseURL string
	MaxRetries      int
	RetryInterval   time.Duration
	BatchSize       int
	LeaseDuration   time.Duration
	SendLimiter     *rate.Limiter
	WorkerID        string
}

type deliveryServiceImpl struct {
	database        *gorm.DB
	logger          *slog.Logger
	notifications   NotificationService
	emailSender     EmailSender
	smsSender       SmsSender
	frontendBaseURL string
	maxRetries      int
	retryInterval   time.Duration
	batchSize       int
	leaseDuration   time.Duration
	sendLimiter     *rate.Limiter
	workerID        string
	now             func() time.Time
}

func NewDeliveryService(config DeliveryServiceConfig) (DeliveryService, error) {
	if config.Database == nil || config.Logger == nil || config.Notifications == nil || config.EmailSender == nil {
		return nil, errors.New("delivery service: missing dependency")
	}
	if config.MaxRetries <= 0 {
		return nil, errors.New("delivery service: max retries must be positive")
	}
	if config.RetryInterval <= 0 {
		return nil, errors.New("delivery service: retry interval must be positive")
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	leaseDuration := config.LeaseDuration
	if leaseDuration <= 0 {
		leaseDuration = defaultLeaseDuration
	}
	sendLimiter := config.SendLimiter
	if sendLimiter == nil {
		sendLimiter = rate.NewLimiter(rate.Inf, 1)
	}
	workerID := config.WorkerID
	if workerID == "" {
		hostname, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8])
	}
	return &deliveryServiceImpl{
		database:        config.Database,
		logger:          config.Logger,
		notifications:   config.Notifications,
		emailSender:     config.EmailSender,
		smsSender:       config.SmsSender,
		frontendBaseURL: config.FrontendBaseURL,
		maxRetries:      config.MaxRetries,
		retryInterval:   config.RetryInterval,
		batchSize:       batchSize,
		leaseDuration:   leaseDuration,
		sendLimiter:     sendLimiter,
		workerID:        workerID,
		now:             func() time.Time { return time.Now().UTC() },
	}, nil
}

func (serviceInstance *deliveryServiceImpl) StartWorker(ctx context.Context) {
	workerTicker := time.NewTicker(serviceInstance.retryInterval)
	defer workerTicker.Stop()

	serviceInstance.logger.Info(
		"delivery_worker_started",
		"worker_id", serviceInstance.workerID,
		"interval", serviceInstance.retryInterval,
		"max_retries", serviceInstance.maxRetries,
	)
	for {
		select {
		case <-ctx.Done():
			serviceInstance.logger.Info("delivery_worker_stopped", "worker_id", serviceInstance.workerID)
			return
		case <-workerTicker.C:
			if _, err := serviceInstance.ProcessDue(ctx); err != nil && !errors.Is(err, context.Canceled) {
				serviceInstance.logger.Error("delivery_pass_failed", "error", err)
			}
		}
	}
}

func (serviceInstance *deliveryServiceImpl) ProcessDue(ctx context.Context) (DeliveryPassResult, error) {
	passStart := time.Now()
	defer func() { metrics.DeliveryPassDuration.Observe(time.Since(passStart).Seconds()) }()

	var result DeliveryPassResult
	currentTime := serviceInstance.now()
	candidateIDs, err := model.ListClaimableCapsuleIDs(ctx, serviceInstance.database, currentTime, serviceInstance.batchSize)
	if err != nil {
		return result, fmt.Errorf("list due capsules: %w", err)
	}
	for _, capsuleID := range candidateIDs {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		claimTime := serviceInstance.now()
		claimed, err := model.ClaimCapsule(ctx, serviceInstance.database, capsuleID, serviceInstance.workerID, claimTime, claimTime.Add(serviceInstance.leaseDuration))
		if err != nil {
			serviceInstance.logger.Error("capsule_claim_failed", "capsule_id", capsuleID, "error", err)
			continue
		}
		if !claimed {
			continue
		}
		result.Claimed++
		status, err := serviceInstance.deliverClaimed(ctx, capsuleID)
		if err != nil {
			serviceInstance.logger.Error("capsule_delivery_failed", "capsule_id", capsuleID, "error", err)
			continue
		}
		switch status {
		case model.CapsuleStatusDelivered:
			result.Delivered++
		case model.CapsuleStatusFailed:
			result.Failed++
		case model.CapsuleStatusPending:
			result.Requeued++
		}
	}
	metrics.ClaimedBatchSize.Set(float64(result.Claimed))
	if result.Claimed > 0 {
		serviceInstance.logger.Info(
			"delivery_pass_completed",
			"claimed", result.Claimed,
			"delivered", result.Delivered,
			"requeued", result.Requeued,
			"failed", result.Failed,
		)
	}
	return result, nil
}

// deliverClaimed runs one attempt for a capsule this worker holds the lease on and
// returns the status the capsule was left in.
func (serviceInstance *deliveryServiceImpl) deliverClaimed(ctx context.Context, capsuleID uint) (model.CapsuleStatus, error) {
	capsule, err := model.GetCapsuleByID(ctx, serviceInstance.database, capsuleID)
	if err != nil {
		return "", err
	}
	owner, err := model.GetUserByID(ctx, serviceInstance.database, capsule.OwnerID)
	if err != nil {
		return "", err
	}
	recipients, err := model.ListRecipients(ctx, serviceInstance.database, capsule.ID)
	if err != nil {
		return "", err
	}
	emails := make([]string, 0, len(recipients))
	for _, recipient := range recipients {
		emails = append(emails, recipient.RecipientEmail)
	}
	registered, err := model.FindUsersByEmails(ctx, serviceInstance.database, emails)
	if err != nil {
		return "", err
	}

	attempt := capsule.AttemptCount + 1
	exhausted := attempt >= serviceInstance.maxRetries
	ownerName := ownerDisplayName(owner.Name, owner.Email)
	var pendingRecipients []*model.CapsuleRecipient
	for index := range recipients {
		recipient := &recipients[index]
		if recipient.Delivered() {
			continue
		}
		var registeredUser *model.User
		if user, ok := registered[recipient.RecipientEmail]; ok {
			registeredUser = &user
		}
		if err := serviceInstance.sendLimiter.Wait(ctx); err != nil {
			return "", err
		}
		renewed, err := model.RenewLease(ctx, serviceInstance.database, capsule.ID, serviceInstance.workerID, serviceInstance.now().Add(serviceInstance.leaseDuration))
		if err != nil {
			return "", err
		}
		if !renewed {
			serviceInstance.logger.Warn("capsule_lease_lost", "capsule_id", capsule.ID, "worker_id", serviceInstance.workerID)
			return "", nil
		}
		delivered := serviceInstance.attemptRecipient(ctx, *capsule, ownerName, recipient, registeredUser)
		if !delivered {
			pendingRecipients = append(pendingRecipients, recipient)
		}
	}

	currentTime := serviceInstance.now()
	updates := map[string]any{"attempt_count": attempt}
	var outcome model.CapsuleStatus
	switch {
	case len(pendingRecipients) == 0:
		outcome = model.CapsuleStatusDelivered
		updates["status"] = model.CapsuleStatusDelivered
		updates["is_delivered"] = true
		updates["delivered_at"] = currentTime
		updates["next_attempt_at"] = nil
	case exhausted:
		outcome = model.CapsuleStatusFailed
		updates["status"] = model.CapsuleStatusFailed
		updates["next_attempt_at"] = nil
		for _, recipient := range pendingRecipients {
			recipient.ReceivedStatus = model.RecipientFailed
			if err := model.SaveRecipient(ctx, serviceInstance.database, recipient); err != nil {
				serviceInstance.logger.Error("recipient_update_failed", "recipient_id", recipient.ID, "error", err)
			}
		}
	default:
		outcome = model.CapsuleStatusPending
		updates["status"] = model.CapsuleStatusPending
		updates["next_attempt_at"] = currentTime.Add(serviceInstance.backoff(attempt))
	}

	finished, err := model.FinishClaim(ctx, serviceInstance.database, capsule.ID, serviceInstance.workerID, updates)
	if err != nil {
		return "", err
	}
	if !finished {
		serviceInstance.logger.Warn("capsule_lease_lost", "capsule_id", capsule.ID, "worker_id", serviceInstance.workerID)
		return "", nil
	}

	capsuleRef := capsule.ID
	switch outcome {
	case model.CapsuleStatusDelivered:
		metrics.CapsulesDelivered.Inc()
		serviceInstance.logger.Info("capsule_delivered", "capsule_id", capsule.ID, "attempt", attempt, "recipients", len(recipients))
		serviceInstance.notifyOwner(ctx, owner.ID, &capsuleRef, model.NotificationDeliverySuccess,
			fmt.Sprintf("Your time capsule %q was delivered.", capsule.Title))
	case model.CapsuleStatusFailed:
		metrics.CapsulesFailed.Inc()
		serviceInstance.logger.Error("capsule_delivery_exhausted", "capsule_id", capsule.ID, "attempt", attempt, "failed_recipients", len(pendingRecipients))
		serviceInstance.notifyOwner(ctx, owner.ID, &capsuleRef, model.NotificationDeliveryFail,
			fmt.Sprintf("Your time capsule %q could not be delivered to %d recipient(s).", capsule.Title, len(pendingRecipients)))
	default:
		metrics.CapsulesRequeued.Inc()
		serviceInstance.logger.Warn("capsule_delivery_requeued", "capsule_id", capsule.ID, "attempt", attempt, "next_attempt_at", updates["next_attempt_at"])
	}
	return outcome, nil
}

// attemptRecipient dispatches to one recipient, records the attempt and reports success.
func (serviceInstance *deliveryServiceImpl) attemptRecipient(ctx context.Context, capsule model.Capsule, ownerName string, recipient *model.CapsuleRecipient, registeredUser *model.User) bool {
	attemptedAt := serviceInstance.now()
	method, externalID, dispatchErr := serviceInstance.dispatch(ctx, capsule, ownerName, *recipient, registeredUser)

	recipient.AttemptCount++
	recipient.LastAttemptAt = &attemptedAt
	entry := model.DeliveryLog{
		CapsuleID:      capsule.ID,
		RecipientID:    recipient.ID,
		Attempt:        recipient.AttemptCount,
		Method:         method,
		RecipientEmail: recipient.RecipientEmail,
		Status:         model.DeliverySuccess,
		ExternalID:     externalID,
		AttemptedAt:    attemptedAt,
	}
	if registeredUser != nil {
		userID := registeredUser.ID
		entry.RecipientUserID = &userID
	}
	if dispatchErr != nil {
		entry.Status = model.DeliveryFailure
		entry.ErrorMessage = dispatchErr.Error()
		recipient.LastError = dispatchErr.Error()
		serviceInstance.logger.Error(
			"delivery_attempt_failed",
			"capsule_id", capsule.ID,
			"recipient_id", recipient.ID,
			"method", method,
			"attempt", recipient.AttemptCount,
			"error", dispatchErr,
		)
	} else {
		recipient.ReceivedStatus = model.RecipientSent
		recipient.SentAt = &attemptedAt
		recipient.LastError = ""
	}
	metrics.DeliveryAttempts.WithLabelValues(string(method), string(entry.Status)).Inc()

	if _, err := model.RecordDeliveryLog(ctx, serviceInstance.database, &entry); err != nil {
		serviceInstance.logger.Error("delivery_log_failed", "capsule_id", capsule.ID, "recipient_id", recipient.ID, "error", err)
	}
	if err := model.SaveRecipient(ctx, serviceInstance.database, recipient); err != nil {
		serviceInstance.logger.Error("recipient_update_failed", "recipient_id", recipient.ID, "error", err)
	}
	return dispatchErr == nil
}

// dispatch sends through the capsule's channel. In-app delivery to an address without an
// account and SMS delivery to a recipient without a phone number fall back to email.
func (serviceInstance *deliveryServiceImpl) dispatch(ctx context.Context, capsule model.Capsule, ownerName string, recipient model.CapsuleRecipient, registeredUser *model.User) (model.DeliveryMethod, string, error) {
	link := sharedLink(serviceInstance.frontendBaseURL, recipient.AccessToken)
	switch capsule.DeliveryMethod {
	case model.DeliveryMethodSMS:
		if recipient.RecipientPhone != "" {
			if serviceInstance.smsSender == nil {
				return model.DeliveryMethodSMS, "", ErrSMSDisabled
			}
			sid, err := serviceInstance.smsSender.SendSms(ctx, recipient.RecipientPhone, capsuleDeliverySMS(ownerName, link))
			return model.DeliveryMethodSMS, sid, err
		}
	case model.DeliveryMethodInApp:
		if registeredUser != nil {
			capsuleID := capsule.ID
			message := fmt.Sprintf("%s's time capsule %q is ready to open: %s", ownerName, capsule.Title, link)
			notification, err := serviceInstance.notifications.Notify(ctx, registeredUser.ID, &capsuleID, model.NotificationNewSharedCapsule, message)
			if err != nil {
				return model.DeliveryMethodInApp, "", err
			}
			return model.DeliveryMethodInApp, fmt.Sprintf("notification:%d", notification.ID), nil
		}
	}
	err := serviceInstance.emailSender.SendEmail(ctx, recipient.RecipientEmail, capsuleDeliverySubject(ownerName), capsuleDeliveryBody(ownerName, capsule.Title, link))
	return model.DeliveryMethodEmail, "", err
}

func (serviceInstance *deliveryServiceImpl) notifyOwner(ctx context.Context, ownerID uint, capsuleID *uint, notificationType model.NotificationType, message string) {
	if _, err := serviceInstance.notifications.Notify(ctx, ownerID, capsuleID, notificationType, message); err != nil {
		serviceInstance.logger.Error("owner_notification_failed", "user_id", ownerID, "error", err)
	}
}

// backoff is retryInterval * 2^attempt.
func (serviceInstance *deliveryServiceImpl) backoff(attempt int) time.Duration {
	shift := attempt
	if shift > maxBackoffShift {
		shift = maxBackoffShift
	}
	return serviceInstance.retryInterval * time.Duration(1<<uint(shift))
}
