package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/tyemirov/timecapsule/internal/media"
	"github.com/tyemirov/timecapsule/internal/metrics"
	"github.com/tyemirov/timecapsule/internal/model"
	"github.com/tyemirov/timecapsule/pkg/secret"
	"gorm.io/gorm"
)

const (
	maxTitleLength        = 255
	maxRecipientCount     = 20
	maxFileCount          = 10
	maxFileSizeBytes      = 25 * 1024 * 1024  // 25 MiB per file
	maxTotalFileSizeBytes = 100 * 1024 * 1024 // 100 MiB aggregate cap
	sniffLength           = 512
	deliveryTimeLayout    = "15:04"
	accessTokenByteLength = 32
	maxPhoneNumberLength  = 32
	maxFileNameLength     = 255
)

// CapsuleService defines owner-facing capsule management and recipient access.
type CapsuleService interface {
	CreateCapsule(ctx context.Context, ownerID uint, request CreateCapsuleRequest) (CapsuleResponse, error)
	// ListCapsules returns the owner's non-archived capsules, newest first.
	ListCapsules(ctx context.Context, ownerID uint, includeArchived bool) ([]CapsuleResponse, error)
	GetCapsule(ctx context.Context, ownerID uint, capsuleID uint) (CapsuleResponse, error)
	RescheduleCapsule(ctx context.Context, ownerID uint, capsuleID uint, request RescheduleRequest) (CapsuleResponse, error)
	CancelCapsule(ctx context.Context, ownerID uint, capsuleID uint) (CapsuleResponse, error)
	SetArchived(ctx context.Context, ownerID uint, capsuleID uint, archived bool) (CapsuleResponse, error)
	DeleteCapsule(ctx context.Context, ownerID uint, capsuleID uint) error
	DeliveryLogs(ctx context.Context, ownerID uint, capsuleID uint) ([]model.DeliveryLog, error)
	// OpenSharedCapsule resolves a recipient access token into the delivered capsule.
	OpenSharedCapsule(ctx context.Context, accessToken string) (SharedCapsuleResponse, error)
	OpenSharedContent(ctx context.Context, accessToken string, contentID string) (ContentDownload, error)
}

// UploadedFile is one attachment of a capsule being created.
type UploadedFile struct {
	FileName string
	Size     int64
	Reader   io.Reader
}

type CreateCapsuleRequest struct {
	Title                  string
	Description            string
	TextContent            string
	DeliveryDate           string
	DeliveryTime           string
	RecipientEmail         string
	RecipientEmails        []string
	RecipientPhone         string
	DeliveryMethod         string
	PrivacyStatus          string
	TransferOnInactivity   bool
	TransferRecipientEmail string
	Files                  []UploadedFile
}

type RescheduleRequest struct {
	DeliveryDate string `json:"delivery_date"`
	DeliveryTime string `json:"delivery_time"`
}

// ContentDownload streams one stored attachment. The caller closes Body.
type ContentDownload struct {
	FileName  string
	MimeType  string
	SizeBytes int64
	Body      io.ReadCloser
}

// CapsuleServiceConfig bundles the collaborators of the capsule service.
type CapsuleServiceConfig struct {
	Database      *gorm.DB
	Logger        *slog.Logger
	Media         media.Store
	Secrets       *secret.Generator
	Notifications NotificationService
	SMSEnabled    bool
}

type capsuleServiceImpl struct {
	database      *gorm.DB
	logger        *slog.Logger
	media         media.Store
	secrets       *secret.Generator
	notifications NotificationService
	smsEnabled    bool
	tokenLength   secret.ByteLength
	now           func() time.Time
}

func NewCapsuleService(config CapsuleServiceConfig) (CapsuleService, error) {
	if config.Database == nil || config.Logger == nil || config.Media == nil || config.Secrets == nil || config.Notifications == nil {
		return nil, errors.New("capsule service: missing dependency")
	}
	tokenLength, err := secret.NewByteLength(accessTokenByteLength)
	if err != nil {
		return nil, err
	}
	return &capsuleServiceImpl{
		database:      config.Database,
		logger:        config.Logger,
		media:         config.Media,
		secrets:       config.Secrets,
		notifications: config.Notifications,
		smsEnabled:    config.SMSEnabled,
		tokenLength:   tokenLength,
		now:           func() time.Time { return time.Now().UTC() },
	}, nil
}

func (serviceInstance *capsuleServiceImpl) CreateCapsule(ctx context.Context, ownerID uint, request CreateCapsuleRequest) (CapsuleResponse, error) {
	owner, err := model.GetUserByID(ctx, serviceInstance.database, ownerID)
	if err != nil {
		return CapsuleResponse{}, err
	}

	title := strings.TrimSpace(request.Title)
	if title == "" {
		return CapsuleResponse{}, newValidationError("title", "This field is required.")
	}
	if utf8.RuneCountInString(title) > maxTitleLength {
		return CapsuleResponse{}, newValidationError("title", "Ensure this field has no more than 255 characters.")
	}
	currentTime := serviceInstance.now()
	deliveryDate, err := parseDeliveryMoment(request.DeliveryDate, request.DeliveryTime)
	if err != nil {
		return CapsuleResponse{}, err
	}
	if !deliveryDate.After(currentTime) {
		return CapsuleResponse{}, newValidationError("delivery_date", "Delivery date must be in the future.")
	}
	recipientEmails, err := collectRecipients(request.RecipientEmail, request.RecipientEmails)
	if err != nil {
		return CapsuleResponse{}, err
	}

	deliveryMethod := model.DeliveryMethod(strings.ToLower(strings.TrimSpace(request.DeliveryMethod)))
	if deliveryMethod == "" {
		deliveryMethod = model.DeliveryMethodEmail
	}
	recipientPhone := strings.TrimSpace(request.RecipientPhone)
	switch deliveryMethod {
	case model.DeliveryMethodEmail, model.DeliveryMethodInApp:
	case model.DeliveryMethodSMS:
		if !serviceInstance.smsEnabled {
			return CapsuleResponse{}, newValidationError("delivery_method", ErrSMSDisabled.Error())
		}
		if len(recipientEmails) != 1 {
			return CapsuleResponse{}, newValidationError("delivery_method", "SMS delivery supports exactly one recipient.")
		}
		if recipientPhone == "" || len(recipientPhone) > maxPhoneNumberLength || !strings.HasPrefix(recipientPhone, "+") {
			return CapsuleResponse{}, newValidationError("recipient_phone", "Enter a phone number in international format.")
		}
	default:
		return CapsuleResponse{}, newValidationError("delivery_method", fmt.Sprintf("%q is not a valid choice.", request.DeliveryMethod))
	}

	privacyStatus := model.PrivacyStatus(strings.ToLower(strings.TrimSpace(request.PrivacyStatus)))
	switch privacyStatus {
	case "":
		privacyStatus = model.PrivacyPrivate
	case model.PrivacyPrivate, model.PrivacyShared:
	default:
		return CapsuleResponse{}, newValidationError("privacy_status", fmt.Sprintf("%q is not a valid choice.", request.PrivacyStatus))
	}
	if len(recipientEmails) > 1 {
		privacyStatus = model.PrivacyShared
	}

	transferEmail := ""
	if request.TransferOnInactivity {
		transferEmail, err = validateEmail("transfer_recipient_email", request.TransferRecipientEmail)
		if err != nil {
			return CapsuleResponse{}, err
		}
	}

	if len(request.Files) > maxFileCount {
		return CapsuleResponse{}, newValidationError("files", fmt.Sprintf("At most %d files may be attached.", maxFileCount))
	}
	var totalSize int64
	for _, file := range request.Files {
		if strings.TrimSpace(file.FileName) == "" || file.Reader == nil {
			return CapsuleResponse{}, newValidationError("files", "Every file needs a name and content.")
		}
		if file.Size <= 0 {
			return CapsuleResponse{}, newValidationError("files", fmt.Sprintf("File %q is empty.", file.FileName))
		}
		if file.Size > maxFileSizeBytes {
			return CapsuleResponse{}, newValidationError("files", fmt.Sprintf("File %q exceeds %d bytes.", file.FileName, maxFileSizeBytes))
		}
		totalSize += file.Size
	}
	if totalSize > maxTotalFileSizeBytes {
		return CapsuleResponse{}, newValidationError("files", fmt.Sprintf("Files exceed the total limit of %d bytes.", maxTotalFileSizeBytes))
	}

	capsule := model.Capsule{
		PublicID:               uuid.NewString(),
		OwnerID:                owner.ID,
		Title:                  title,
		Description:            strings.TrimSpace(request.Description),
		DeliveryDate:           deliveryDate,
		Status:                 model.CapsuleStatusPending,
		DeliveryMethod:         deliveryMethod,
		PrivacyStatus:          privacyStatus,
		TransferOnInactivity:   request.TransferOnInactivity,
		TransferRecipientEmail: transferEmail,
	}

	var contents []model.CapsuleContent
	if text := strings.TrimSpace(request.TextContent); text != "" {
		contents = append(contents, model.CapsuleContent{
			PublicID:    uuid.NewString(),
			ContentType: model.ContentText,
			TextContent: text,
			Order:       0,
		})
	}
	hasMedia := len(request.Files) > 0
	for _, file := range request.Files {
		content, err := serviceInstance.storeFile(ctx, capsule.PublicID, file, len(contents))
		if err != nil {
			serviceInstance.discardMedia(capsule.PublicID, hasMedia)
			return CapsuleResponse{}, err
		}
		contents = append(contents, content)
	}

	recipients := make([]model.CapsuleRecipient, 0, len(recipientEmails))
	for _, email := range recipientEmails {
		accessToken, err := serviceInstance.secrets.GenerateSecret(ctx, serviceInstance.tokenLength)
		if err != nil {
			serviceInstance.discardMedia(capsule.PublicID, hasMedia)
			return CapsuleResponse{}, err
		}
		recipient := model.CapsuleRecipient{
			RecipientEmail: email,
			ReceivedStatus: model.RecipientPending,
			AccessToken:    accessToken,
		}
		if deliveryMethod == model.DeliveryMethodSMS {
			recipient.RecipientPhone = recipientPhone
		}
		recipients = append(recipients, recipient)
	}

	if err := model.CreateCapsuleGraph(ctx, serviceInstance.database, &capsule, contents, recipients); err != nil {
		serviceInstance.discardMedia(capsule.PublicID, hasMedia)
		return CapsuleResponse{}, fmt.Errorf("store capsule: %w", err)
	}
	metrics.CapsulesCreated.Inc()
	serviceInstance.logger.Info(
		"capsule_created",
		"capsule_id", capsule.ID,
		"owner_id", owner.ID,
		"recipients", len(recipients),
		"delivery_method", capsule.DeliveryMethod,
		"delivery_date", capsule.DeliveryDate,
	)
	serviceInstance.announceToRegisteredRecipients(ctx, *owner, capsule, recipientEmails)

	return newCapsuleResponse(model.CapsuleDetails{Capsule: capsule, Contents: contents, Recipients: recipients}), nil
}

func (serviceInstance *capsuleServiceImpl) storeFile(ctx context.Context, capsulePublicID string, file UploadedFile, order int) (model.CapsuleContent, error) {
	buffered := bufio.NewReaderSize(file.Reader, sniffLength)
	head, err := buffered.Peek(sniffLength)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return model.CapsuleContent{}, fmt.Errorf("read %s: %w", file.FileName, err)
	}
	kind, mimeType, err := classifyFile(file.FileName, head)
	if err != nil {
		return model.CapsuleContent{}, err
	}

	contentPublicID := uuid.NewString()
	key := media.ContentKey(capsulePublicID, contentPublicID, file.FileName)
	// The declared size is enforced again on the stream itself.
	limited := &io.LimitedReader{R: buffered, N: file.Size + 1}
	counter := &countingReader{reader: limited}
	if err := serviceInstance.media.Put(ctx, key, counter); err != nil {
		return model.CapsuleContent{}, err
	}
	if counter.count != file.Size {
		return model.CapsuleContent{}, newValidationError("files", fmt.Sprintf("File %q size does not match its upload.", file.FileName))
	}
	return model.CapsuleContent{
		PublicID:    contentPublicID,
		ContentType: kind,
		FileKey:     key,
		FileName:    sanitizeFileName(file.FileName),
		MimeType:    mimeType,
		SizeBytes:   file.Size,
		Order:       order,
	}, nil
}

func (serviceInstance *capsuleServiceImpl) discardMedia(capsulePublicID string, stored bool) {
	if !stored {
		return
	}
	cleanupContext, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := serviceInstance.media.DeletePrefix(cleanupContext, media.CapsulePrefix(capsulePublicID)); err != nil {
		serviceInstance.logger.Error("capsule_media_cleanup_failed", "capsule_public_id", capsulePublicID, "error", err)
	}
}

func (serviceInstance *capsuleServiceImpl) announceToRegisteredRecipients(ctx context.Context, owner model.User, capsule model.Capsule, recipientEmails []string) {
	registered, err := model.FindUsersByEmails(ctx, serviceInstance.database, recipientEmails)
	if err != nil {
		serviceInstance.logger.Error("recipient_lookup_failed", "capsule_id", capsule.ID, "error", err)
		return
	}
	capsuleID := capsule.ID
	for _, email := range recipientEmails {
		user, ok := registered[email]
		if !ok || user.ID == owner.ID {
			continue
		}
		message := fmt.Sprintf("%s sealed a time capsule for you. It opens on %s.", ownerDisplayName(owner.Name, owner.Email), capsule.DeliveryDate.Format(model.DateLayout))
		if _, err := serviceInstance.notifications.Notify(ctx, user.ID, &capsuleID, model.NotificationNewSharedCapsule, message); err != nil {
			serviceInstance.logger.Error("shared_capsule_notification_failed", "capsule_id", capsule.ID, "user_id", user.ID, "error", err)
		}
	}
}

func (serviceInstance *capsuleServiceImpl) ListCapsules(ctx context.Context, ownerID uint, includeArchived bool) ([]CapsuleResponse, error) {
	capsules, err := model.ListCapsulesForOwner(ctx, serviceInstance.database, ownerID, includeArchived)
	if err != nil {
		return nil, err
	}
	details, err := model.LoadCapsuleDetails(ctx, serviceInstance.database, capsules)
	if err != nil {
		return nil, err
	}
	responses := make([]CapsuleResponse, 0, len(details))
	for _, detail := range details {
		responses = append(responses, newCapsuleResponse(detail))
	}
	return responses, nil
}

func (serviceInstance *capsuleServiceImpl) GetCapsule(ctx context.Context, ownerID uint, capsuleID uint) (CapsuleResponse, error) {
	capsule, err := model.GetCapsuleForOwner(ctx, serviceInstance.database, ownerID, capsuleID)
	if err != nil {
		return CapsuleResponse{}, err
	}
	return serviceInstance.describe(ctx, *capsule)
}

func (serviceInstance *capsuleServiceImpl) describe(ctx context.Context, capsule model.Capsule) (CapsuleResponse, error) {
	details, err := model.LoadCapsuleDetails(ctx, serviceInstance.database, []model.Capsule{capsule})
	if err != nil {
		return CapsuleResponse{}, err
	}
	return newCapsuleResponse(details[0]), nil
}

func (serviceInstance *capsuleServiceImpl) RescheduleCapsule(ctx context.Context, ownerID uint, capsuleID uint, request RescheduleRequest) (CapsuleResponse, error) {
	capsule, err := model.GetCapsuleForOwner(ctx, serviceInstance.database, ownerID, capsuleID)
	if err != nil {
		return CapsuleResponse{}, err
	}
	deliveryDate, err := parseDeliveryMoment(request.DeliveryDate, request.DeliveryTime)
	if err != nil {
		return CapsuleResponse{}, err
	}
	if !deliveryDate.After(serviceInstance.now()) {
		return CapsuleResponse{}, newValidationError("delivery_date", "Delivery date must be in the future.")
	}
	return serviceInstance.transition(ctx, capsule.ID, []model.CapsuleStatus{model.CapsuleStatusPending}, map[string]any{
		"delivery_date":   deliveryDate,
		"next_attempt_at": nil,
	}, ErrCapsuleNotEditable)
}

func (serviceInstance *capsuleServiceImpl) CancelCapsule(ctx context.Context, ownerID uint, capsuleID uint) (CapsuleResponse, error) {
	capsule, err := model.GetCapsuleForOwner(ctx, serviceInstance.database, ownerID, capsuleID)
	if err != nil {
		return CapsuleResponse{}, err
	}
	response, err := serviceInstance.transition(ctx, capsule.ID, []model.CapsuleStatus{model.CapsuleStatusPending}, map[string]any{
		"status":          model.CapsuleStatusCancelled,
		"next_attempt_at": nil,
	}, ErrCapsuleNotEditable)
	if err == nil {
		serviceInstance.logger.Info("capsule_cancelled", "capsule_id", capsule.ID, "owner_id", ownerID)
	}
	return response, err
}

func (serviceInstance *capsuleServiceImpl) SetArchived(ctx context.Context, ownerID uint, capsuleID uint, archived bool) (CapsuleResponse, error) {
	capsule, err := model.GetCapsuleForOwner(ctx, serviceInstance.database, ownerID, capsuleID)
	if err != nil {
		return CapsuleResponse{}, err
	}
	capsule.IsArchived = archived
	if err := serviceInstance.database.WithContext(ctx).Model(capsule).Update("is_archived", archived).Error; err != nil {
		return CapsuleResponse{}, err
	}
	return serviceInstance.describe(ctx, *capsule)
}

func (serviceInstance *capsuleServiceImpl) transition(ctx context.Context, capsuleID uint, expected []model.CapsuleStatus, updates map[string]any, conflict error) (CapsuleResponse, error) {
	updated, err := model.UpdateCapsuleIfStatus(ctx, serviceInstance.database, capsuleID, expected, updates)
	if err != nil {
		return CapsuleResponse{}, err
	}
	if !updated {
		return CapsuleResponse{}, conflict
	}
	capsule, err := model.GetCapsuleByID(ctx, serviceInstance.database, capsuleID)
	if err != nil {
		return CapsuleResponse{}, err
	}
	return serviceInstance.describe(ctx, *capsule)
}

func (serviceInstance *capsuleServiceImpl) DeleteCapsule(ctx context.Context, ownerID uint, capsuleID uint) error {
	capsule, err := model.GetCapsuleForOwner(ctx, serviceInstance.database, ownerID, capsuleID)
	if err != nil {
		return err
	}
	if err := model.DeleteCapsuleGraph(ctx, serviceInstance.database, capsule.ID); err != nil {
		if errors.Is(err, model.ErrCapsuleLeased) {
			return ErrCapsuleInFlight
		}
		return err
	}
	if err := serviceInstance.media.DeletePrefix(ctx, media.CapsulePrefix(capsule.PublicID)); err != nil {
		serviceInstance.logger.Error("capsule_media_cleanup_failed", "capsule_id", capsule.ID, "error", err)
	}
	serviceInstance.logger.Info("capsule_deleted", "capsule_id", capsule.ID, "owner_id", ownerID)
	return nil
}

func (serviceInstance *capsuleServiceImpl) DeliveryLogs(ctx context.Context, ownerID uint, capsuleID uint) ([]model.DeliveryLog, error) {
	capsule, err := model.GetCapsuleForOwner(ctx, serviceInstance.database, ownerID, capsuleID)
	if err != nil {
		return nil, err
	}
	return model.ListDeliveryLogs(ctx, serviceInstance.database, capsule.ID)
}

func (serviceInstance *capsuleServiceImpl) sharedCapsule(ctx context.Context, accessToken string) (*model.CapsuleRecipient, *model.Capsule, error) {
	if strings.TrimSpace(accessToken) == "" {
		return nil, nil, ErrCapsuleNotShared
	}
	recipient, err := model.GetRecipientByAccessToken(ctx, serviceInstance.database, accessToken)
	if err != nil {
		if errors.Is(err, model.ErrRecipientNotFound) {
			return nil, nil, ErrCapsuleNotShared
		}
		return nil, nil, err
	}
	capsule, err := model.GetCapsuleByID(ctx, serviceInstance.database, recipient.CapsuleID)
	if err != nil {
		if errors.Is(err, model.ErrCapsuleNotFound) {
			return nil, nil, ErrCapsuleNotShared
		}
		return nil, nil, err
	}
	if !capsule.IsDelivered || !recipient.Delivered() {
		return nil, nil, ErrCapsuleNotShared
	}
	return recipient, capsule, nil
}

func (serviceInstance *capsuleServiceImpl) OpenSharedCapsule(ctx context.Context, accessToken string) (SharedCapsuleResponse, error) {
	recipient, capsule, err := serviceInstance.sharedCapsule(ctx, accessToken)
	if err != nil {
		return SharedCapsuleResponse{}, err
	}
	if recipient.OpenedAt == nil {
		if err := model.MarkRecipientOpened(ctx, serviceInstance.database, recipient.ID, serviceInstance.now()); err != nil {
			return SharedCapsuleResponse{}, err
		}
		serviceInstance.logger.Info("capsule_opened", "capsule_id", capsule.ID, "recipient_id", recipient.ID)
	}
	owner, err := model.GetUserByID(ctx, serviceInstance.database, capsule.OwnerID)
	if err != nil {
		return SharedCapsuleResponse{}, err
	}
	contents, err := model.ListContents(ctx, serviceInstance.database, capsule.ID)
	if err != nil {
		return SharedCapsuleResponse{}, err
	}
	response := SharedCapsuleResponse{
		Title:        capsule.Title,
		Description:  capsule.Description,
		OwnerName:    ownerDisplayName(owner.Name, owner.Email),
		DeliveryDate: capsule.DeliveryDate.UTC(),
		DeliveredAt:  capsule.DeliveredAt,
		Contents:     make([]ContentResponse, 0, len(contents)),
	}
	for _, content := range contents {
		response.Contents = append(response.Contents, newContentResponse(content, accessToken))
	}
	return response, nil
}

func (serviceInstance *capsuleServiceImpl) OpenSharedContent(ctx context.Context, accessToken string, contentID string) (ContentDownload, error) {
	_, capsule, err := serviceInstance.sharedCapsule(ctx, accessToken)
	if err != nil {
		return ContentDownload{}, err
	}
	content, err := model.GetContent(ctx, serviceInstance.database, capsule.ID, contentID)
	if err != nil {
		return ContentDownload{}, err
	}
	if content.FileKey == "" {
		return ContentDownload{}, model.ErrContentNotFound
	}
	body, err := serviceInstance.media.Open(ctx, content.FileKey)
	if err != nil {
		return ContentDownload{}, err
	}
	return ContentDownload{
		FileName:  content.FileName,
		MimeType:  content.MimeType,
		SizeBytes: content.SizeBytes,
		Body:      body,
	}, nil
}

// parseDeliveryMoment accepts RFC3339, or a YYYY-MM-DD date with an optional HH:MM time in UTC.
// delivery_time is rejected alongside an RFC3339 date.
func parseDeliveryMoment(rawDate string, rawTime string) (time.Time, error) {
	dateValue := strings.TrimSpace(rawDate)
	if dateValue == "" {
		return time.Time{}, newValidationError("delivery_date", "This field is required.")
	}
	timeValue := strings.TrimSpace(rawTime)
	if parsed, err := time.Parse(time.RFC3339, dateValue); err == nil {
		if timeValue != "" {
			return time.Time{}, newValidationError("delivery_time", "Omit delivery_time when delivery_date already carries a time.")
		}
		return parsed.UTC(), nil
	}
	parsed, err := time.Parse(model.DateLayout, dateValue)
	if err != nil {
		return time.Time{}, newValidationError("delivery_date", "Use YYYY-MM-DD or an RFC3339 timestamp.")
	}
	if timeValue != "" {
		clock, err := time.Parse(deliveryTimeLayout, timeValue)
		if err != nil {
			return time.Time{}, newValidationError("delivery_time", "Use HH:MM.")
		}
		parsed = parsed.Add(time.Duration(clock.Hour())*time.Hour + time.Duration(clock.Minute())*time.Minute)
	}
	return parsed.UTC(), nil
}

func collectRecipients(single string, many []string) ([]string, error) {
	candidates := make([]string, 0, len(many)+1)
	if strings.TrimSpace(single) != "" {
		candidates = append(candidates, single)
	}
	for _, entry := range many {
		for _, part := range strings.Split(entry, ",") {
			if strings.TrimSpace(part) != "" {
				candidates = append(candidates, part)
			}
		}
	}
	if len(candidates) == 0 {
		return nil, newValidationError("recipient_email", "At least one recipient is required.")
	}
	seen := make(map[string]struct{}, len(candidates))
	recipients := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		email, err := validateEmail("recipient_email", candidate)
		if err != nil {
			return nil, err
		}
		if _, duplicate := seen[email]; duplicate {
			continue
		}
		seen[email] = struct{}{}
		recipients = append(recipients, email)
	}
	if len(recipients) > maxRecipientCount {
		return nil, newValidationError("recipient_emails", fmt.Sprintf("At most %d recipients are allowed.", maxRecipientCount))
	}
	return recipients, nil
}

func sanitizeFileName(fileName string) string {
	base := fileName
	if index := strings.LastIndexAny(base, `/\`); index >= 0 {
		base = base[index+1:]
	}
	base = sanitizeHeaderValue(strings.ReplaceAll(base, `"`, ""))
	if utf8.RuneCountInString(base) > maxFileNameLength {
		runes := []rune(base)
		base = string(runes[len(runes)-maxFileNameLength:])
	}
	return base
}

type countingReader struct {
	reader io.Reader
	count  int64
}

func (counter *countingReader) Read(buffer []byte) (int, error) {
	read, err := counter.reader.Read(buffer)
	counter.count += int64(read)
	return read, err
}
