package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/tyemirov/timecapsule/internal/media"
	"github.com/tyemirov/timecapsule/internal/model"
	"gorm.io/gorm"
)

var pngHeader = append([]byte("\x89PNG\r\n\x1a\n"), bytes.Repeat([]byte{0}, 64)...)

func newTestCapsuleService(t *testing.T, database *gorm.DB) (*capsuleServiceImpl, *media.MemoryStore) {
	t.Helper()
	store := media.NewMemoryStore()
	serviceInstance, err := NewCapsuleService(CapsuleServiceConfig{
		Database:      database,
		Logger:        newDiscardLogger(),
		Media:         store,
		Secrets:       newTestSecrets(t),
		Notifications: NewNotificationService(database, newDiscardLogger()),
		SMSEnabled:    true,
	})
	if err != nil {
		t.Fatalf("NewCapsuleService error: %v", err)
	}
	return serviceInstance.(*capsuleServiceImpl), store
}

func futureDate(offset time.Duration) string {
	return time.Now().UTC().Add(offset).Format(time.RFC3339)
}

func uploadedFile(name string, data []byte) UploadedFile {
	return UploadedFile{FileName: name, Size: int64(len(data)), Reader: bytes.NewReader(data)}
}

func TestCreateCapsuleValidation(t *testing.T) {
	t.Helper()

	database := openIsolatedDatabase(t)
	serviceInstance, store := newTestCapsuleService(t, database)
	owner := createServiceUser(t, database, "owner@example.com", "password123")
	tooMany := make([]string, maxRecipientCount+1)
	for index := range tooMany {
		tooMany[index] = "r" + string(rune('a'+index)) + "@example.com"
	}

	testCases := []struct {
		name          string
		request       CreateCapsuleRequest
		expectedField string
	}{
		{
			name:          "MissingTitle",
			request:       CreateCapsuleRequest{DeliveryDate: futureDate(time.Hour), RecipientEmail: "r@example.com"},
			expectedField: "title",
		},
		{
			name:          "TitleTooLong",
			request:       CreateCapsuleRequest{Title: strings.Repeat("x", 256), DeliveryDate: futureDate(time.Hour), RecipientEmail: "r@example.com"},
			expectedField: "title",
		},
		{
			name:          "PastDeliveryDate",
			request:       CreateCapsuleRequest{Title: "Old", DeliveryDate: futureDate(-time.Hour), RecipientEmail: "r@example.com"},
			expectedField: "delivery_date",
		},
		{
			name:          "MalformedDeliveryTime",
			request:       CreateCapsuleRequest{Title: "Clock", DeliveryDate: "2999-01-01", DeliveryTime: "25:99", RecipientEmail: "r@example.com"},
			expectedField: "delivery_time",
		},
		{
			name:          "DeliveryTimeWithTimestamp",
			request:       CreateCapsuleRequest{Title: "Clock", DeliveryDate: futureDate(time.Hour), DeliveryTime: "09:30", RecipientEmail: "r@example.com"},
			expectedField: "delivery_time",
		},
		{
			name:          "MultibyteTitleTooLong",
			request:       CreateCapsuleRequest{Title: strings.Repeat("ж", 256), DeliveryDate: futureDate(time.Hour), RecipientEmail: "r@example.com"},
			expectedField: "title",
		},
		{
			name:          "MissingRecipient",
			request:       CreateCapsuleRequest{Title: "Nobody", DeliveryDate: futureDate(time.Hour)},
			expectedField: "recipient_email",
		},
		{
			name:          "TooManyRecipients",
			request:       CreateCapsuleRequest{Title: "Crowd", DeliveryDate: futureDate(time.Hour), RecipientEmails: tooMany},
			expectedField: "recipient_emails",
		},
		{
			name:          "UnknownDeliveryMethod",
			request:       CreateCapsuleRequest{Title: "Pigeon", DeliveryDate: futureDate(time.Hour), RecipientEmail: "r@example.com", DeliveryMethod: "pigeon"},
			expectedField: "delivery_method",
		},
		{
			name:          "SmsWithoutPhone",
			request:       CreateCapsuleRequest{Title: "Text", DeliveryDate: futureDate(time.Hour), RecipientEmail: "r@example.com", DeliveryMethod: "sms"},
			expectedField: "recipient_phone",
		},
		{
			name:          "TransferWithoutRecipient",
			request:       CreateCapsuleRequest{Title: "Legacy", DeliveryDate: futureDate(time.Hour), RecipientEmail: "r@example.com", TransferOnInactivity: true},
			expectedField: "transfer_recipient_email",
		},
		{
			name: "HTMLUpload",
			request: CreateCapsuleRequest{
				Title:          "Sneaky",
				DeliveryDate:   futureDate(time.Hour),
				RecipientEmail: "r@example.com",
				Files:          []UploadedFile{uploadedFile("page.txt", []byte("<html><body>hi</body></html>"))},
			},
			expectedField: "files",
		},
		{
			name: "MismatchedMediaKind",
			request: CreateCapsuleRequest{
				Title:          "Mislabelled",
				DeliveryDate:   futureDate(time.Hour),
				RecipientEmail: "r@example.com",
				Files:          []UploadedFile{uploadedFile("ok.png", pngHeader), uploadedFile("song.mp3", pngHeader)},
			},
			expectedField: "files",
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Helper()
			_, err := serviceInstance.CreateCapsule(context.Background(), owner.ID, testCase.request)
			var validationError *ValidationError
			if !errors.As(err, &validationError) {
				t.Fatalf("expected validation error, got %v", err)
			}
			if validationError.Field != testCase.expectedField {
				t.Fatalf("expected field %q, got %q (%s)", testCase.expectedField, validationError.Field, validationError.Message)
			}
		})
	}

	if keys := store.Keys(); len(keys) != 0 {
		t.Fatalf("rejected uploads left media behind: %v", keys)
	}
	var capsuleCount int64
	if err := database.Model(&model.Capsule{}).Count(&capsuleCount).Error; err != nil {
		t.Fatalf("count capsules: %v", err)
	}
	if capsuleCount != 0 {
		t.Fatalf("expected no capsules, got %d", capsuleCount)
	}
}

func TestCreateCapsuleCountsTitleInCharacters(t *testing.T) {
	t.Helper()

	database := openIsolatedDatabase(t)
	serviceInstance, _ := newTestCapsuleService(t, database)
	owner := createServiceUser(t, database, "owner@example.com", "password123")
	title := strings.Repeat("ж", 200)

	created, err := serviceInstance.CreateCapsule(context.Background(), owner.ID, CreateCapsuleRequest{
		Title:          title,
		DeliveryDate:   futureDate(time.Hour),
		RecipientEmail: "r@example.com",
	})
	if err != nil {
		t.Fatalf("CreateCapsule error: %v", err)
	}
	if created.Title != title {
		t.Fatalf("expected title to be stored unchanged")
	}
}

func TestParseDeliveryMoment(t *testing.T) {
	t.Helper()

	testCases := []struct {
		name          string
		date          string
		clock         string
		expected      time.Time
		expectedField string
	}{
		{name: "Timestamp", date: "2999-01-02T03:04:05+02:00", expected: time.Date(2999, 1, 2, 1, 4, 5, 0, time.UTC)},
		{name: "DateOnly", date: "2999-01-02", expected: time.Date(2999, 1, 2, 0, 0, 0, 0, time.UTC)},
		{name: "DateAndTime", date: "2999-01-02", clock: "18:45", expected: time.Date(2999, 1, 2, 18, 45, 0, 0, time.UTC)},
		{name: "TimestampWithTime", date: "2999-01-02T03:04:05Z", clock: "18:45", expectedField: "delivery_time"},
		{name: "Missing", date: " ", expectedField: "delivery_date"},
		{name: "Garbage", date: "next tuesday", expectedField: "delivery_date"},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Helper()
			parsed, err := parseDeliveryMoment(testCase.date, testCase.clock)
			if testCase.expectedField != "" {
				var validationError *ValidationError
				if !errors.As(err, &validationError) || validationError.Field != testCase.expectedField {
					t.Fatalf("expected %s validation error, got %v", testCase.expectedField, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !parsed.Equal(testCase.expected) {
				t.Fatalf("expected %s, got %s", testCase.expected, parsed)
			}
		})
	}
}

func TestSanitizeFileNameKeepsWholeCharacters(t *testing.T) {
	t.Helper()

	longName := strings.Repeat("ф", 300) + ".png"
	sanitized := sanitizeFileName("dir/" + longName)
	if !utf8.ValidString(sanitized) {
		t.Fatalf("sanitized name is not valid UTF-8")
	}
	if utf8.RuneCountInString(sanitized) != maxFileNameLength {
		t.Fatalf("expected %d characters, got %d", maxFileNameLength, utf8.RuneCountInString(sanitized))
	}
	if !strings.HasSuffix(sanitized, ".png") {
		t.Fatalf("expected extension to survive truncation, got %q", sanitized[len(sanitized)-8:])
	}
	if got := sanitizeFileName(`C:\photos\"beach".png`); got != "beach.png" {
		t.Fatalf("unexpected sanitized name %q", got)
	}
}

func TestCreateCapsuleStoresGraph(t *testing.T) {
	t.Helper()

	database := openIsolatedDatabase(t)
	serviceInstance, store := newTestCapsuleService(t, database)
	ctx := context.Background()
	owner := createServiceUser(t, database, "owner@example.com", "password123")
	friend := createServiceUser(t, database, "friend@example.com", "password123")

	response, err := serviceInstance.CreateCapsule(ctx, owner.ID, CreateCapsuleRequest{
		Title:           "  Letters  ",
		Description:     "For later",
		TextContent:     "Hello from the past",
		DeliveryDate:    "2999-06-01",
		DeliveryTime:    "09:30",
		RecipientEmail:  "Friend@Example.com",
		RecipientEmails: []string{"stranger@example.com, friend@example.com"},
		Files:           []UploadedFile{uploadedFile("Photo.PNG", pngHeader)},
	})
	if err != nil {
		t.Fatalf("CreateCapsule error: %v", err)
	}

	if response.Title != "Letters" || response.Status != model.CapsuleStatusPending {
		t.Fatalf("unexpected capsule %+v", response)
	}
	expectedDate := time.Date(2999, 6, 1, 9, 30, 0, 0, time.UTC)
	if !response.DeliveryDate.Equal(expectedDate) {
		t.Fatalf("expected delivery %v, got %v", expectedDate, response.DeliveryDate)
	}
	if response.PrivacyStatus != model.PrivacyShared {
		t.Fatalf("expected shared privacy for multiple recipients, got %q", response.PrivacyStatus)
	}
	if response.DeliveryMethod != model.DeliveryMethodEmail {
		t.Fatalf("expected default email delivery, got %q", response.DeliveryMethod)
	}
	if len(response.Recipients) != 2 {
		t.Fatalf("expected 2 deduplicated recipients, got %+v", response.Recipients)
	}
	if len(response.Contents) != 2 {
		t.Fatalf("expected text and file contents, got %+v", response.Contents)
	}
	if response.Contents[0].ContentType != model.ContentText || response.Contents[0].Order != 0 {
		t.Fatalf("expected text first, got %+v", response.Contents[0])
	}
	file := response.Contents[1]
	if file.ContentType != model.ContentImage || file.MimeType != "image/png" || file.Order != 1 {
		t.Fatalf("unexpected file content %+v", file)
	}
	if file.DownloadURL != "" {
		t.Fatalf("owner responses carry no download url")
	}
	keys := store.Keys()
	if len(keys) != 1 || !strings.HasPrefix(keys[0], media.CapsulePrefix(response.PublicID)) || !strings.HasSuffix(keys[0], ".png") {
		t.Fatalf("unexpected media keys %v", keys)
	}

	recipients, err := model.ListRecipients(ctx, database, response.ID)
	if err != nil {
		t.Fatalf("ListRecipients error: %v", err)
	}
	if recipients[0].AccessToken == "" || recipients[0].AccessToken == recipients[1].AccessToken {
		t.Fatalf("expected distinct access tokens")
	}

	notifications, err := model.ListNotifications(ctx, database, friend.ID, false)
	if err != nil {
		t.Fatalf("ListNotifications error: %v", err)
	}
	if len(notifications) != 1 || notifications[0].NotificationType != model.NotificationNewSharedCapsule {
		t.Fatalf("expected a shared capsule notification, got %+v", notifications)
	}
}

func TestCapsuleLifecycleOperations(t *testing.T) {
	t.Helper()

	database := openIsolatedDatabase(t)
	serviceInstance, store := newTestCapsuleService(t, database)
	ctx := context.Background()
	owner := createServiceUser(t, database, "owner@example.com", "password123")
	stranger := createServiceUser(t, database, "stranger@example.com", "password123")

	created, err := serviceInstance.CreateCapsule(ctx, owner.ID, CreateCapsuleRequest{
		Title:          "Lifecycle",
		DeliveryDate:   futureDate(72 * time.Hour),
		RecipientEmail: "r@example.com",
		Files:          []UploadedFile{uploadedFile("notes.pdf", []byte("%PDF-1.4 sample"))},
	})
	if err != nil {
		t.Fatalf("CreateCapsule error: %v", err)
	}

	if _, err := serviceInstance.GetCapsule(ctx, stranger.ID, created.ID); !errors.Is(err, model.ErrCapsuleNotFound) {
		t.Fatalf("expected ErrCapsuleNotFound for another owner, got %v", err)
	}

	rescheduled, err := serviceInstance.RescheduleCapsule(ctx, owner.ID, created.ID, RescheduleRequest{DeliveryDate: "2998-12-31"})
	if err != nil {
		t.Fatalf("RescheduleCapsule error: %v", err)
	}
	if rescheduled.DeliveryDate.Year() != 2998 {
		t.Fatalf("expected new delivery date, got %v", rescheduled.DeliveryDate)
	}
	var validationError *ValidationError
	if _, err := serviceInstance.RescheduleCapsule(ctx, owner.ID, created.ID, RescheduleRequest{DeliveryDate: "2000-01-01"}); !errors.As(err, &validationError) {
		t.Fatalf("expected validation error for past date, got %v", err)
	}

	archived, err := serviceInstance.SetArchived(ctx, owner.ID, created.ID, true)
	if err != nil || !archived.IsArchived {
		t.Fatalf("SetArchived error: %v (%+v)", err, archived)
	}
	visible, err := serviceInstance.ListCapsules(ctx, owner.ID, false)
	if err != nil {
		t.Fatalf("ListCapsules error: %v", err)
	}
	if len(visible) != 0 {
		t.Fatalf("archived capsule should be hidden, got %d", len(visible))
	}
	all, err := serviceInstance.ListCapsules(ctx, owner.ID, true)
	if err != nil || len(all) != 1 {
		t.Fatalf("expected archived capsule when included, got %d (%v)", len(all), err)
	}
	if _, err := serviceInstance.SetArchived(ctx, owner.ID, created.ID, false); err != nil {
		t.Fatalf("unarchive error: %v", err)
	}

	cancelled, err := serviceInstance.CancelCapsule(ctx, owner.ID, created.ID)
	if err != nil || cancelled.Status != model.CapsuleStatusCancelled {
		t.Fatalf("CancelCapsule error: %v (%+v)", err, cancelled)
	}
	if _, err := serviceInstance.CancelCapsule(ctx, owner.ID, created.ID); !errors.Is(err, ErrCapsuleNotEditable) {
		t.Fatalf("expected ErrCapsuleNotEditable, got %v", err)
	}
	if _, err := serviceInstance.RescheduleCapsule(ctx, owner.ID, created.ID, RescheduleRequest{DeliveryDate: "2998-12-31"}); !errors.Is(err, ErrCapsuleNotEditable) {
		t.Fatalf("expected ErrCapsuleNotEditable for reschedule, got %v", err)
	}

	if err := serviceInstance.DeleteCapsule(ctx, owner.ID, created.ID); err != nil {
		t.Fatalf("DeleteCapsule error: %v", err)
	}
	if keys := store.Keys(); len(keys) != 0 {
		t.Fatalf("expected media removed, got %v", keys)
	}
	if _, err := serviceInstance.GetCapsule(ctx, owner.ID, created.ID); !errors.Is(err, model.ErrCapsuleNotFound) {
		t.Fatalf("expected deleted capsule to be gone, got %v", err)
	}
}

func TestDeleteCapsuleRefusesInFlightDelivery(t *testing.T) {
	t.Helper()

	database := openIsolatedDatabase(t)
	serviceInstance, _ := newTestCapsuleService(t, database)
	ctx := context.Background()
	owner := createServiceUser(t, database, "owner@example.com", "password123")
	created, err := serviceInstance.CreateCapsule(ctx, owner.ID, CreateCapsuleRequest{
		Title:          "Busy",
		DeliveryDate:   futureDate(time.Hour),
		RecipientEmail: "r@example.com",
	})
	if err != nil {
		t.Fatalf("CreateCapsule error: %v", err)
	}
	if err := database.Model(&model.Capsule{}).Where("id = ?", created.ID).Update("status", model.CapsuleStatusDelivering).Error; err != nil {
		t.Fatalf("mark delivering: %v", err)
	}

	if err := serviceInstance.DeleteCapsule(ctx, owner.ID, created.ID); !errors.Is(err, ErrCapsuleInFlight) {
		t.Fatalf("expected ErrCapsuleInFlight, got %v", err)
	}
}

func TestOpenSharedCapsule(t *testing.T) {
	t.Helper()

	database := openIsolatedDatabase(t)
	serviceInstance, _ := newTestCapsuleService(t, database)
	ctx := context.Background()
	owner := createServiceUser(t, database, "owner@example.com", "password123")
	created, err := serviceInstance.CreateCapsule(ctx, owner.ID, CreateCapsuleRequest{
		Title:          "Sealed",
		TextContent:    "See you in the future",
		DeliveryDate:   futureDate(time.Hour),
		RecipientEmail: "r@example.com",
		Files:          []UploadedFile{uploadedFile("photo.png", pngHeader)},
	})
	if err != nil {
		t.Fatalf("CreateCapsule error: %v", err)
	}
	recipients, err := model.ListRecipients(ctx, database, created.ID)
	if err != nil {
		t.Fatalf("ListRecipients error: %v", err)
	}
	accessToken := recipients[0].AccessToken

	if _, err := serviceInstance.OpenSharedCapsule(ctx, accessToken); !errors.Is(err, ErrCapsuleNotShared) {
		t.Fatalf("expected undelivered capsule to be hidden, got %v", err)
	}
	if _, err := serviceInstance.OpenSharedCapsule(ctx, "unknown-token"); !errors.Is(err, ErrCapsuleNotShared) {
		t.Fatalf("expected unknown token to be hidden, got %v", err)
	}

	deliveredAt := time.Now().UTC()
	if err := database.Model(&model.Capsule{}).Where("id = ?", created.ID).Updates(map[string]any{
		"status":       model.CapsuleStatusDelivered,
		"is_delivered": true,
		"delivered_at": deliveredAt,
	}).Error; err != nil {
		t.Fatalf("mark delivered: %v", err)
	}
	recipients[0].ReceivedStatus = model.RecipientSent
	recipients[0].SentAt = &deliveredAt
	if err := model.SaveRecipient(ctx, database, &recipients[0]); err != nil {
		t.Fatalf("SaveRecipient error: %v", err)
	}

	shared, err := serviceInstance.OpenSharedCapsule(ctx, accessToken)
	if err != nil {
		t.Fatalf("OpenSharedCapsule error: %v", err)
	}
	if shared.Title != "Sealed" || shared.OwnerName != owner.Name || len(shared.Contents) != 2 {
		t.Fatalf("unexpected shared capsule %+v", shared)
	}
	if shared.Contents[0].DownloadURL != "" {
		t.Fatalf("text content has no download url")
	}
	fileContent := shared.Contents[1]
	if !strings.HasPrefix(fileContent.DownloadURL, "/api/shared/"+accessToken+"/contents/") {
		t.Fatalf("unexpected download url %q", fileContent.DownloadURL)
	}

	opened, err := model.GetRecipientByAccessToken(ctx, database, accessToken)
	if err != nil {
		t.Fatalf("GetRecipientByAccessToken error: %v", err)
	}
	if opened.ReceivedStatus != model.RecipientOpened || opened.OpenedAt == nil {
		t.Fatalf("expected recipient marked opened, got %+v", opened)
	}
	firstOpen := *opened.OpenedAt
	if _, err := serviceInstance.OpenSharedCapsule(ctx, accessToken); err != nil {
		t.Fatalf("second open error: %v", err)
	}
	reopened, _ := model.GetRecipientByAccessToken(ctx, database, accessToken)
	if !reopened.OpenedAt.Equal(firstOpen) {
		t.Fatalf("first open time must be kept")
	}

	download, err := serviceInstance.OpenSharedContent(ctx, accessToken, fileContent.ID)
	if err != nil {
		t.Fatalf("OpenSharedContent error: %v", err)
	}
	defer download.Body.Close()
	data, err := io.ReadAll(download.Body)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if !bytes.Equal(data, pngHeader) || download.MimeType != "image/png" {
		t.Fatalf("unexpected download %q (%s)", data, download.MimeType)
	}
	if _, err := serviceInstance.OpenSharedContent(ctx, accessToken, shared.Contents[0].ID); !errors.Is(err, model.ErrContentNotFound) {
		t.Fatalf("expected text content to have no download, got %v", err)
	}
}
