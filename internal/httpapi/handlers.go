package httpapi

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/timecapsule/internal/model"
	"github.com/tyemirov/timecapsule/internal/service"
)

const (
	formFieldFiles           = "files"
	formFieldRecipientEmails = "recipient_emails"
)

type refreshPayload struct {
	Refresh string `json:"refresh"`
}

type resetRequestPayload struct {
	Email string `json:"email"`
}

// createCapsulePayload is the JSON form of a capsule without attachments.
type createCapsulePayload struct {
	Title                  string   `json:"title"`
	Description            string   `json:"description"`
	TextContent            string   `json:"text_content"`
	DeliveryDate           string   `json:"delivery_date"`
	DeliveryTime           string   `json:"delivery_time"`
	RecipientEmail         string   `json:"recipient_email"`
	RecipientEmails        []string `json:"recipient_emails"`
	RecipientPhone         string   `json:"recipient_phone"`
	DeliveryMethod         string   `json:"delivery_method"`
	PrivacyStatus          string   `json:"privacy_status"`
	TransferOnInactivity   bool     `json:"transfer_on_inactivity"`
	TransferRecipientEmail string   `json:"transfer_recipient_email"`
}

func (payload createCapsulePayload) toRequest() service.CreateCapsuleRequest {
	return service.CreateCapsuleRequest{
		Title:                  payload.Title,
		Description:            payload.Description,
		TextContent:            payload.TextContent,
		DeliveryDate:           payload.DeliveryDate,
		DeliveryTime:           payload.DeliveryTime,
		RecipientEmail:         payload.RecipientEmail,
		RecipientEmails:        payload.RecipientEmails,
		RecipientPhone:         payload.RecipientPhone,
		DeliveryMethod:         payload.DeliveryMethod,
		PrivacyStatus:          payload.PrivacyStatus,
		TransferOnInactivity:   payload.TransferOnInactivity,
		TransferRecipientEmail: payload.TransferRecipientEmail,
	}
}

func (handler *apiHandler) register(contextGin *gin.Context) {
	var request service.RegisterRequest
	if err := contextGin.ShouldBindJSON(&request); err != nil {
		handler.writeInvalidPayload(contextGin)
		return
	}
	result, err := handler.accounts.Register(contextGin.Request.Context(), request)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusCreated, result)
}

func (handler *apiHandler) login(contextGin *gin.Context) {
	var request service.LoginRequest
	if err := contextGin.ShouldBindJSON(&request); err != nil {
		handler.writeInvalidPayload(contextGin)
		return
	}
	result, err := handler.accounts.Login(contextGin.Request.Context(), request)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, result)
}

func (handler *apiHandler) refreshTokens(contextGin *gin.Context) {
	var payload refreshPayload
	if err := contextGin.ShouldBindJSON(&payload); err != nil || strings.TrimSpace(payload.Refresh) == "" {
		handler.writeInvalidPayload(contextGin)
		return
	}
	tokens, err := handler.accounts.RefreshTokens(contextGin.Request.Context(), payload.Refresh)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, tokens)
}

func (handler *apiHandler) requestPasswordReset(contextGin *gin.Context) {
	var payload resetRequestPayload
	if err := contextGin.ShouldBindJSON(&payload); err != nil {
		handler.writeInvalidPayload(contextGin)
		return
	}
	if err := handler.accounts.RequestPasswordReset(contextGin.Request.Context(), payload.Email); err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"detail": "If an account exists for that email, a reset code has been sent."})
}

func (handler *apiHandler) confirmPasswordReset(contextGin *gin.Context) {
	var request service.ConfirmResetRequest
	if err := contextGin.ShouldBindJSON(&request); err != nil {
		handler.writeInvalidPayload(contextGin)
		return
	}
	if err := handler.accounts.ConfirmPasswordReset(contextGin.Request.Context(), request); err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"detail": "Password has been reset."})
}

func (handler *apiHandler) logout(contextGin *gin.Context) {
	user := currentUser(contextGin)
	if err := handler.accounts.Logout(contextGin.Request.Context(), user.ID); err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"detail": "Successfully logged out."})
}

func (handler *apiHandler) currentUser(contextGin *gin.Context) {
	user := currentUser(contextGin)
	response, err := handler.accounts.CurrentUser(contextGin.Request.Context(), user.ID)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, response)
}

func (handler *apiHandler) updateProfile(contextGin *gin.Context) {
	var update service.ProfileUpdate
	if err := contextGin.ShouldBindJSON(&update); err != nil {
		handler.writeInvalidPayload(contextGin)
		return
	}
	user := currentUser(contextGin)
	response, err := handler.accounts.UpdateProfile(contextGin.Request.Context(), user.ID, update)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, response)
}

func (handler *apiHandler) changePassword(contextGin *gin.Context) {
	var request service.ChangePasswordRequest
	if err := contextGin.ShouldBindJSON(&request); err != nil {
		handler.writeInvalidPayload(contextGin)
		return
	}
	user := currentUser(contextGin)
	if err := handler.accounts.ChangePassword(contextGin.Request.Context(), user.ID, request); err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"detail": "Password updated successfully."})
}

// createCapsule accepts multipart/form-data with repeated "files" parts, or a JSON body
// for text-only capsules.
func (handler *apiHandler) createCapsule(contextGin *gin.Context) {
	user := currentUser(contextGin)
	var request service.CreateCapsuleRequest
	if strings.HasPrefix(contextGin.ContentType(), "multipart/") {
		contextGin.Request.Body = http.MaxBytesReader(contextGin.Writer, contextGin.Request.Body, handler.maxUploadBytes)
		if err := contextGin.Request.ParseMultipartForm(multipartMemoryBytes); err != nil {
			handler.writeMultipartError(contextGin, err)
			return
		}
		form := contextGin.Request.MultipartForm
		defer func() { _ = form.RemoveAll() }()

		openFiles, err := openUploadedFiles(form.File[formFieldFiles])
		defer closeAll(openFiles)
		if err != nil {
			handler.writeError(contextGin, err)
			return
		}
		request = capsuleRequestFromForm(form)
		for index, header := range form.File[formFieldFiles] {
			request.Files = append(request.Files, service.UploadedFile{
				FileName: header.Filename,
				Size:     header.Size,
				Reader:   openFiles[index],
			})
		}
	} else {
		var payload createCapsulePayload
		if err := contextGin.ShouldBindJSON(&payload); err != nil {
			handler.writeInvalidPayload(contextGin)
			return
		}
		request = payload.toRequest()
	}

	response, err := handler.capsules.CreateCapsule(contextGin.Request.Context(), user.ID, request)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusCreated, response)
}

func (handler *apiHandler) writeMultipartError(contextGin *gin.Context, err error) {
	var maxBytesError *http.MaxBytesError
	if errors.As(err, &maxBytesError) {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusBadRequest, gin.H{"error": "invalid multipart form"})
}

func capsuleRequestFromForm(form *multipart.Form) service.CreateCapsuleRequest {
	value := func(key string) string {
		if values := form.Value[key]; len(values) > 0 {
			return values[0]
		}
		return ""
	}
	return service.CreateCapsuleRequest{
		Title:                  value("title"),
		Description:            value("description"),
		TextContent:            value("text_content"),
		DeliveryDate:           value("delivery_date"),
		DeliveryTime:           value("delivery_time"),
		RecipientEmail:         value("recipient_email"),
		RecipientEmails:        form.Value[formFieldRecipientEmails],
		RecipientPhone:         value("recipient_phone"),
		DeliveryMethod:         value("delivery_method"),
		PrivacyStatus:          value("privacy_status"),
		TransferOnInactivity:   parseFormBool(value("transfer_on_inactivity")),
		TransferRecipientEmail: value("transfer_recipient_email"),
	}
}

func parseFormBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1", "on", "yes":
		return true
	default:
		return false
	}
}

func openUploadedFiles(headers []*multipart.FileHeader) ([]multipart.File, error) {
	files := make([]multipart.File, 0, len(headers))
	for _, header := range headers {
		file, err := header.Open()
		if err != nil {
			return files, err
		}
		files = append(files, file)
	}
	return files, nil
}

func closeAll(files []multipart.File) {
	for _, file := range files {
		_ = file.Close()
	}
}

func (handler *apiHandler) listCapsules(contextGin *gin.Context) {
	user := currentUser(contextGin)
	includeArchived := parseFormBool(contextGin.Query("include_archived"))
	capsules, err := handler.capsules.ListCapsules(contextGin.Request.Context(), user.ID, includeArchived)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, capsules)
}

func (handler *apiHandler) getCapsule(contextGin *gin.Context) {
	capsuleID, ok := handler.capsuleIDParam(contextGin)
	if !ok {
		return
	}
	response, err := handler.capsules.GetCapsule(contextGin.Request.Context(), currentUser(contextGin).ID, capsuleID)
	handler.respondCapsule(contextGin, response, err)
}

func (handler *apiHandler) rescheduleCapsule(contextGin *gin.Context) {
	capsuleID, ok := handler.capsuleIDParam(contextGin)
	if !ok {
		return
	}
	var request service.RescheduleRequest
	if err := contextGin.ShouldBindJSON(&request); err != nil {
		handler.writeInvalidPayload(contextGin)
		return
	}
	response, err := handler.capsules.RescheduleCapsule(contextGin.Request.Context(), currentUser(contextGin).ID, capsuleID, request)
	handler.respondCapsule(contextGin, response, err)
}

func (handler *apiHandler) cancelCapsule(contextGin *gin.Context) {
	capsuleID, ok := handler.capsuleIDParam(contextGin)
	if !ok {
		return
	}
	response, err := handler.capsules.CancelCapsule(contextGin.Request.Context(), currentUser(contextGin).ID, capsuleID)
	handler.respondCapsule(contextGin, response, err)
}

func (handler *apiHandler) archiveCapsule(contextGin *gin.Context) {
	handler.setArchived(contextGin, true)
}

func (handler *apiHandler) unarchiveCapsule(contextGin *gin.Context) {
	handler.setArchived(contextGin, false)
}

func (handler *apiHandler) setArchived(contextGin *gin.Context, archived bool) {
	capsuleID, ok := handler.capsuleIDParam(contextGin)
	if !ok {
		return
	}
	response, err := handler.capsules.SetArchived(contextGin.Request.Context(), currentUser(contextGin).ID, capsuleID, archived)
	handler.respondCapsule(contextGin, response, err)
}

func (handler *apiHandler) deleteCapsule(contextGin *gin.Context) {
	capsuleID, ok := handler.capsuleIDParam(contextGin)
	if !ok {
		return
	}
	if err := handler.capsules.DeleteCapsule(contextGin.Request.Context(), currentUser(contextGin).ID, capsuleID); err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.Status(http.StatusNoContent)
}

func (handler *apiHandler) listDeliveries(contextGin *gin.Context) {
	capsuleID, ok := handler.capsuleIDParam(contextGin)
	if !ok {
		return
	}
	logs, err := handler.capsules.DeliveryLogs(contextGin.Request.Context(), currentUser(contextGin).ID, capsuleID)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, logs)
}

func (handler *apiHandler) respondCapsule(contextGin *gin.Context, response service.CapsuleResponse, err error) {
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, response)
}

// capsuleIDParam writes a 404 for ids that cannot name a capsule.
func (handler *apiHandler) capsuleIDParam(contextGin *gin.Context) (uint, bool) {
	capsuleID, err := parseIDParam(contextGin.Param("id"))
	if err != nil {
		handler.writeError(contextGin, model.ErrCapsuleNotFound)
		return 0, false
	}
	return capsuleID, true
}

func parseIDParam(raw string) (uint, error) {
	parsed, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil || parsed == 0 {
		return 0, model.ErrCapsuleNotFound
	}
	return uint(parsed), nil
}

func (handler *apiHandler) listNotifications(contextGin *gin.Context) {
	unreadOnly := parseFormBool(contextGin.Query("unread"))
	notifications, err := handler.notifications.ListNotifications(contextGin.Request.Context(), currentUser(contextGin).ID, unreadOnly)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, notifications)
}

func (handler *apiHandler) unreadCount(contextGin *gin.Context) {
	count, err := handler.notifications.UnreadCount(contextGin.Request.Context(), currentUser(contextGin).ID)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"unread_count": count})
}

func (handler *apiHandler) markNotificationRead(contextGin *gin.Context) {
	notificationID, err := parseIDParam(contextGin.Param("id"))
	if err != nil {
		handler.writeError(contextGin, model.ErrNotificationNotFound)
		return
	}
	notification, err := handler.notifications.MarkRead(contextGin.Request.Context(), currentUser(contextGin).ID, notificationID)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, notification)
}

func (handler *apiHandler) markAllNotificationsRead(contextGin *gin.Context) {
	updated, err := handler.notifications.MarkAllRead(contextGin.Request.Context(), currentUser(contextGin).ID)
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, gin.H{"updated": updated})
}

func (handler *apiHandler) openSharedCapsule(contextGin *gin.Context) {
	shared, err := handler.capsules.OpenSharedCapsule(contextGin.Request.Context(), contextGin.Param("token"))
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	contextGin.JSON(http.StatusOK, shared)
}

func (handler *apiHandler) downloadSharedContent(contextGin *gin.Context) {
	download, err := handler.capsules.OpenSharedContent(contextGin.Request.Context(), contextGin.Param("token"), contextGin.Param("contentID"))
	if err != nil {
		handler.writeError(contextGin, err)
		return
	}
	defer func() { _ = download.Body.Close() }()

	disposition := mime.FormatMediaType("attachment", map[string]string{"filename": download.FileName})
	if disposition == "" {
		disposition = "attachment"
	}
	contextGin.DataFromReader(http.StatusOK, download.SizeBytes, download.MimeType, io.Reader(download.Body), map[string]string{
		"Content-Disposition":    disposition,
		"X-Content-Type-Options": "nosniff",
	})
}
