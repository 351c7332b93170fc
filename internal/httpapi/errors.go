package httpapi

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tyemirov/timecapsule/internal/media"
	"github.com/tyemirov/timecapsule/internal/model"
	"github.com/tyemirov/timecapsule/internal/service"
)

type apiHandler struct {
	accounts       service.AccountService
	capsules       service.CapsuleService
	notifications  service.NotificationService
	logger         *slog.Logger
	maxUploadBytes int64
}

func (handler *apiHandler) writeError(contextGin *gin.Context, err error) {
	var validationError *service.ValidationError
	var maxBytesError *http.MaxBytesError
	switch {
	case errors.As(err, &validationError):
		body := gin.H{"error": validationError.Message}
		if validationError.Field != "" {
			body["field"] = validationError.Field
		}
		contextGin.JSON(http.StatusBadRequest, body)
	case errors.As(err, &maxBytesError):
		contextGin.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "upload is too large"})
	case errors.Is(err, service.ErrInvalidCredentials):
		contextGin.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid credentials."})
	case errors.Is(err, service.ErrUnauthenticated):
		contextGin.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication credentials were not provided or are invalid."})
	case errors.Is(err, service.ErrInvalidResetCode):
		contextGin.JSON(http.StatusBadRequest, gin.H{"error": "Invalid or expired reset code."})
	case errors.Is(err, model.ErrAPITokenNotFound):
		contextGin.JSON(http.StatusBadRequest, gin.H{"error": "No active session found."})
	case errors.Is(err, service.ErrCapsuleNotEditable):
		contextGin.JSON(http.StatusConflict, gin.H{"error": "capsule can only be changed while pending"})
	case errors.Is(err, service.ErrCapsuleInFlight):
		contextGin.JSON(http.StatusConflict, gin.H{"error": "capsule is being delivered"})
	case errors.Is(err, model.ErrCapsuleNotFound), errors.Is(err, service.ErrCapsuleNotShared):
		contextGin.JSON(http.StatusNotFound, gin.H{"error": "capsule not found"})
	case errors.Is(err, model.ErrContentNotFound), errors.Is(err, media.ErrObjectNotFound):
		contextGin.JSON(http.StatusNotFound, gin.H{"error": "content not found"})
	case errors.Is(err, model.ErrNotificationNotFound):
		contextGin.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
	case errors.Is(err, model.ErrUserNotFound):
		contextGin.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	default:
		handler.logger.Error("http_handler_error", "route", routeLabel(contextGin), "error", err)
		contextGin.JSON(http.StatusInternalServerError, gin.H{"error": "internal server error"})
	}
}

func (handler *apiHandler) writeInvalidPayload(contextGin *gin.Context) {
	contextGin.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
}
