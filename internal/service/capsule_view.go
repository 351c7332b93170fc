package service

import (
	"fmt"
	"time"

	"github.com/tyemirov/timecapsule/internal/model"
)

type CapsuleResponse struct {
	ID                     uint                 `json:"id"`
	PublicID               string               `json:"public_id"`
	Title                  string               `json:"title"`
	Description            string               `json:"description"`
	DeliveryDate           time.Time            `json:"delivery_date"`
	CreationDate           time.Time            `json:"creation_date"`
	Status                 model.CapsuleStatus  `json:"status"`
	IsDelivered            bool                 `json:"is_delivered"`
	DeliveredAt            *time.Time           `json:"delivered_at"`
	IsArchived             bool                 `json:"is_archived"`
	DeliveryMethod         model.DeliveryMethod `json:"delivery_method"`
	PrivacyStatus          model.PrivacyStatus  `json:"privacy_status"`
	TransferOnInactivity   bool                 `json:"transfer_on_inactivity"`
	TransferRecipientEmail string               `json:"transfer_recipient_email,omitempty"`
	AttemptCount           int                  `json:"attempt_count"`
	NextAttemptAt          *time.Time           `json:"next_attempt_at"`
	Contents               []ContentResponse    `json:"contents"`
	Recipients             []RecipientResponse  `json:"recipients"`
}

type ContentResponse struct {
	ID          string            `json:"id"`
	ContentType model.ContentType `json:"content_type"`
	TextContent string            `json:"text_content,omitempty"`
	FileName    string            `json:"file_name,omitempty"`
	MimeType    string            `json:"mime_type,omitempty"`
	SizeBytes   int64             `json:"size_bytes,omitempty"`
	Order       int               `json:"order"`
	UploadDate  time.Time         `json:"upload_date"`
	DownloadURL string            `json:"download_url,omitempty"`
}

type RecipientResponse struct {
	RecipientEmail string                `json:"recipient_email"`
	ReceivedStatus model.RecipientStatus `json:"received_status"`
	AttemptCount   int                   `json:"attempt_count"`
	SentDate       *time.Time            `json:"sent_date"`
	OpenedAt       *time.Time            `json:"opened_at"`
	LastError      string                `json:"last_error,omitempty"`
}

// SharedCapsuleResponse is what a recipient sees when opening a delivered capsule.
type SharedCapsuleResponse struct {
	Title        string            `json:"title"`
	Description  string            `json:"description"`
	OwnerName    string            `json:"owner_name"`
	DeliveryDate time.Time         `json:"delivery_date"`
	DeliveredAt  *time.Time        `json:"delivered_at"`
	Contents     []ContentResponse `json:"contents"`
}

func newCapsuleResponse(details model.CapsuleDetails) CapsuleResponse {
	capsule := details.Capsule
	response := CapsuleResponse{
		ID:                     capsule.ID,
		PublicID:               capsule.PublicID,
		Title:                  capsule.Title,
		Description:            capsule.Description,
		DeliveryDate:           capsule.DeliveryDate.UTC(),
		CreationDate:           capsule.CreatedAt.UTC(),
		Status:                 capsule.Status,
		IsDelivered:            capsule.IsDelivered,
		DeliveredAt:            capsule.DeliveredAt,
		IsArchived:             capsule.IsArchived,
		DeliveryMethod:         capsule.DeliveryMethod,
		PrivacyStatus:          capsule.PrivacyStatus,
		TransferOnInactivity:   capsule.TransferOnInactivity,
		TransferRecipientEmail: capsule.TransferRecipientEmail,
		AttemptCount:           capsule.AttemptCount,
		NextAttemptAt:          capsule.NextAttemptAt,
		Contents:               make([]ContentResponse, 0, len(details.Contents)),
		Recipients:             make([]RecipientResponse, 0, len(details.Recipients)),
	}
	for _, content := range details.Contents {
		response.Contents = append(response.Contents, newContentResponse(content, ""))
	}
	for _, recipient := range details.Recipients {
		response.Recipients = append(response.Recipients, RecipientResponse{
			RecipientEmail: recipient.RecipientEmail,
			ReceivedStatus: recipient.ReceivedStatus,
			AttemptCount:   recipient.AttemptCount,
			SentDate:       recipient.SentAt,
			OpenedAt:       recipient.OpenedAt,
			LastError:      recipient.LastError,
		})
	}
	return response
}

func newContentResponse(content model.CapsuleContent, accessToken string) ContentResponse {
	response := ContentResponse{
		ID:          content.PublicID,
		ContentType: content.ContentType,
		TextContent: content.TextContent,
		FileName:    content.FileName,
		MimeType:    content.MimeType,
		SizeBytes:   content.SizeBytes,
		Order:       content.Order,
		UploadDate:  content.CreatedAt.UTC(),
	}
	if accessToken != "" && content.FileKey != "" {
		response.DownloadURL = fmt.Sprintf("/api/shared/%s/contents/%s", accessToken, content.PublicID)
	}
	return response
}
