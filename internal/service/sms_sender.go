package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
)

const twilioBaseURL = "https://api.twilio.com/2010-04-01"

// SmsSender defines the behavior of an SMS sending service.
type SmsSender interface {
	SendSms(ctx context.Context, recipient string, message string) (string, error)
}

type twilioMessage struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// TwilioSmsSender implements SmsSender using Twilio's REST API.
type TwilioSmsSender struct {
	AccountSID string
	AuthToken  string
	FromNumber string
	Client     *resty.Client
	Logger     *slog.Logger
}

// NewTwilioSmsSender creates a new TwilioSmsSender with the provided configuration.
func NewTwilioSmsSender(accountSID string, authToken string, fromNumber string, timeout time.Duration, logger *slog.Logger) *TwilioSmsSender {
	client := resty.New()
	client.SetRetryCount(0)
	client.SetTimeout(timeout)
	client.SetBaseURL(twilioBaseURL)
	return &TwilioSmsSender{
		AccountSID: accountSID,
		AuthToken:  authToken,
		FromNumber: fromNumber,
		Client:     client,
		Logger:     logger,
	}
}

// SendSms sends an SMS and returns the Twilio message SID.
func (senderInstance *TwilioSmsSender) SendSms(ctx context.Context, recipient string, message string) (string, error) {
	var created twilioMessage
	var failure twilioError
	response, err := senderInstance.Client.R().
		SetContext(ctx).
		SetBasicAuth(senderInstance.AccountSID, senderInstance.AuthToken).
		SetFormData(map[string]string{
			"To":   recipient,
			"From": senderInstance.FromNumber,
			"Body": message,
		}).
		SetResult(&created).
		SetError(&failure).
		Post(fmt.Sprintf("/Accounts/%s/Messages.json", senderInstance.AccountSID))
	if err != nil {
		senderInstance.Logger.Error("Twilio request error", "error", err)
		return "", err
	}
	if response.IsError() {
		senderInstance.Logger.Error("Twilio API returned error", "status", response.StatusCode(), "code", failure.Code)
		return "", fmt.Errorf("twilio API error %d: %s", response.StatusCode(), failure.Message)
	}
	return created.SID, nil
}
