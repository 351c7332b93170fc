package service

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/go-resty/resty/v2"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (fn roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return fn(req)
}

func newTwilioTestSender(transport roundTripFunc) *TwilioSmsSender {
	client := resty.NewWithClient(&http.Client{Transport: transport})
	client.SetBaseURL("https://twilio.test/2010-04-01")
	return &TwilioSmsSender{
		AccountSID: "sid",
		AuthToken:  "token",
		FromNumber: "+1000",
		Client:     client,
		Logger:     newDiscardLogger(),
	}
}

func jsonResponse(status int, body string) *http.Response {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewBufferString(body)),
		Header:     header,
	}
}

func TestTwilioSmsSenderSuccess(t *testing.T) {
	t.Helper()
	var captured struct {
		method string
		path   string
		form   url.Values
		auth   string
	}
	sender := newTwilioTestSender(func(req *http.Request) (*http.Response, error) {
		captured.method = req.Method
		captured.path = req.URL.Path
		body, _ := io.ReadAll(req.Body)
		captured.form, _ = url.ParseQuery(string(body))
		user, pass, _ := req.BasicAuth()
		captured.auth = user + ":" + pass
		return jsonResponse(http.StatusCreated, `{"sid":"SM123","status":"queued"}`), nil
	})

	messageID, err := sender.SendSms(context.Background(), "+1222", "Hello")
	if err != nil {
		t.Fatalf("SendSms returned error: %v", err)
	}
	if messageID != "SM123" {
		t.Fatalf("unexpected message id %q", messageID)
	}
	if captured.method != http.MethodPost {
		t.Fatalf("expected POST, got %s", captured.method)
	}
	if captured.path != "/2010-04-01/Accounts/sid/Messages.json" {
		t.Fatalf("unexpected path %s", captured.path)
	}
	if captured.auth != "sid:token" {
		t.Fatalf("unexpected auth %s", captured.auth)
	}
	if captured.form.Get("To") != "+1222" || captured.form.Get("Body") != "Hello" || captured.form.Get("From") != "+1000" {
		t.Fatalf("unexpected form %v", captured.form)
	}
}

func TestTwilioSmsSenderErrorStatus(t *testing.T) {
	t.Helper()
	sender := newTwilioTestSender(func(req *http.Request) (*http.Response, error) {
		return jsonResponse(http.StatusBadRequest, `{"code":21211,"message":"invalid To number"}`), nil
	})
	if _, err := sender.SendSms(context.Background(), "+1222", "Hello"); err == nil {
		t.Fatalf("expected error for non-2xx response")
	}
}
