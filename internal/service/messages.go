package service

import (
	"fmt"
	"strings"
	"time"
)

func ownerDisplayName(name string, email string) string {
	if strings.TrimSpace(name) != "" {
		return strings.TrimSpace(name)
	}
	return email
}

func capsuleDeliverySubject(ownerName string) string {
	return fmt.Sprintf("A Time Capsule from %s is ready for you!", ownerName)
}

func capsuleDeliveryBody(ownerName string, title string, link string) string {
	var builder strings.Builder
	builder.WriteString("Hello,\n\n")
	builder.WriteString(fmt.Sprintf("%s sealed a time capsule for you, and today is the day it opens.\n\n", ownerName))
	builder.WriteString(fmt.Sprintf("Title: %s\n\n", title))
	builder.WriteString(fmt.Sprintf("Open it here: %s\n\n", link))
	builder.WriteString("This link is personal. Please do not share it.\n")
	return builder.String()
}

func capsuleDeliverySMS(ownerName string, link string) string {
	return fmt.Sprintf("%s sent you a time capsule: %s", ownerName, link)
}

func passwordResetSubject() string {
	return "Your password reset code"
}

func passwordResetBody(code string, ttl time.Duration) string {
	return fmt.Sprintf("Your password reset code is %s.\n\nIt expires in %d minutes. If you did not request a reset, ignore this email.\n", code, int(ttl.Minutes()))
}

func sharedLink(frontendBaseURL string, accessToken string) string {
	return fmt.Sprintf("%s/shared/%s", strings.TrimRight(frontendBaseURL, "/"), accessToken)
}
