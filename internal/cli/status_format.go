// Package cli provides status formatting helpers.
package cli

import (
	"fmt"
	"strings"

	"github.com/visionarychurch/followup/internal/models"
)

func formatEnrollmentStatus(status models.EnrollmentStatus) string {
	label, color := statusLabelForEnrollment(status)
	return colorize(formatStatusLabel(label, string(status)), color)
}

func formatMessageStatus(status models.MessageStatus) string {
	label, color := statusLabelForMessage(status)
	return colorize(formatStatusLabel(label, string(status)), color)
}

func formatSequenceActive(active bool) string {
	if active {
		return colorize("OK active", colorGreen)
	}
	return colorize("WAIT inactive", colorYellow)
}

func statusLabelForEnrollment(status models.EnrollmentStatus) (string, string) {
	switch status {
	case models.EnrollmentStatusActive:
		return "OK", colorGreen
	case models.EnrollmentStatusPaused:
		return "WAIT", colorYellow
	case models.EnrollmentStatusCompleted:
		return "DONE", colorCyan
	case models.EnrollmentStatusCancelled:
		return "STOP", colorMagenta
	default:
		return "WARN", colorYellow
	}
}

func statusLabelForMessage(status models.MessageStatus) (string, string) {
	switch status {
	case models.MessageStatusSent, models.MessageStatusDelivered:
		return "OK", colorGreen
	case models.MessageStatusOpened, models.MessageStatusClicked:
		return "OK", colorCyan
	case models.MessageStatusPending:
		return "WAIT", colorYellow
	case models.MessageStatusBounced, models.MessageStatusFailed:
		return "ERR", colorRed
	default:
		return "WARN", colorYellow
	}
}

func formatStatusLabel(label, status string) string {
	normalized := strings.TrimSpace(status)
	if normalized != "" {
		normalized = strings.ReplaceAll(normalized, "_", " ")
	}
	if normalized == "" {
		return label
	}
	return fmt.Sprintf("%s %s", label, normalized)
}
