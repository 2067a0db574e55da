package usecase

import (
	"errors"
	"strings"

	"casetrack/go-chat/pkg/models"
)

const maxSendBodyBytes = 16 * 1024

// ParseSendText validates composer input: a send needs text or at least one
// attachment.
func ParseSendText(text string, attachments []models.Attachment) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" && len(attachments) == 0 {
		return "", errors.New("message text is required")
	}
	if len(text) > maxSendBodyBytes {
		return "", errors.New("message text is too long")
	}
	return text, nil
}
