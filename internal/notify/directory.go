package notify

import (
	"context"
	"strings"
)

// StaticDirectory maps user ids to email addresses from configuration.
type StaticDirectory struct {
	emails map[string]string
}

// NewStaticDirectory copies emails, skipping blank entries.
func NewStaticDirectory(emails map[string]string) *StaticDirectory {
	copied := make(map[string]string, len(emails))
	for userID, email := range emails {
		userID = strings.TrimSpace(userID)
		email = strings.TrimSpace(email)
		if userID == "" || email == "" {
			continue
		}
		copied[userID] = email
	}
	return &StaticDirectory{emails: copied}
}

// Email returns the address of userID.
func (d *StaticDirectory) Email(_ context.Context, userID string) (string, bool) {
	if d == nil {
		return "", false
	}
	email, ok := d.emails[userID]
	return email, ok
}
