package models

import "errors"

// WorkItem is the message handed to the import dispatcher by the queue
// transport. Delivery is at-least-once; the dispatcher must tolerate
// duplicates.
type WorkItem struct {
	SessionID string   `json:"session_id"`
	UserID    string   `json:"user_id"`
	Platform  Platform `json:"platform"`
	BlobURL   string   `json:"blob_url"`
}

// Validate checks the work item shape. A failure here is permanent: the
// payload will never become valid on redelivery.
func (w WorkItem) Validate() error {
	if w.SessionID == "" {
		return errors.New("work item missing session_id")
	}
	if w.UserID == "" {
		return errors.New("work item missing user_id")
	}
	if w.BlobURL == "" {
		return errors.New("work item missing blob_url")
	}
	if _, err := ParsePlatform(string(w.Platform)); err != nil {
		return err
	}
	return nil
}
