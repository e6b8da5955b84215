package models

import (
	"errors"
	"strings"
	"time"
)

// Channel is an acquisition channel. Historical ROI rows are keyed by ID, so
// renaming a channel never re-keys them.
type Channel struct {
	ID          int64     `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Validate checks required fields.
func (c *Channel) Validate() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return errors.New("channel name is required")
	}
	if len(c.Name) > 255 {
		return errors.New("channel name must be at most 255 characters")
	}
	return nil
}
