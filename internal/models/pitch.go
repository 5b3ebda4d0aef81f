package models

import (
	"time"
)

// Pitch is the primary record: a user's form submission and the generated
// 30-second pitch that eventually lands on it. The access token is an opaque
// per-record capability minted once at insert time; status checks authorize
// on id+token alone.
type Pitch struct {
	ID          string    `json:"id"`
	AccessToken string    `json:"-"`
	Name        string    `json:"name"`
	WhatsApp    string    `json:"whatsapp"`
	Company     string    `json:"company"`
	Category    string    `json:"category"`
	USP         string    `json:"usp"`
	SpecificAsk string    `json:"specificAsk"`
	Output      *string   `json:"generatedOutput,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
