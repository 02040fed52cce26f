// Package email defines the normalized message model relayed to webhook destinations.
package email

import "time"

// Message is the parsed, structured representation of an inbound email.
// It is built once per DATA phase and never mutated after dispatch begins.
// The JSON encoding is the event body delivered to every destination.
type Message struct {
	// ID correlates the message across logs and outbound requests.
	// It is not part of the delivered event.
	ID string `json:"-"`

	From        string       `json:"from"`
	To          []string     `json:"to"`
	Subject     string       `json:"subject,omitempty"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Date        *time.Time   `json:"date,omitempty"`
	Attachments []Attachment `json:"attachments"`
}

// Attachment is a file carried by a message, with its payload base64 encoded.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	// Size is the byte length of the decoded payload.
	Size    int    `json:"size"`
	Content string `json:"content"`
}

// DeliveryOutcome records the result of one delivery attempt to one destination.
type DeliveryOutcome struct {
	Destination string
	Success     bool
	Err         error
	Duration    time.Duration
}
