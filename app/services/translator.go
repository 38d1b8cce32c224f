package services

import "strings"

// errorTranslations maps fragments of raw provider errors to the text shown to clinic staff.
// The first matching fragment wins.
var errorTranslations = []struct {
	fragment string
	text     string
}{
	{"not on whatsapp", "The phone number is not registered on WhatsApp"},
	{"invalid phone", "The phone number is invalid"},
	{"invalid number", "The phone number is invalid"},
	{"blocked", "The recipient blocked this WhatsApp account"},
	{"timeout", "WhatsApp did not respond in time"},
	{"timed out", "WhatsApp did not respond in time"},
	{"network", "The extension lost its network connection"},
	{"qr", "WhatsApp Web needs to be linked again by scanning the QR code"},
	{"quota", "The message quota is used up"},
	{"lease expired", "The extension did not report back in time"},
	{"rate limit", "WhatsApp is limiting how fast messages can be sent"},
}

// StaticTranslator translates provider errors from a fixed table
type StaticTranslator struct{}

// NewStaticTranslator creates the default translator
func NewStaticTranslator() *StaticTranslator {
	return &StaticTranslator{}
}

func (StaticTranslator) Translate(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower == "" {
		return ""
	}
	for _, t := range errorTranslations {
		if strings.Contains(lower, t.fragment) {
			return t.text
		}
	}
	return "Sending failed: " + raw
}
