package util

import (
	"regexp"
	"strings"
)

var (
	phonePattern = regexp.MustCompile(`^[0-9+\-\s()]+$`)
	emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)
	codePattern  = regexp.MustCompile(`\b\d{6}\b`)
)

// IsPhoneContact reports whether a contact identifier looks like a phone
// number: only digits, spaces, '+', '-', and parentheses. Anything else is
// treated as an email address.
func IsPhoneContact(contact string) bool {
	contact = strings.TrimSpace(contact)
	if contact == "" {
		return false
	}
	return phonePattern.MatchString(contact)
}

// NormalizeContact strips formatting characters from phone numbers and
// lowercases email addresses so equivalent inputs map to the same key.
func NormalizeContact(contact string) string {
	contact = strings.TrimSpace(contact)
	if !IsPhoneContact(contact) {
		return strings.ToLower(contact)
	}
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "")
	return replacer.Replace(contact)
}

// IsValidContact reports whether a normalized contact is a plausible phone
// number or email address.
func IsValidContact(contact string) bool {
	if IsPhoneContact(contact) {
		digits := 0
		for _, r := range contact {
			if r >= '0' && r <= '9' {
				digits++
			}
		}
		return digits >= 7 && digits <= 15
	}
	return emailPattern.MatchString(contact)
}

// ExtractCode returns the first standalone 6-digit run in a message body,
// or "" when none is present.
func ExtractCode(body string) string {
	return codePattern.FindString(body)
}

// MaskContact hides the middle of a contact identifier for logging.
func MaskContact(contact string) string {
	if len(contact) <= 4 {
		return "****"
	}
	return contact[:2] + strings.Repeat("*", len(contact)-4) + contact[len(contact)-2:]
}
