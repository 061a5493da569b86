package whatsapp

import (
	"fmt"
	"strings"
	"unicode"
)

const (
	// CountryCode replaces the national trunk prefix.
	CountryCode = "62"

	UserServer  = "s.whatsapp.net"
	GroupServer = "g.us"
)

// NormalizePhone strips everything but digits and rewrites the number into
// international form: a leading 0 becomes the country code, numbers already
// starting with it are kept, anything else gets it prepended.
func NormalizePhone(raw string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if unicode.IsDigit(r) {
			return r
		}
		return -1
	}, raw)
	if digits == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidPhone, raw)
	}

	switch {
	case strings.HasPrefix(digits, CountryCode):
		return digits, nil
	case strings.HasPrefix(digits, "0"):
		return CountryCode + digits[1:], nil
	default:
		return CountryCode + digits, nil
	}
}

// ToJID turns a phone number into a user address. Targets that already
// contain a server part are returned as is.
func ToJID(target string) (string, error) {
	if strings.Contains(target, "@") {
		return target, nil
	}
	phone, err := NormalizePhone(target)
	if err != nil {
		return "", err
	}
	return phone + "@" + UserServer, nil
}

// ToGroupJID completes a bare group id with the group server.
func ToGroupJID(group string) (string, error) {
	group = strings.TrimSpace(group)
	if group == "" {
		return "", fmt.Errorf("%w: empty group id", ErrInvalidPhone)
	}
	if strings.Contains(group, "@") {
		return group, nil
	}
	return group + "@" + GroupServer, nil
}

// IsGroupJID reports whether jid addresses a group chat.
func IsGroupJID(jid string) bool {
	return strings.HasSuffix(jid, "@"+GroupServer)
}
