package helper

import (
	"regexp"
	"strings"
)

// NetworkSuffix is the canonical user-address server of the messaging
// network.
const NetworkSuffix = "@s.whatsapp.net"

var nonDialChars = regexp.MustCompile(`[^\d+]`)

// NormalizeRecipient converts a raw phone number into a canonical network
// address. Inputs that already carry a server part (contain '@', e.g. group
// JIDs) pass through unchanged.
func NormalizeRecipient(raw string) string {
	if strings.ContainsRune(raw, '@') {
		return raw
	}
	cleaned := nonDialChars.ReplaceAllString(raw, "")
	cleaned = strings.TrimPrefix(cleaned, "+")
	return cleaned + NetworkSuffix
}

// ExtractPhoneFromJID strips device and server parts from a full JID.
// "201066284516:43@s.whatsapp.net" -> "201066284516"
func ExtractPhoneFromJID(jid string) string {
	beforeAt, _, _ := strings.Cut(jid, "@")
	phone, _, _ := strings.Cut(beforeAt, ":")
	return phone
}
