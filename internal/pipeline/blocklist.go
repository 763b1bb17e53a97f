package pipeline

import (
	"net/mail"
	"strings"
)

// senderParts extracts the bare address and domain from a From header,
// normalized to lower case. Handles both "Name <a@b.com>" and "a@b.com".
func senderParts(from string) (address, domain string) {
	address = strings.ToLower(strings.TrimSpace(from))
	if parsed, err := mail.ParseAddress(from); err == nil {
		address = strings.ToLower(parsed.Address)
	}

	if at := strings.LastIndex(address, "@"); at >= 0 {
		domain = address[at+1:]
	}
	return address, domain
}

// matchBlocklist checks a sender against a user's blocklist entries and
// returns the matching entry. An entry matches on exact address, exact
// domain, or domain suffix: "example.com" blocks "user@example.com" and
// "user@mail.example.com" but not "user@notexample.com". A leading "*."
// is treated the same as a bare domain.
func matchBlocklist(address, domain string, entries []string) (string, bool) {
	for _, raw := range entries {
		entry := strings.ToLower(strings.TrimSpace(raw))
		if entry == "" {
			continue
		}
		entry = strings.TrimPrefix(entry, "*.")

		if strings.Contains(entry, "@") {
			if address == entry {
				return raw, true
			}
			continue
		}

		if domain == entry || strings.HasSuffix(domain, "."+entry) {
			return raw, true
		}
	}

	return "", false
}
