package main

import (
	"strings"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// resolveAgentID normalizes a raw agent identifier to 64-char lowercase hex.
// Accepts hex directly or a bech32 npub form.
func resolveAgentID(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", invalidErr("agent id required")
	}

	if strings.HasPrefix(raw, "npub1") {
		_, v, err := nip19.Decode(raw)
		if err != nil {
			return "", invalidErr("npub decode: %v", err)
		}
		pk, ok := v.(string)
		if !ok {
			return "", invalidErr("npub did not decode to a public key")
		}
		return strings.ToLower(pk), nil
	}

	raw = strings.ToLower(raw)
	if !isHexID(raw) {
		return "", invalidErr("agent id must be 64-char hex or npub")
	}
	return raw, nil
}

func isHexID(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// shortID abbreviates an agent id for logs and summaries.
func shortID(id string) string {
	if len(id) > 12 {
		return id[:8] + "..." + id[len(id)-4:]
	}
	return id
}

// validEndpoint reports whether an endpoint path looks sane enough to price.
func validEndpoint(p string) error {
	if p == "" || !strings.HasPrefix(p, "/") {
		return invalidErr("endpoint must be an absolute path, got %q", p)
	}
	return nil
}
