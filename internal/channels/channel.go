// Package channels connects messaging platforms to ingress. Inbound messages
// become intake calls; wakes tagged with the platform's channel are sent
// back to the conversation they came from.
package channels

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/basket/go-atlas/internal/ingress"
	"github.com/basket/go-atlas/internal/persistence"
)

// Channel is one messaging platform integration.
type Channel interface {
	// Name is also the channel recorded on messages and matched on wakes.
	Name() string

	// Start blocks until ctx is cancelled or a fatal error occurs.
	Start(ctx context.Context) error
}

// Intaker is the slice of ingress.Service a channel needs.
type Intaker interface {
	Intake(ctx context.Context, in ingress.Inbound) (*persistence.Message, *ingress.Invocation, error)
}

// replyText is what gets sent back for a wake. Cancelled tasks without a
// summary still produce a line so the sender is not left waiting.
func replyText(w persistence.Wake) string {
	if s := strings.TrimSpace(w.ResponseSummary); s != "" {
		return s
	}
	if w.Outcome == persistence.WakeOutcomeCancelled {
		return "Request cancelled."
	}
	return "Done."
}

// splitMessage breaks text into pieces of at most limit runes, preferring
// to cut after a newline.
func splitMessage(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	for utf8.RuneCountInString(text) > limit {
		cut := byteOffset(text, limit)
		if nl := strings.LastIndexByte(text[:cut], '\n'); nl > 0 {
			cut = nl + 1
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	i := 0
	for n > 0 && i < len(s) {
		_, size := utf8.DecodeRuneInString(s[i:])
		i += size
		n--
	}
	return i
}
