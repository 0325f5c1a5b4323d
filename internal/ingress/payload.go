package ingress

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/url"
	"strings"
	"unicode/utf8"
)

// DefaultMaxPayloadBytes bounds captured bodies when no limit is configured.
const DefaultMaxPayloadBytes = 1 << 20

// CapturePayload reads at most maxBytes from r and renders it as a prompt
// payload: compacted JSON, a JSON object for form bodies, or raw text.
// Truncated bodies are always kept as text.
func CapturePayload(r io.Reader, contentType string, maxBytes int64) (payload string, truncated bool, err error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxPayloadBytes
	}
	body, err := io.ReadAll(io.LimitReader(r, maxBytes+1))
	if err != nil {
		return "", false, fmt.Errorf("read payload: %w", err)
	}
	if int64(len(body)) > maxBytes {
		return string(cutAtRune(body[:maxBytes])), true, nil
	}
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return "", false, nil
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err == nil {
			return buf.String(), false, nil
		}
	case mediaType == "application/x-www-form-urlencoded":
		if form, err := url.ParseQuery(string(body)); err == nil {
			return formJSON(form), false, nil
		}
	case mediaType == "" && json.Valid(body):
		var buf bytes.Buffer
		if err := json.Compact(&buf, body); err == nil {
			return buf.String(), false, nil
		}
	}
	return string(body), false, nil
}

// cutAtRune drops a trailing partial UTF-8 sequence left by a byte cut.
// Only the last utf8.UTFMax-1 bytes are examined, so bodies that are not
// UTF-8 at all pass through unchanged.
func cutAtRune(b []byte) []byte {
	for i := 1; i < utf8.UTFMax && i <= len(b); i++ {
		if !utf8.RuneStart(b[len(b)-i]) {
			continue
		}
		if !utf8.FullRune(b[len(b)-i:]) {
			return b[:len(b)-i]
		}
		return b
	}
	return b
}

// formJSON flattens single-valued fields to strings and keeps repeated
// fields as arrays.
func formJSON(form url.Values) string {
	obj := make(map[string]any, len(form))
	for k, vs := range form {
		if len(vs) == 1 {
			obj[k] = vs[0]
		} else {
			obj[k] = vs
		}
	}
	out, err := json.Marshal(obj)
	if err != nil {
		return form.Encode()
	}
	return string(out)
}

// RenderPrompt substitutes the payload into a trigger prompt template. An
// empty template yields the payload itself.
func RenderPrompt(template, payload string) string {
	if strings.TrimSpace(template) == "" {
		return payload
	}
	return strings.ReplaceAll(template, "{{payload}}", payload)
}
