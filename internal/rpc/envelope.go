// Package rpc delivers records through the target's batch-execute endpoint.
// The endpoint takes positional nested arrays, so field order and nesting
// in this file are part of the wire format.
package rpc

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/austindbirch/starbridge/internal/content"
	"github.com/austindbirch/starbridge/internal/delivery"
)

const (
	// DefaultRPCID is the add-source operation.
	DefaultRPCID = "izAoDd"

	textDiscriminant = 2
	linkDiscriminant = 1

	// SuccessMarker appears in every well-formed batch-execute response.
	SuccessMarker = "wrb.fr"
	errorMarker   = `["er",`

	FormContentType = "application/x-www-form-urlencoded;charset=UTF-8"
)

// compact marshals the way a browser's JSON.stringify does: no HTML
// escaping, and U+2028/U+2029 left as raw characters.
func compact(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return unescapeLineSeparators(bytes.TrimSuffix(buf.Bytes(), []byte("\n"))), nil
}

// unescapeLineSeparators turns the encoder's \u2028 and \u2029 escapes back
// into the characters. Escaped backslashes are copied as pairs so a literal
// "\\u2028" in a string is left alone.
func unescapeLineSeparators(b []byte) []byte {
	if !bytes.Contains(b, []byte(`\u202`)) {
		return b
	}
	out := make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != '\\' || i+1 >= len(b) {
			out = append(out, b[i])
			continue
		}
		if esc := b[i:]; len(esc) >= 6 && string(esc[:5]) == `\u202` && (esc[5] == '8' || esc[5] == '9') {
			if esc[5] == '8' {
				out = append(out, "\u2028"...)
			} else {
				out = append(out, "\u2029"...)
			}
			i += 5
			continue
		}
		out = append(out, b[i], b[i+1])
		i++
	}
	return out
}

// TextPayload is [[[null,[title,body],null,2]],containerID].
func TextPayload(containerID, title, body string) ([]byte, error) {
	return compact([]any{
		[]any{
			[]any{nil, []any{title, body}, nil, textDiscriminant},
		},
		containerID,
	})
}

// LinkPayload is
// [[[null,null,[url],null,null,null,null,null,null,null,1]],containerID,[2],[1,null,...,[1]]].
func LinkPayload(containerID, link string) ([]byte, error) {
	return compact([]any{
		[]any{
			[]any{nil, nil, []any{link}, nil, nil, nil, nil, nil, nil, nil, linkDiscriminant},
		},
		containerID,
		[]any{2},
		[]any{1, nil, nil, nil, nil, nil, nil, nil, nil, nil, []any{1}},
	})
}

// Payload picks the link shape whenever the record carries a link, even if
// the body is non-empty.
func Payload(rec content.Record, containerID string) ([]byte, error) {
	if rec.IsLink() {
		return LinkPayload(containerID, rec.ExternalLink)
	}
	return TextPayload(containerID, rec.Title, rec.Body)
}

// RequestEnvelope is [[[rpcID,"<payload json>",null,"generic"]]].
func RequestEnvelope(rpcID string, payload []byte) ([]byte, error) {
	return compact([]any{
		[]any{
			[]any{rpcID, string(payload), nil, "generic"},
		},
	})
}

// Form encodes the token and envelope as sibling fields.
func Form(token string, envelope []byte) string {
	v := url.Values{}
	v.Set("at", token)
	v.Set("f.req", string(envelope))
	return v.Encode()
}

// CheckResponse classifies an endpoint response.
func CheckResponse(status int, body string) delivery.Outcome {
	if status != 200 {
		return delivery.EndpointError(status, snippet(body))
	}
	if !strings.Contains(body, SuccessMarker) {
		return delivery.EndpointError(status, "response has no "+SuccessMarker+" frame")
	}
	if strings.Contains(body, errorMarker) {
		return delivery.EndpointError(status, "response carries an error frame")
	}
	return delivery.Delivered()
}

// snippet cuts s to at most 200 bytes without splitting a character.
func snippet(s string) string {
	const limit = 200
	if len(s) <= limit {
		return s
	}
	end := limit
	for end > 0 && !utf8.RuneStart(s[end]) {
		end--
	}
	return s[:end]
}
