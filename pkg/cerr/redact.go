package cerr

import "regexp"

// sensitiveKeys lists detail/field names masked before any Error reaches a
// log sink or a transport. Matching is case-insensitive on the map key.
var sensitiveKeys = map[string]bool{
	"token":             true,
	"access_token":      true,
	"refresh_token":     true,
	"api_key":           true,
	"apikey":            true,
	"password":          true,
	"secret":            true,
	"phone":             true,
	"phone_number":      true,
	"verification_code": true,
	"otp":               true,
}

const redactedPlaceholder = "[REDACTED]"

// bearerLike catches inline "Bearer <token>" / "sk-..." style secrets that
// leak into free-text messages rather than structured detail fields.
var bearerLike = regexp.MustCompile(`(?i)(bearer\s+|sk-)[a-z0-9_\-\.]{8,}`)

// Redacted returns a copy of the error with sensitive Details values masked
// and any bearer-like substrings in Message scrubbed. It is the only form
// that may be passed to a logger or surfaced across an adapter boundary.
func (e *Error) Redacted() *Error {
	if e == nil {
		return nil
	}
	cp := *e
	cp.Message = bearerLike.ReplaceAllString(e.Message, redactedPlaceholder)

	if len(e.Details) > 0 {
		cp.Details = make(map[string]any, len(e.Details))
		for k, v := range e.Details {
			if sensitiveKeys[lower(k)] {
				cp.Details[k] = redactedPlaceholder
				continue
			}
			if s, ok := v.(string); ok {
				cp.Details[k] = bearerLike.ReplaceAllString(s, redactedPlaceholder)
				continue
			}
			cp.Details[k] = v
		}
	}
	return &cp
}

func lower(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'A' && c <= 'Z' {
			b[i] = c + ('a' - 'A')
		}
	}
	return string(b)
}
