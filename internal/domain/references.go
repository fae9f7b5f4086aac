package domain

import (
	"fmt"
	"strings"
)

// References links a provider-side object back to our business entities.
type References struct {
	InvoiceID      string `json:"invoice_id,omitempty"`
	SubscriptionID string `json:"subscription_id,omitempty"`
	UserID         string `json:"user_id,omitempty"`
}

func (r References) IsZero() bool {
	return r.InvoiceID == "" && r.SubscriptionID == "" && r.UserID == ""
}

// Encode renders the fixed-format field encoding "inv:{id}|sub:{id}|usr:{id}",
// omitting empty segments.
func (r References) Encode() string {
	var parts []string
	if r.InvoiceID != "" {
		parts = append(parts, "inv:"+r.InvoiceID)
	}
	if r.SubscriptionID != "" {
		parts = append(parts, "sub:"+r.SubscriptionID)
	}
	if r.UserID != "" {
		parts = append(parts, "usr:"+r.UserID)
	}
	return strings.Join(parts, "|")
}

// ParseReferences decodes the pipe-delimited reference encoding. Malformed or
// unknown segments are skipped rather than rejected.
func ParseReferences(s string) References {
	var refs References
	for _, segment := range strings.Split(s, "|") {
		prefix, id, ok := strings.Cut(strings.TrimSpace(segment), ":")
		id = strings.TrimSpace(id)
		if !ok || id == "" || strings.ContainsAny(id, ": ") {
			continue
		}
		switch prefix {
		case "inv":
			refs.InvoiceID = id
		case "sub":
			refs.SubscriptionID = id
		case "usr":
			refs.UserID = id
		}
	}
	return refs
}

// ReferencesFromMetadata prefers structured keys and falls back to an encoded
// "reference" value for providers that only offer a single opaque field.
func ReferencesFromMetadata(md map[string]any) References {
	var refs References
	if ref, ok := md["reference"]; ok {
		refs = ParseReferences(fmt.Sprint(ref))
	}
	if v := stringValue(md, "invoice_id"); v != "" {
		refs.InvoiceID = v
	}
	if v := stringValue(md, "subscription_id"); v != "" {
		refs.SubscriptionID = v
	}
	if v := stringValue(md, "user_id"); v != "" {
		refs.UserID = v
	}
	return refs
}

func stringValue(md map[string]any, key string) string {
	v, ok := md[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return fmt.Sprint(v)
}
