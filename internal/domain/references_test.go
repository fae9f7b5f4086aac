package domain

import "testing"

func TestParseReferences(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  References
	}{
		{"all segments", "inv:1|sub:2|usr:3", References{InvoiceID: "1", SubscriptionID: "2", UserID: "3"}},
		{"order independent", "usr:3|inv:1", References{InvoiceID: "1", UserID: "3"}},
		{"whitespace trimmed", " inv: 1 | sub:2 ", References{InvoiceID: "1", SubscriptionID: "2"}},
		{"unknown prefix ignored", "inv:1|foo:bar", References{InvoiceID: "1"}},
		{"missing colon ignored", "inv1|sub:2", References{SubscriptionID: "2"}},
		{"empty id ignored", "inv:|sub:2", References{SubscriptionID: "2"}},
		{"nested colon ignored", "inv:a:b|usr:3", References{UserID: "3"}},
		{"empty string", "", References{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseReferences(tt.input); got != tt.want {
				t.Errorf("ParseReferences(%q) = %+v, want %+v", tt.input, got, tt.want)
			}
		})
	}
}

func TestReferences_EncodeRoundTrip(t *testing.T) {
	refs := References{InvoiceID: "inv_9", SubscriptionID: "sub_9", UserID: "usr_9"}
	encoded := refs.Encode()
	if encoded != "inv:inv_9|sub:sub_9|usr:usr_9" {
		t.Errorf("Encode() = %q", encoded)
	}
	if got := ParseReferences(encoded); got != refs {
		t.Errorf("ParseReferences(Encode()) = %+v, want %+v", got, refs)
	}
}

func TestReferencesFromMetadata(t *testing.T) {
	md := map[string]any{
		"reference":  "inv:from_ref|sub:from_ref",
		"invoice_id": "structured",
		"user_id":    42,
	}
	got := ReferencesFromMetadata(md)
	want := References{InvoiceID: "structured", SubscriptionID: "from_ref", UserID: "42"}
	if got != want {
		t.Errorf("ReferencesFromMetadata = %+v, want %+v", got, want)
	}
}
