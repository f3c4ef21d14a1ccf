package validation

import "testing"

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr string
		want bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xABCDEFabcdef1234567890123456789012345678", true},
		{"1234567890123456789012345678901234567890", false},
		{"0x12345", false},
		{"", false},
		{"0x123456789012345678901234567890123456789g", false},
	}
	for _, tt := range tests {
		if got := IsValidEthAddress(tt.addr); got != tt.want {
			t.Errorf("IsValidEthAddress(%q) = %v, want %v", tt.addr, got, tt.want)
		}
	}
}

func TestIsValidTokenID(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"0", true},
		{"123456789", true},
		{"", false},
		{"-1", false},
		{"0x12", false},
		{"12.5", false},
	}
	for _, tt := range tests {
		if got := IsValidTokenID(tt.id); got != tt.want {
			t.Errorf("IsValidTokenID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestSanitizeAddress(t *testing.T) {
	if got := SanitizeAddress("  0xABCDEF1234567890123456789012345678901234  "); got != "0xabcdef1234567890123456789012345678901234" {
		t.Errorf("SanitizeAddress lowercase/trim failed, got %q", got)
	}
	if got := SanitizeAddress("abcdef1234567890123456789012345678901234"); got != "0xabcdef1234567890123456789012345678901234" {
		t.Errorf("SanitizeAddress prefix failed, got %q", got)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	errs := Validate(
		Required("user_a", ""),
		ValidAddress("user_b", "nonsense"),
		ValidTokenID("token_id", "12"),
		PositiveChainID("chain_id", 0),
	)
	if len(errs) != 3 {
		t.Fatalf("expected 3 errors, got %d: %v", len(errs), errs)
	}
	if errs.Error() == "" {
		t.Error("expected non-empty error string")
	}
}
