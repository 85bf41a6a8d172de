package api

import (
	"encoding/hex"
	"testing"
)

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"type":"push","buildID":"b1"}`)
	sig := ComputeSignature("test-secret", body)

	tests := []struct {
		name      string
		secret    string
		body      []byte
		signature string
		want      bool
	}{
		{"valid", "test-secret", body, sig, true},
		{"prefixed", "test-secret", body, "sha256=" + sig, true},
		{"wrong secret", "other-secret", body, sig, false},
		{"tampered body", "test-secret", []byte(`{"type":"push","buildID":"b2"}`), sig, false},
		{"empty signature", "test-secret", body, "", false},
		{"not hex", "test-secret", body, "zz", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := VerifySignature(tt.secret, tt.body, tt.signature); got != tt.want {
				t.Errorf("VerifySignature = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestComputeSignature_Deterministic(t *testing.T) {
	body := []byte(`{"buildID":"b1"}`)

	sig1 := ComputeSignature("test-secret", body)
	sig2 := ComputeSignature("test-secret", body)
	if sig1 != sig2 {
		t.Errorf("ComputeSignature should be deterministic: %s != %s", sig1, sig2)
	}
	if _, err := hex.DecodeString(sig1); err != nil {
		t.Errorf("signature should be valid hex: %v", err)
	}
	// SHA256 produces 32 bytes = 64 hex chars
	if len(sig1) != 64 {
		t.Errorf("signature length should be 64 hex chars, got %d", len(sig1))
	}
}
