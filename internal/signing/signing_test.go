package signing

import "testing"

func TestSigner(t *testing.T) {
	secret := []byte("topsecret")
	s := NewSigner(secret)
	sig := s.Sign("plant123", 1700000000)
	if len(sig) == 0 {
		t.Fatalf("expected signature")
	}
	if !s.Validate("plant123", "1700000000", sig) {
		t.Fatalf("expected signature to validate")
	}
	if s.Validate("wrong", "1700000000", sig) {
		t.Fatalf("expected validation to fail for wrong plant id")
	}
	if s.Validate("plant123", "42", sig) {
		t.Fatalf("expected validation to fail for wrong expiry")
	}
	if s.Validate("plant123", "not-a-number", sig) {
		t.Fatalf("expected validation to fail for junk expiry")
	}
}

func TestSignerSecretsDiffer(t *testing.T) {
	a := NewSigner([]byte("secret-a"))
	b := NewSigner([]byte("secret-b"))
	sig := a.Sign("plant123", 1700000000)
	if b.Validate("plant123", "1700000000", sig) {
		t.Fatalf("signature from another secret must not validate")
	}
}
