package registry

import "testing"

func TestEncryptDecryptRoundTrip(t *testing.T) {
	c := NewCrypto("test-key")

	enc, err := c.Encrypt(FieldPassword, "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if enc == "" {
		t.Fatal("expected non-empty ciphertext")
	}

	dec, err := c.Decrypt(FieldPassword, enc)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if dec != "hunter2" {
		t.Fatalf("expected round-trip to recover plaintext, got %q", dec)
	}
}

func TestEncryptEmptyStringIsNoop(t *testing.T) {
	c := NewCrypto("test-key")
	enc, err := c.Encrypt(FieldPassword, "")
	if err != nil || enc != "" {
		t.Fatalf("expected empty in/out, got %q err=%v", enc, err)
	}
	dec, err := c.Decrypt(FieldPassword, "")
	if err != nil || dec != "" {
		t.Fatalf("expected empty in/out, got %q err=%v", dec, err)
	}
}

func TestDecryptWithWrongFieldFailsRatherThanReturningGarbage(t *testing.T) {
	c := NewCrypto("test-key")

	enc, err := c.Encrypt(FieldPassword, "hunter2")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	if _, err := c.Decrypt(Field2FA, enc); err == nil {
		t.Fatal("expected decrypting a password ciphertext under the 2fa field's key to fail")
	}
}

func TestDerivedKeysAreCachedPerField(t *testing.T) {
	c := NewCrypto("test-key")

	k1, err := c.deriveKey(FieldPassword)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	k2, err := c.deriveKey(FieldPassword)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if string(k1) != string(k2) {
		t.Fatal("expected cached key to be reused")
	}

	k3, err := c.deriveKey(Field2FA)
	if err != nil {
		t.Fatalf("derive: %v", err)
	}
	if string(k1) == string(k3) {
		t.Fatal("expected distinct fields to derive distinct keys")
	}
}
