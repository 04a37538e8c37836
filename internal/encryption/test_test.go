package encryption

import (
	"bytes"
	"errors"
	"testing"
)

func TestTestEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()

	for _, input := range [][]byte{nil, []byte("x"), bytes.Repeat([]byte{0xab}, 4096)} {
		e := NewTestEncryptor()
		var sealed bytes.Buffer
		if err := e.Encrypt(bytes.NewReader(input), &sealed); err != nil {
			t.Fatalf("Encrypt() error = %v", err)
		}
		if bytes.Equal(sealed.Bytes(), input) {
			t.Error("ciphertext equals plaintext")
		}

		dec, err := e.Unlock("")
		if err != nil {
			t.Fatalf("Unlock() error = %v", err)
		}
		var plain bytes.Buffer
		if err := dec.Decrypt(&sealed, &plain); err != nil {
			t.Fatalf("Decrypt() error = %v", err)
		}
		if !bytes.Equal(plain.Bytes(), input) {
			t.Errorf("round trip = %q, want %q", plain.Bytes(), input)
		}
	}
}

func TestTestEncryptor_Passphrase(t *testing.T) {
	t.Parallel()
	e := NewTestEncryptor()
	if err := e.Setup("secret"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Unlock("nope"); !errors.Is(err, ErrWrongPassphrase) {
		t.Errorf("Unlock(wrong) error = %v, want ErrWrongPassphrase", err)
	}
	if _, err := e.Unlock("secret"); err != nil {
		t.Errorf("Unlock(right) error = %v", err)
	}
}

func TestTestDecryptor_RejectsForeignInput(t *testing.T) {
	t.Parallel()
	tests := map[string][]byte{
		"empty":     nil,
		"truncated": []byte("CHAN"),
		"wrong":     []byte("SOMETHING-ELSE\npayload"),
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			if err := (testDecryptor{}).Decrypt(bytes.NewReader(input), &bytes.Buffer{}); err == nil {
				t.Error("Decrypt() should fail")
			}
		})
	}
}
