package secure_test

import (
	"testing"

	"github.com/airenas/memo-transcriber/internal/secure"
)

func TestCrypter_EncryptDecrypt(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"transcript", []byte(`{"id":"01J","text":"labas rytas"}`)},
		{"empty", []byte("")},
		{"nil", nil},
		{"non ascii", []byte("ąčęėįšųūž")},
		{"wav header", []byte{'R', 'I', 'F', 'F', 0x24, 0x08, 0x00, 0x00, 'W', 'A', 'V', 'E', 0xff, 0xfe}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := secure.NewCrypter("memokey12345678901234567890123456")
			if err != nil {
				t.Fatalf("could not construct receiver type: %v", err)
			}
			encrypted, err := c.Encrypt(tt.data)
			if err != nil {
				t.Fatalf("Encrypt() failed: %v", err)
			}
			if len(tt.data) > 0 && string(encrypted) == string(tt.data) {
				t.Errorf("Not encrypted = %v", string(encrypted))
			}
			decrypted, err := c.Decrypt(encrypted)
			if err != nil {
				t.Fatalf("Decrypt() failed: %v", err)
			}
			if string(decrypted) != string(tt.data) {
				t.Errorf("Decrypt() = %v, want %v", string(decrypted), string(tt.data))
			}
		})
	}
}

func TestCrypter_Fails(t *testing.T) {
	if _, err := secure.NewCrypter("short"); err == nil {
		t.Errorf("expected error for a short key")
	}
	c, err := secure.NewCrypter("memokey12345678901234567890123456")
	if err != nil {
		t.Fatalf("NewCrypter() failed: %v", err)
	}
	if _, err := c.Decrypt([]byte{1, 2}); err == nil {
		t.Errorf("expected error for a short ciphertext")
	}
	encrypted, err := c.Encrypt([]byte("data"))
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}
	encrypted[len(encrypted)-1] ^= 0xff
	if _, err := c.Decrypt(encrypted); err == nil {
		t.Errorf("expected error for tampered data")
	}
	other, _ := secure.NewCrypter("otherkey2345678901234567890123456")
	encrypted, _ = c.Encrypt([]byte("data"))
	if _, err := other.Decrypt(encrypted); err == nil {
		t.Errorf("expected error for a wrong key")
	}
}
