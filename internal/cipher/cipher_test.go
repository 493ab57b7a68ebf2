package cipher

import (
	"bytes"
	"io"
	"testing"
)

func TestRoundTrip(t *testing.T) {
	for _, method := range Methods() {
		t.Run(method, func(t *testing.T) {
			var buf bytes.Buffer

			ew, err := NewEncryptWriter(&buf, method, "correct horse battery staple")
			if err != nil {
				t.Fatalf("NewEncryptWriter() error = %v", err)
			}

			messages := [][]byte{
				[]byte("GET / HTTP/1.1\r\n"),
				[]byte(""),
				bytes.Repeat([]byte{0x42}, maxChunkSize+100), // exercises chunk splitting
			}
			for _, m := range messages {
				if _, err := ew.Write(m); err != nil {
					t.Fatalf("Write() error = %v", err)
				}
			}

			dr, err := NewDecryptReader(&buf, method, "correct horse battery staple")
			if err != nil {
				t.Fatalf("NewDecryptReader() error = %v", err)
			}

			want := bytes.Join(messages, nil)
			got, err := io.ReadAll(dr)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if !bytes.Equal(got, want) {
				t.Errorf("round trip mismatch: got %d bytes, want %d bytes", len(got), len(want))
			}
		})
	}
}

func TestDecryptWrongPassword(t *testing.T) {
	var buf bytes.Buffer
	ew, err := NewEncryptWriter(&buf, "chacha20-ietf-poly1305", "password-one")
	if err != nil {
		t.Fatalf("NewEncryptWriter() error = %v", err)
	}
	if _, err := ew.Write([]byte("hello")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	dr, err := NewDecryptReader(&buf, "chacha20-ietf-poly1305", "password-two")
	if err != nil {
		t.Fatalf("NewDecryptReader() error = %v", err)
	}

	if _, err := io.ReadAll(dr); err == nil {
		t.Error("expected decryption to fail with the wrong password")
	}
}

func TestDecryptTamperedCiphertext(t *testing.T) {
	var buf bytes.Buffer
	ew, err := NewEncryptWriter(&buf, "aes-256-gcm", "secret")
	if err != nil {
		t.Fatalf("NewEncryptWriter() error = %v", err)
	}
	if _, err := ew.Write([]byte("hello world")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	raw := buf.Bytes()
	raw[len(raw)-1] ^= 0xFF // flip a bit in the last authenticated chunk

	dr, err := NewDecryptReader(bytes.NewReader(raw), "aes-256-gcm", "secret")
	if err != nil {
		t.Fatalf("NewDecryptReader() error = %v", err)
	}
	if _, err := io.ReadAll(dr); err == nil {
		t.Error("expected decryption to fail on tampered ciphertext")
	}
}

func TestLookupMethod_Unsupported(t *testing.T) {
	if _, err := LookupMethod("rot13"); err == nil {
		t.Error("expected an error for an unsupported method")
	}
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey("password", 32)
	b := DeriveKey("password", 32)
	if !bytes.Equal(a, b) {
		t.Error("DeriveKey is not deterministic for the same password")
	}

	c := DeriveKey("different", 32)
	if bytes.Equal(a, c) {
		t.Error("DeriveKey produced the same key for different passwords")
	}
}

func TestDeriveSubkeyVariesWithSalt(t *testing.T) {
	master := DeriveKey("password", 32)
	k1, err := DeriveSubkey(master, []byte("salt-one-salt-one-salt-one-32by"), 32)
	if err != nil {
		t.Fatalf("DeriveSubkey() error = %v", err)
	}
	k2, err := DeriveSubkey(master, []byte("salt-two-salt-two-salt-two-32by"), 32)
	if err != nil {
		t.Fatalf("DeriveSubkey() error = %v", err)
	}
	if bytes.Equal(k1, k2) {
		t.Error("DeriveSubkey produced the same subkey for different salts")
	}
}
