// Package cipher implements the AEAD stream cipher used to wrap traffic
// between the local proxy and an upstream relay. It is the concrete
// implementation of what the protocol treats as an opaque collaborator:
// a per-session salt is exchanged once at the start of the stream, a
// subkey is derived from it via HKDF, and payload is framed into
// length-prefixed, independently-authenticated chunks.
package cipher

import (
	"crypto/aes"
	gcipher "crypto/cipher"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// subkeyInfo is the HKDF info string fixed by the shadowsocks AEAD
// construction this package is wire-compatible with.
const subkeyInfo = "ss-subkey"

// maxChunkSize is the largest plaintext payload carried by a single frame;
// the 14-bit length prefix caps it at 0x3FFF.
const maxChunkSize = 0x3FFF

// Method describes one supported AEAD cipher.
type Method struct {
	Name     string
	KeySize  int
	SaltSize int
	newAEAD  func(key []byte) (gcipher.AEAD, error)
}

var methods = map[string]Method{
	"aes-128-gcm": {
		Name: "aes-128-gcm", KeySize: 16, SaltSize: 16,
		newAEAD: newGCM,
	},
	"aes-256-gcm": {
		Name: "aes-256-gcm", KeySize: 32, SaltSize: 32,
		newAEAD: newGCM,
	},
	"chacha20-ietf-poly1305": {
		Name: "chacha20-ietf-poly1305", KeySize: chacha20poly1305.KeySize, SaltSize: 32,
		newAEAD: func(key []byte) (gcipher.AEAD, error) { return chacha20poly1305.New(key) },
	},
}

func newGCM(key []byte) (gcipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return gcipher.NewGCM(block)
}

// LookupMethod returns the named cipher method, or an error if it is not
// supported.
func LookupMethod(name string) (Method, error) {
	m, ok := methods[name]
	if !ok {
		return Method{}, fmt.Errorf("unsupported cipher method: %s", name)
	}
	return m, nil
}

// Methods returns the names of every supported cipher, for CLI help text
// and the setup wizard.
func Methods() []string {
	names := make([]string, 0, len(methods))
	for name := range methods {
		names = append(names, name)
	}
	return names
}

// DeriveKey stretches a password into a master key of the requested size
// using the classic OpenSSL EVP_BytesToKey repeated-MD5 construction, the
// same derivation shadowsocks uses to turn an operator-supplied password
// into cipher key material.
func DeriveKey(password string, keySize int) []byte {
	var (
		key  []byte
		prev []byte
	)
	for len(key) < keySize {
		h := md5.New()
		h.Write(prev)
		h.Write([]byte(password))
		prev = h.Sum(nil)
		key = append(key, prev...)
	}
	return key[:keySize]
}

// DeriveSubkey derives the per-session AEAD key from the master key and a
// per-session salt via HKDF-SHA1, matching the "ss-subkey" construction
// used on the wire by shadowsocks AEAD ciphers.
func DeriveSubkey(masterKey, salt []byte, keySize int) ([]byte, error) {
	subkey := make([]byte, keySize)
	reader := hkdf.New(sha1.New, masterKey, salt, []byte(subkeyInfo))
	if _, err := io.ReadFull(reader, subkey); err != nil {
		return nil, fmt.Errorf("derive subkey: %w", err)
	}
	return subkey, nil
}

// incrementNonce advances a little-endian nonce counter by one in place,
// mirroring the per-chunk nonce discipline shadowsocks AEAD streams use.
func incrementNonce(nonce []byte) {
	for i := range nonce {
		nonce[i]++
		if nonce[i] != 0 {
			return
		}
	}
}

// streamCipher holds one direction's AEAD state: the cipher instance and
// the running nonce counter.
type streamCipher struct {
	aead  gcipher.AEAD
	nonce []byte
}

func newStreamCipher(method Method, subkey []byte) (*streamCipher, error) {
	aead, err := method.newAEAD(subkey)
	if err != nil {
		return nil, fmt.Errorf("init aead: %w", err)
	}
	return &streamCipher{aead: aead, nonce: make([]byte, aead.NonceSize())}, nil
}

// seal encrypts plaintext, returning a freshly allocated buffer; the
// nonce is advanced as a side effect. Callers never get back the same
// backing array they passed in.
func (s *streamCipher) seal(plaintext []byte) []byte {
	out := s.aead.Seal(nil, s.nonce, plaintext, nil)
	incrementNonce(s.nonce)
	return out
}

func (s *streamCipher) open(ciphertext []byte) ([]byte, error) {
	out, err := s.aead.Open(nil, s.nonce, ciphertext, nil)
	if err != nil {
		return nil, err
	}
	incrementNonce(s.nonce)
	return out, nil
}

// EncryptWriter wraps an io.Writer, encrypting everything written to it
// as a shadowsocks-style AEAD stream: a random salt once, then
// length-prefixed authenticated chunks.
type EncryptWriter struct {
	w         io.Writer
	method    Method
	masterKey []byte
	cipher    *streamCipher
	saltSent  bool
}

// NewEncryptWriter builds an EncryptWriter for the named method and
// password. The salt is generated and written on the first Write call.
func NewEncryptWriter(w io.Writer, methodName, password string) (*EncryptWriter, error) {
	method, err := LookupMethod(methodName)
	if err != nil {
		return nil, err
	}
	return &EncryptWriter{
		w:         w,
		method:    method,
		masterKey: DeriveKey(password, method.KeySize),
	}, nil
}

// SetWriter redirects subsequent output to w, keeping the already
// established salt and AEAD nonce state. This lets a caller encrypt the
// first frame into a scratch buffer for a TCP Fast Open connect-with-data
// payload, then continue the same stream against the live connection
// once it exists.
func (e *EncryptWriter) SetWriter(w io.Writer) {
	e.w = w
}

func (e *EncryptWriter) ensureInit() error {
	if e.saltSent {
		return nil
	}
	salt := make([]byte, e.method.SaltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	subkey, err := DeriveSubkey(e.masterKey, salt, e.method.KeySize)
	if err != nil {
		return err
	}
	cipher, err := newStreamCipher(e.method, subkey)
	if err != nil {
		return err
	}
	if _, err := e.w.Write(salt); err != nil {
		return fmt.Errorf("write salt: %w", err)
	}
	e.cipher = cipher
	e.saltSent = true
	return nil
}

// Write encrypts and frames p, writing the result to the underlying
// writer. It satisfies io.Writer; p is split into maxChunkSize chunks.
func (e *EncryptWriter) Write(p []byte) (int, error) {
	if err := e.ensureInit(); err != nil {
		return 0, err
	}
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > maxChunkSize {
			n = maxChunkSize
		}
		chunk := p[:n]
		p = p[n:]

		var lenBuf [2]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(n))
		sealedLen := e.cipher.seal(lenBuf[:])
		if _, err := e.w.Write(sealedLen); err != nil {
			return total, fmt.Errorf("write length frame: %w", err)
		}

		sealedPayload := e.cipher.seal(chunk)
		if _, err := e.w.Write(sealedPayload); err != nil {
			return total, fmt.Errorf("write payload frame: %w", err)
		}
		total += n
	}
	return total, nil
}

// DecryptReader wraps an io.Reader, decrypting a shadowsocks-style AEAD
// stream produced by EncryptWriter (or a compatible upstream relay).
type DecryptReader struct {
	r         io.Reader
	method    Method
	masterKey []byte
	cipher    *streamCipher
	saltRead  bool
	pending   []byte // decrypted bytes not yet returned to the caller
}

// NewDecryptReader builds a DecryptReader for the named method and
// password.
func NewDecryptReader(r io.Reader, methodName, password string) (*DecryptReader, error) {
	method, err := LookupMethod(methodName)
	if err != nil {
		return nil, err
	}
	return &DecryptReader{
		r:         r,
		method:    method,
		masterKey: DeriveKey(password, method.KeySize),
	}, nil
}

func (d *DecryptReader) ensureInit() error {
	if d.saltRead {
		return nil
	}
	salt := make([]byte, d.method.SaltSize)
	if _, err := io.ReadFull(d.r, salt); err != nil {
		return fmt.Errorf("read salt: %w", err)
	}
	subkey, err := DeriveSubkey(d.masterKey, salt, d.method.KeySize)
	if err != nil {
		return err
	}
	cipher, err := newStreamCipher(d.method, subkey)
	if err != nil {
		return err
	}
	d.cipher = cipher
	d.saltRead = true
	return nil
}

func (d *DecryptReader) readChunk() ([]byte, error) {
	sealedLen := make([]byte, 2+d.cipher.aead.Overhead())
	if _, err := io.ReadFull(d.r, sealedLen); err != nil {
		return nil, err
	}
	lenBuf, err := d.cipher.open(sealedLen)
	if err != nil {
		return nil, fmt.Errorf("decrypt length frame: %w", err)
	}
	n := binary.BigEndian.Uint16(lenBuf)
	if n > maxChunkSize {
		return nil, fmt.Errorf("chunk length %d exceeds maximum %d", n, maxChunkSize)
	}

	sealedPayload := make([]byte, int(n)+d.cipher.aead.Overhead())
	if _, err := io.ReadFull(d.r, sealedPayload); err != nil {
		return nil, fmt.Errorf("read payload frame: %w", err)
	}
	payload, err := d.cipher.open(sealedPayload)
	if err != nil {
		return nil, fmt.Errorf("decrypt payload frame: %w", err)
	}
	return payload, nil
}

// Read satisfies io.Reader, decrypting and unframing as needed.
func (d *DecryptReader) Read(p []byte) (int, error) {
	if err := d.ensureInit(); err != nil {
		return 0, err
	}
	if len(d.pending) == 0 {
		chunk, err := d.readChunk()
		if err != nil {
			return 0, err
		}
		d.pending = chunk
	}
	n := copy(p, d.pending)
	d.pending = d.pending[n:]
	return n, nil
}
