// Package crypto provides the cipher primitives used by the streaming
// protocol: AES-GCM for control and video, AES-CBC for audio, AES-ECB for
// the pairing key exchange, plus PIN-based key derivation and SHA-256
// certificate signatures.
package crypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
)

var (
	// ErrInvalidKey indicates an invalid key size
	ErrInvalidKey = errors.New("invalid key size")
	// ErrDecryptionFailed indicates decryption failed
	ErrDecryptionFailed = errors.New("decryption failed")
	// ErrEncryptionFailed indicates encryption failed
	ErrEncryptionFailed = errors.New("encryption failed")
	// ErrInvalidIV indicates an IV of the wrong size
	ErrInvalidIV = errors.New("invalid IV size")
	// ErrBadSignature indicates a signature verification failure
	ErrBadSignature = errors.New("bad signature")
)

// Sizes used throughout the protocol.
const (
	GCMNonceSize = 12
	GCMTagSize   = 16
	BlockSize    = aes.BlockSize
)

// GCM is an AES-GCM cipher bound to one key. The streaming paths derive a
// fresh IV per packet, so the cipher itself is stateless and safe for the
// single-writer-per-stream model.
type GCM struct {
	aead cipher.AEAD
}

// NewGCM creates an AES-GCM cipher with the given key.
func NewGCM(key []byte) (*GCM, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &GCM{aead: aead}, nil
}

// Seal encrypts plaintext with the given 12-byte IV. The 16-byte tag is
// appended to the ciphertext.
func (g *GCM) Seal(plaintext, iv []byte) ([]byte, error) {
	if len(iv) != g.aead.NonceSize() {
		return nil, ErrInvalidIV
	}
	return g.aead.Seal(nil, iv, plaintext, nil), nil
}

// Open decrypts ciphertext (tag appended) with the given IV.
func (g *GCM) Open(ciphertext, iv []byte) ([]byte, error) {
	if len(iv) != g.aead.NonceSize() {
		return nil, ErrInvalidIV
	}
	plaintext, err := g.aead.Open(nil, iv, ciphertext, nil)
	if err != nil {
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// SealSplit encrypts plaintext and returns ciphertext and tag separately,
// for wire formats that place the tag ahead of the payload.
func (g *GCM) SealSplit(plaintext, iv []byte) (ciphertext, tag []byte, err error) {
	sealed, err := g.Seal(plaintext, iv)
	if err != nil {
		return nil, nil, err
	}
	split := len(sealed) - g.aead.Overhead()
	return sealed[:split], sealed[split:], nil
}

// OpenSplit decrypts a ciphertext whose tag arrives separately.
func (g *GCM) OpenSplit(ciphertext, tag, iv []byte) ([]byte, error) {
	sealed := make([]byte, len(ciphertext)+len(tag))
	copy(sealed, ciphertext)
	copy(sealed[len(ciphertext):], tag)
	return g.Open(sealed, iv)
}

// Overhead returns the GCM tag size.
func (g *GCM) Overhead() int {
	return g.aead.Overhead()
}

// CBC is an AES-CBC cipher with PKCS#7 padding, bound to one key.
type CBC struct {
	block cipher.Block
}

// NewCBC creates an AES-CBC cipher with the given key.
func NewCBC(key []byte) (*CBC, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	return &CBC{block: block}, nil
}

// Encrypt encrypts plaintext with PKCS#7 padding.
func (c *CBC) Encrypt(plaintext, iv []byte) ([]byte, error) {
	if len(iv) != c.block.BlockSize() {
		return nil, ErrInvalidIV
	}

	bs := c.block.BlockSize()
	padding := bs - (len(plaintext) % bs)
	padded := make([]byte, len(plaintext)+padding)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// Decrypt decrypts ciphertext and strips PKCS#7 padding.
func (c *CBC) Decrypt(ciphertext, iv []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(iv) != bs {
		return nil, ErrInvalidIV
	}
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, ErrDecryptionFailed
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plaintext, ciphertext)

	padding := int(plaintext[len(plaintext)-1])
	if padding == 0 || padding > bs || padding > len(plaintext) {
		return nil, ErrDecryptionFailed
	}
	for i := len(plaintext) - padding; i < len(plaintext); i++ {
		if plaintext[i] != byte(padding) {
			return nil, ErrDecryptionFailed
		}
	}
	return plaintext[:len(plaintext)-padding], nil
}

// EncryptPadToBlock encrypts plaintext zero-padded up to the next block
// boundary. Used for legacy input stream payloads where the plaintext
// length is carried out of band.
func (c *CBC) EncryptPadToBlock(plaintext, iv []byte) ([]byte, error) {
	if len(iv) != c.block.BlockSize() {
		return nil, ErrInvalidIV
	}

	bs := c.block.BlockSize()
	size := ((len(plaintext) + bs - 1) / bs) * bs
	if size == 0 {
		size = bs
	}
	padded := make([]byte, size)
	copy(padded, plaintext)

	ciphertext := make([]byte, size)
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// DecryptNoUnpad decrypts without stripping padding; the caller knows the
// plaintext length.
func (c *CBC) DecryptNoUnpad(ciphertext, iv []byte) ([]byte, error) {
	bs := c.block.BlockSize()
	if len(iv) != bs {
		return nil, ErrInvalidIV
	}
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, ErrDecryptionFailed
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(plaintext, ciphertext)
	return plaintext, nil
}

// ECB is an AES-ECB cipher. Only the pairing key exchange uses it; the
// media paths never do.
type ECB struct {
	block cipher.Block
}

// NewECB creates an AES-ECB cipher with the given key.
func NewECB(key []byte) (*ECB, error) {
	block, err := newBlock(key)
	if err != nil {
		return nil, err
	}
	return &ECB{block: block}, nil
}

// Encrypt encrypts plaintext block by block with PKCS#7 padding.
func (e *ECB) Encrypt(plaintext []byte) ([]byte, error) {
	bs := e.block.BlockSize()
	padding := bs - (len(plaintext) % bs)
	padded := make([]byte, len(plaintext)+padding)
	copy(padded, plaintext)
	for i := len(plaintext); i < len(padded); i++ {
		padded[i] = byte(padding)
	}

	ciphertext := make([]byte, len(padded))
	for i := 0; i < len(padded); i += bs {
		e.block.Encrypt(ciphertext[i:i+bs], padded[i:i+bs])
	}
	return ciphertext, nil
}

// Decrypt decrypts ciphertext block by block and strips PKCS#7 padding.
func (e *ECB) Decrypt(ciphertext []byte) ([]byte, error) {
	bs := e.block.BlockSize()
	if len(ciphertext) == 0 || len(ciphertext)%bs != 0 {
		return nil, ErrDecryptionFailed
	}

	plaintext := make([]byte, len(ciphertext))
	for i := 0; i < len(ciphertext); i += bs {
		e.block.Decrypt(plaintext[i:i+bs], ciphertext[i:i+bs])
	}

	padding := int(plaintext[len(plaintext)-1])
	if padding == 0 || padding > bs || padding > len(plaintext) {
		return nil, ErrDecryptionFailed
	}
	for i := len(plaintext) - padding; i < len(plaintext); i++ {
		if plaintext[i] != byte(padding) {
			return nil, ErrDecryptionFailed
		}
	}
	return plaintext[:len(plaintext)-padding], nil
}

// PINToKey derives the 16-byte pairing AES key from the salt and the
// user-entered PIN: the leading bytes of SHA-256(salt || pin).
func PINToKey(salt []byte, pin string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(pin))
	return h.Sum(nil)[:16]
}

// Sign produces a SHA-256 RSA signature over data.
func Sign(key *rsa.PrivateKey, data []byte) ([]byte, error) {
	digest := sha256.Sum256(data)
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
}

// Verify checks a SHA-256 RSA signature against the public key of cert.
func Verify(cert *x509.Certificate, data, signature []byte) error {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return ErrBadSignature
	}
	digest := sha256.Sum256(data)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], signature); err != nil {
		return ErrBadSignature
	}
	return nil
}

// Random returns n cryptographically random bytes.
func Random(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}

func newBlock(key []byte) (cipher.Block, error) {
	if len(key) != 16 && len(key) != 24 && len(key) != 32 {
		return nil, ErrInvalidKey
	}
	return aes.NewCipher(key)
}
