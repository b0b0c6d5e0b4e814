/*
File Name:  mimircrypto.go
Package:    mimircrypto

Crypto façade. Two operations only: Ed25519 sign/verify, and
authenticated encryption with a 32-byte shared key. No key derivation
happens here; shared keys arrive already established (via invite,
out-of-band). The output envelope of Encrypt is nonce || ciphertext.
*/
package mimircrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/mimir-im/mimir/types"
)

// SignatureSize is the length in bytes of an Ed25519 signature.
const SignatureSize = ed25519.SignatureSize

// SharedKeySize is the length in bytes of the symmetric key used for
// group-chat and member-profile encryption.
const SharedKeySize = chacha20poly1305.KeySize

// Facade satisfies collab.Crypto.
type Facade struct{}

// New returns a ready-to-use crypto façade. It carries no state: every
// call is a pure function of its inputs.
func New() *Facade {
	return &Facade{}
}

// GenerateKey creates a fresh Ed25519 identity keypair.
func (Facade) GenerateKey() (pub types.PeerKey, priv ed25519.PrivateKey, err error) {
	p, s, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return pub, nil, err
	}
	copy(pub[:], p)
	return pub, s, nil
}

// Sign signs msg with the Ed25519 private key.
func (Facade) Sign(priv ed25519.PrivateKey, msg []byte) (sig [SignatureSize]byte) {
	copy(sig[:], ed25519.Sign(priv, msg))
	return sig
}

// Verify checks an Ed25519 signature against the claimed public key.
func (Facade) Verify(pub types.PeerKey, msg []byte, sig []byte) bool {
	if len(sig) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(pub[:]), msg, sig)
}

// Encrypt authenticated-encrypts plaintext under a 32-byte shared key. The
// returned envelope is nonce || ciphertext; a fresh random nonce is
// generated for every call. The exact AEAD scheme (ChaCha20-Poly1305) is
// the compatibility constant fixed by this façade.
func (Facade) Encrypt(plaintext []byte, sharedKey [SharedKeySize]byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(sharedKey[:])
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, len(nonce)+len(ciphertext))
	copy(out, nonce)
	copy(out[len(nonce):], ciphertext)

	return out, nil
}

// Decrypt reverses Encrypt. It returns types.ErrCryptoFail (wrapped) on
// any MAC mismatch or malformed envelope.
func (Facade) Decrypt(envelope []byte, sharedKey [SharedKeySize]byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(sharedKey[:])
	if err != nil {
		return nil, err
	}

	if len(envelope) < aead.NonceSize() {
		return nil, types.ErrCryptoFail
	}

	nonce := envelope[:aead.NonceSize()]
	ciphertext := envelope[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrCryptoFail, err)
	}
	return plaintext, nil
}

// RandomBytes returns n cryptographically random bytes, used for the
// random attachment file names of the default attachment store.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
