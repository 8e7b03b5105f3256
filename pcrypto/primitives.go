// Package pcrypto wraps the cryptographic primitives PeerLinks needs: Ed25519
// signing, an anonymous sealed box for invitation transport, XSalsa20-Poly1305
// secretbox for channel encryption, and keyed BLAKE2b hashing, built on
// golang.org/x/crypto's nacl subpackages, which implement the same
// primitives libsodium does.
package pcrypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"io"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"

	"github.com/heapwolf/peerlinks/internal/metrics"
)

// ErrDecryptionFailed is returned whenever an AEAD open (secretbox or sealed
// box) fails its authentication check. Callers in the message/channel layers
// turn this into a peerlinks.BanError, since an authentication failure is
// always attributable to a malformed or malicious remote payload.
var ErrDecryptionFailed = errors.New("pcrypto: decryption failed")

// KeySize is the byte length of every key used here: Ed25519 seeds/public
// keys, X25519 keys, and secretbox keys are all 32 bytes.
const KeySize = 32

// SigningKeyPair wraps an Ed25519 keypair.
type SigningKeyPair struct {
	Public  ed25519.PublicKey
	private ed25519.PrivateKey
}

// GenerateSigningKeyPair generates a fresh Ed25519 keypair.
func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("generate_sign_key").Inc()
		return nil, err
	}
	return &SigningKeyPair{Public: pub, private: priv}, nil
}

// Sign signs message under the keypair's private key.
func (kp *SigningKeyPair) Sign(message []byte) []byte {
	metrics.CryptoOperations.WithLabelValues("sign").Inc()
	return ed25519.Sign(kp.private, message)
}

// Wipe zeroes the private key material. Call when an Identity is destroyed.
func (kp *SigningKeyPair) Wipe() {
	for i := range kp.private {
		kp.private[i] = 0
	}
}

// PrivateBytes returns the keypair's private key, for an Identity to persist
// across restarts.
func (kp *SigningKeyPair) PrivateBytes() []byte {
	return append([]byte(nil), kp.private...)
}

// SigningKeyPairFromPrivateBytes rebuilds a keypair from bytes previously
// returned by PrivateBytes.
func SigningKeyPairFromPrivateBytes(priv []byte) (*SigningKeyPair, error) {
	if len(priv) != ed25519.PrivateKeySize {
		return nil, errors.New("pcrypto: invalid private key length")
	}
	sk := ed25519.PrivateKey(append([]byte(nil), priv...))
	pub := append([]byte(nil), sk.Public().(ed25519.PublicKey)...)
	return &SigningKeyPair{Public: pub, private: sk}, nil
}

// Verify checks an Ed25519 signature made under pub.
func Verify(pub ed25519.PublicKey, message, signature []byte) bool {
	ok := len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, message, signature)
	metrics.CryptoOperations.WithLabelValues("verify").Inc()
	if !ok {
		metrics.CryptoErrors.WithLabelValues("verify").Inc()
	}
	return ok
}

// BoxKeyPair wraps an X25519 keypair used for sealed-box invitation
// transport.
type BoxKeyPair struct {
	Public  [32]byte
	private [32]byte
}

// GenerateBoxKeyPair generates a fresh X25519 keypair. It is never derived
// from a SigningKeyPair: each invitation request gets an independent key.
func GenerateBoxKeyPair() (*BoxKeyPair, error) {
	pub, priv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("generate_box_key").Inc()
		return nil, err
	}
	return &BoxKeyPair{Public: *pub, private: *priv}, nil
}

// Wipe zeroes the private scalar.
func (kp *BoxKeyPair) Wipe() {
	for i := range kp.private {
		kp.private[i] = 0
	}
}

// SealAnonymous implements libsodium's crypto_box_seal: it generates a fresh
// ephemeral X25519 keypair, derives the box nonce deterministically from the
// ephemeral and recipient public keys (so no nonce needs to travel
// separately), seals message to recipientPub, and prefixes the ephemeral
// public key to the ciphertext.
func SealAnonymous(recipientPub [32]byte, message []byte) ([]byte, error) {
	ephPub, ephPriv, err := box.GenerateKey(rand.Reader)
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("seal").Inc()
		return nil, err
	}
	nonce, err := sealNonce(ephPub[:], recipientPub[:])
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("seal").Inc()
		return nil, err
	}
	metrics.CryptoOperations.WithLabelValues("seal").Inc()
	out := make([]byte, 0, 32+box.Overhead+len(message))
	out = append(out, ephPub[:]...)
	return box.Seal(out, message, &nonce, &recipientPub, ephPriv), nil
}

// OpenAnonymous reverses SealAnonymous given the recipient's own keypair.
func OpenAnonymous(recipient *BoxKeyPair, sealed []byte) ([]byte, error) {
	if len(sealed) < 32 {
		metrics.CryptoErrors.WithLabelValues("open").Inc()
		return nil, ErrDecryptionFailed
	}
	var ephPub [32]byte
	copy(ephPub[:], sealed[:32])
	ct := sealed[32:]

	nonce, err := sealNonce(ephPub[:], recipient.Public[:])
	if err != nil {
		metrics.CryptoErrors.WithLabelValues("open").Inc()
		return nil, err
	}

	plaintext, ok := box.Open(nil, ct, &nonce, &ephPub, &recipient.private)
	metrics.CryptoOperations.WithLabelValues("open").Inc()
	if !ok {
		metrics.CryptoErrors.WithLabelValues("open").Inc()
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// sealNonce derives the 24-byte nacl/box nonce from the ephemeral and
// recipient public keys, matching libsodium's sealed-box construction.
func sealNonce(ephPub, recipientPub []byte) ([24]byte, error) {
	var nonce [24]byte
	h, err := blake2b.New(24, nil)
	if err != nil {
		return nonce, err
	}
	h.Write(ephPub)
	h.Write(recipientPub)
	copy(nonce[:], h.Sum(nil))
	return nonce, nil
}

// EncryptSecretbox encrypts plaintext under a channel's symmetric
// encryption_key using XSalsa20-Poly1305, generating a fresh random nonce.
func EncryptSecretbox(key [32]byte, plaintext []byte) (nonce [24]byte, box []byte, err error) {
	if _, err = io.ReadFull(rand.Reader, nonce[:]); err != nil {
		metrics.CryptoErrors.WithLabelValues("secretbox_seal").Inc()
		return nonce, nil, err
	}
	metrics.CryptoOperations.WithLabelValues("secretbox_seal").Inc()
	box = secretbox.Seal(nil, plaintext, &nonce, &key)
	return nonce, box, nil
}

// EncryptSecretboxWithNonce seals plaintext under key using a caller-supplied
// nonce instead of a fresh random one. Used to re-derive a channel member's
// original ciphertext (and therefore its content-addressed hash) from a
// decrypted message plus its transmitted nonce, rather than generating a new
// one that would produce a different hash for the same logical message.
func EncryptSecretboxWithNonce(key [32]byte, nonce [24]byte, plaintext []byte) []byte {
	metrics.CryptoOperations.WithLabelValues("secretbox_seal").Inc()
	return secretbox.Seal(nil, plaintext, &nonce, &key)
}

// DecryptSecretbox is the inverse of EncryptSecretbox. A MAC failure returns
// ErrDecryptionFailed, which callers must treat as ban-worthy.
func DecryptSecretbox(key [32]byte, nonce [24]byte, ciphertext []byte) ([]byte, error) {
	plaintext, ok := secretbox.Open(nil, ciphertext, &nonce, &key)
	metrics.CryptoOperations.WithLabelValues("secretbox_open").Inc()
	if !ok {
		metrics.CryptoErrors.WithLabelValues("secretbox_open").Inc()
		return nil, ErrDecryptionFailed
	}
	return plaintext, nil
}

// KeyedHash computes BLAKE2b(data, key=key) truncated/expanded to size
// bytes. The channel_id, encryption_key, and invite request_id derivations
// all go through here with their own domain-separation keys.
func KeyedHash(data []byte, key string, size int) ([32]byte, error) {
	var out [32]byte
	h, err := blake2b.New(size, []byte(key))
	if err != nil {
		return out, err
	}
	h.Write(data)
	metrics.CryptoOperations.WithLabelValues("hash").Inc()
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Hash computes an unkeyed BLAKE2b-256 hash, used for message content
// addressing`).
func Hash(data []byte) [32]byte {
	metrics.CryptoOperations.WithLabelValues("hash").Inc()
	return blake2b.Sum256(data)
}

// RandomBytes returns n cryptographically random bytes.
func RandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return nil, err
	}
	return b, nil
}
