// Package bls wraps blst's min-pk BLS12-381 scheme: 48-byte G1 public keys
// and 96-byte G2 signatures that aggregate by point addition.
package bls

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"

	blst "github.com/supranational/blst/bindings/go"
	"github.com/zeebo/blake3"
)

const (
	// PublicKeySize is the size of a compressed BLS public key in bytes.
	PublicKeySize = 48

	// SignatureSize is the size of a compressed BLS signature in bytes.
	SignatureSize = 96

	// SecretKeySize is the size of a serialized BLS secret key in bytes.
	SecretKeySize = 32
)

// dst is the domain separation tag for DATO signatures.
var dst = []byte("BLS_SIG_BLS12381G2_XMD:SHA-256_SSWU_RO_NUL_")

var (
	// ErrNoSignatures is returned when aggregating an empty set.
	ErrNoSignatures = errors.New("bls: no signatures to aggregate")

	// ErrBadSignature is returned for a signature that does not decode to a G2 point.
	ErrBadSignature = errors.New("bls: malformed signature")
)

// KeyPair holds a BLS private/public key pair.
type KeyPair struct {
	secret *blst.SecretKey // secret is the private scalar
	public *blst.P1Affine  // public is the G1 public key
}

// DeriveFromED25519 derives a deterministic BLS key pair from an ED25519 private key.
// The BLS key is bound to the node's network identity via BLAKE3("dato-bls-keygen" || seed).
func DeriveFromED25519(privKey ed25519.PrivateKey) (*KeyPair, error) {
	h := blake3.New()
	h.Write([]byte("dato-bls-keygen"))
	h.Write(privKey.Seed())

	var derived [32]byte
	h.Sum(derived[:0])

	return KeyFromSeed(derived[:])
}

// GenerateKey creates a new BLS key pair from a random seed.
func GenerateKey() (*KeyPair, error) {
	var ikm [32]byte
	if _, err := rand.Read(ikm[:]); err != nil {
		return nil, fmt.Errorf("generate random seed:\n%w", err)
	}

	return KeyFromSeed(ikm[:])
}

// KeyFromSeed creates a BLS key pair from a deterministic seed of at least 32 bytes.
func KeyFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) < 32 {
		return nil, fmt.Errorf("seed must be at least 32 bytes")
	}

	secret := blst.KeyGen(seed)
	if secret == nil {
		return nil, fmt.Errorf("failed to generate BLS key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// KeyFromSecret restores a key pair from a serialized secret key.
func KeyFromSecret(raw []byte) (*KeyPair, error) {
	if len(raw) != SecretKeySize {
		return nil, fmt.Errorf("secret key must be %d bytes, got %d", SecretKeySize, len(raw))
	}

	secret := new(blst.SecretKey).Deserialize(raw)
	if secret == nil {
		return nil, fmt.Errorf("invalid BLS secret key")
	}

	return &KeyPair{
		secret: secret,
		public: new(blst.P1Affine).From(secret),
	}, nil
}

// SecretBytes returns the serialized secret key.
func (k *KeyPair) SecretBytes() []byte {
	return k.secret.Serialize()
}

// Sign creates a BLS signature over the message.
func (k *KeyPair) Sign(message []byte) []byte {
	return new(blst.P2Affine).Sign(k.secret, message, dst).Compress()
}

// PublicKeyBytes returns the compressed public key bytes.
func (k *KeyPair) PublicKeyBytes() []byte {
	return k.public.Compress()
}

// ValidPublicKey reports whether pk decodes to a valid, non-identity G1 point.
func ValidPublicKey(pk []byte) bool {
	_, ok := decodePublicKey(pk)
	return ok
}

// Verify checks a BLS signature against a message and public key.
func Verify(signature, message, publicKey []byte) bool {
	sig, ok := decodeSignature(signature)
	if !ok {
		return false
	}

	pk, ok := decodePublicKey(publicKey)
	if !ok {
		return false
	}

	return sig.Verify(true, pk, true, message, dst)
}

// Aggregate sums signatures into one G2 point.
// The signatures may be over different messages.
func Aggregate(signatures [][]byte) ([]byte, error) {
	if len(signatures) == 0 {
		return nil, ErrNoSignatures
	}

	sigs := make([]*blst.P2Affine, len(signatures))

	for i, raw := range signatures {
		sig, ok := decodeSignature(raw)
		if !ok {
			return nil, fmt.Errorf("signature %d:\n%w", i, ErrBadSignature)
		}

		sigs[i] = sig
	}

	agg := new(blst.P2Aggregate)
	if !agg.Aggregate(sigs, true) {
		return nil, fmt.Errorf("signature aggregation failed")
	}

	return agg.ToAffine().Compress(), nil
}

// AggregateVerify checks an aggregate signature where signer i signed messages[i]
// with publicKeys[i]. It runs a single batched pairing check and never assumes
// the messages are shared.
func AggregateVerify(signature []byte, publicKeys, messages [][]byte) bool {
	if len(publicKeys) == 0 || len(publicKeys) != len(messages) {
		return false
	}

	sig, ok := decodeSignature(signature)
	if !ok {
		return false
	}

	pks := make([]*blst.P1Affine, len(publicKeys))
	msgs := make([]blst.Message, len(messages))

	for i := range publicKeys {
		pk, ok := decodePublicKey(publicKeys[i])
		if !ok {
			return false
		}

		pks[i] = pk
		msgs[i] = messages[i]
	}

	return sig.AggregateVerify(true, pks, true, msgs, dst)
}

// decodeSignature uncompresses a signature, rejecting wrong sizes.
func decodeSignature(raw []byte) (*blst.P2Affine, bool) {
	if len(raw) != SignatureSize {
		return nil, false
	}

	sig := new(blst.P2Affine).Uncompress(raw)

	return sig, sig != nil
}

// decodePublicKey uncompresses a public key and checks it is in the group.
func decodePublicKey(raw []byte) (*blst.P1Affine, bool) {
	if len(raw) != PublicKeySize {
		return nil, false
	}

	pk := new(blst.P1Affine).Uncompress(raw)
	if pk == nil || !pk.KeyValidate() {
		return nil, false
	}

	return pk, true
}
