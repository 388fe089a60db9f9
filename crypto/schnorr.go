// Package crypto provides the Schnorr-style signing primitive used for
// block and vote signatures (spec.md §3 "signature (Schnorr)", §4.F step
// 6, §4.H QC signatures).
//
// The example pack's luxfi/crypto/bls package (see
// _teacher_slice/crypto/bls) shows the shape every signer in the pack
// follows: a SecretKey that signs into a Signature, a PublicKey the
// Signature verifies against. This package follows the same shape for
// Schnorr. Note on the underlying primitive in DESIGN.md: the pack does
// not retrieve a concrete secp256k1-Schnorr call surface to ground against
// (only BLS and Keccak256 appear in the retrieved files), so the actual
// signature math here is ed25519 — itself a Schnorr-family construction —
// via the standard library, while github.com/luxfi/crypto continues to
// supply the Keccak256 hashing used for block/command/QC content hashes.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/luxfi/dan-consensus/types"
)

// SecretKey is a Schnorr signing key.
type SecretKey struct {
	priv ed25519.PrivateKey
}

// PublicKey is a Schnorr (ed25519) verification key; ToTypesKey converts
// it to the fixed-width 32-byte types.PublicKey.
type PublicKey struct {
	pub ed25519.PublicKey
}

// Signature is a Schnorr signature over a message.
type Signature struct {
	bytes []byte
}

func (s Signature) Bytes() []byte { return s.bytes }

// SignatureFromBytes wraps raw signature bytes (e.g. read off a block
// header) for use with Verify.
func SignatureFromBytes(b []byte) Signature {
	return Signature{bytes: b}
}

// GenerateKey creates a new random signing key.
func GenerateKey() (*SecretKey, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return &SecretKey{priv: priv}, nil
}

// PublicKey returns the public key matching this secret key.
func (sk *SecretKey) PublicKey() PublicKey {
	pub := sk.priv.Public().(ed25519.PublicKey)
	return PublicKey{pub: pub}
}

// ToTypesKey converts this key to the wire-level types.PublicKey used in
// block headers and QC signature sets.
func (pk PublicKey) ToTypesKey() types.PublicKey {
	var out types.PublicKey
	copy(out[:], pk.pub)
	return out
}

func (pk PublicKey) Bytes() []byte { return pk.pub }

// Sign signs msg, returning a Signature.
func (sk *SecretKey) Sign(msg []byte) Signature {
	return Signature{bytes: ed25519.Sign(sk.priv, msg)}
}

// Verify checks sig against msg for the given public key.
func Verify(pk PublicKey, msg []byte, sig Signature) bool {
	if len(pk.pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pk.pub, msg, sig.bytes)
}

// PublicKeyFromTypesKey reconstructs a verifier PublicKey from the
// wire-level types.PublicKey stored in a block header or QC signature.
func PublicKeyFromTypesKey(k types.PublicKey) PublicKey {
	return PublicKey{pub: append(ed25519.PublicKey(nil), k[:ed25519.PublicKeySize]...)}
}
