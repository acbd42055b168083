// Package signer holds the benchmark driver's RSA identity and produces the
// signatures a signed store carries.
//
// All signatures are RSA PKCS#1 v1.5 over SHA-512 digests, which makes them
// deterministic for a given key pair and input.
package signer

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha512"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/weiihann/kadbench/dht"
)

// DefaultKeyBits is the RSA modulus size used unless configured otherwise.
const DefaultKeyBits = 4096

// ErrInvalidSignature is returned by the Verify functions.
var ErrInvalidSignature = errors.New("signer: invalid signature")

// Signer is an RSA key pair plus the self-signature of its public key.
type Signer struct {
	private      *rsa.PrivateKey
	publicKey    []byte
	publicKeySig []byte
}

// New generates a key pair of the given size and self-signs the public key.
func New(bits int) (*Signer, error) {
	if bits <= 0 {
		bits = DefaultKeyBits
	}

	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, fmt.Errorf("generate %d-bit key: %w", bits, err)
	}

	return FromKey(priv)
}

// FromKey wraps an existing private key.
func FromKey(priv *rsa.PrivateKey) (*Signer, error) {
	pub, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("marshal public key: %w", err)
	}

	s := &Signer{private: priv, publicKey: pub}

	s.publicKeySig, err = s.sign(pub)
	if err != nil {
		return nil, fmt.Errorf("self-sign public key: %w", err)
	}

	return s, nil
}

// PublicKey returns the PKIX DER encoding of the public key.
func (s *Signer) PublicKey() []byte {
	return s.publicKey
}

// PublicKeySignature returns the signature of PublicKey by its own key.
func (s *Signer) PublicKeySignature() []byte {
	return s.publicKeySig
}

// RequestSignature signs publicKey ∥ publicKeySignature ∥ key.
func (s *Signer) RequestSignature(key dht.Key) ([]byte, error) {
	return s.sign(requestMessage(s.publicKey, s.publicKeySig, key))
}

// SignValue signs a stored value.
func (s *Signer) SignValue(value []byte) ([]byte, error) {
	return s.sign(value)
}

// Envelope builds the signed value and request signature for storing value
// under key on behalf of signerID.
func (s *Signer) Envelope(signerID, key dht.Key, value []byte) (dht.SignedValue, dht.Signature, error) {
	valueSig, err := s.SignValue(value)
	if err != nil {
		return dht.SignedValue{}, dht.Signature{}, fmt.Errorf("sign value: %w", err)
	}

	reqSig, err := s.RequestSignature(key)
	if err != nil {
		return dht.SignedValue{}, dht.Signature{}, fmt.Errorf("sign request: %w", err)
	}

	return dht.SignedValue{Value: value, ValueSignature: valueSig},
		dht.Signature{
			SignerID:           signerID,
			PublicKey:          s.publicKey,
			PublicKeySignature: s.publicKeySig,
			RequestSignature:   reqSig,
		}, nil
}

func (s *Signer) sign(msg []byte) ([]byte, error) {
	digest := sha512.Sum512(msg)

	return rsa.SignPKCS1v15(nil, s.private, crypto.SHA512, digest[:])
}

// VerifyEnvelope checks every signature of a signed store for key.
func VerifyEnvelope(key dht.Key, value dht.SignedValue, sig dht.Signature) error {
	pub, err := parsePublicKey(sig.PublicKey)
	if err != nil {
		return err
	}

	if err := verify(pub, sig.PublicKey, sig.PublicKeySignature); err != nil {
		return fmt.Errorf("public key signature: %w", err)
	}

	msg := requestMessage(sig.PublicKey, sig.PublicKeySignature, key)
	if err := verify(pub, msg, sig.RequestSignature); err != nil {
		return fmt.Errorf("request signature: %w", err)
	}

	if err := verify(pub, value.Value, value.ValueSignature); err != nil {
		return fmt.Errorf("value signature: %w", err)
	}

	return nil
}

func parsePublicKey(der []byte) (*rsa.PublicKey, error) {
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("parse public key: %w", err)
	}

	pub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is %T, want RSA", parsed)
	}

	return pub, nil
}

func verify(pub *rsa.PublicKey, msg, sig []byte) error {
	digest := sha512.Sum512(msg)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA512, digest[:], sig); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignature, err)
	}

	return nil
}

func requestMessage(publicKey, publicKeySig []byte, key dht.Key) []byte {
	msg := make([]byte, 0, len(publicKey)+len(publicKeySig)+dht.KeySizeBytes)
	msg = append(msg, publicKey...)
	msg = append(msg, publicKeySig...)
	msg = append(msg, key[:]...)

	return msg
}
