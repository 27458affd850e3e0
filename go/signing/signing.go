// Package signing holds the crypto primitives of the service: HMAC payload
// validation for webhook and SARIF delivery, detached asymmetric signatures
// over delegated-scan details, and SSH-key-derived JWTs for the kickoff API.
package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrSignatureInvalid is returned whenever a signature or digest fails to
// verify. Callers drop the payload and log; they never retry.
var ErrSignatureInvalid = fmt.Errorf("signature invalid")

func hmacHash(alg string) (func() hash.Hash, error) {
	switch strings.ToLower(alg) {
	case "sha1":
		return sha1.New, nil
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	default:
		return nil, fmt.Errorf("unsupported hmac algorithm %q", alg)
	}
}

// HMACSign computes a digest header of the form "alg=hexdigest", the shape
// used by SCM webhook signatures and SARIF delivery headers.
func HMACSign(secret, body []byte, alg string) (string, error) {
	var h, err = hmacHash(alg)
	if err != nil {
		return "", err
	}
	var mac = hmac.New(h, secret)
	mac.Write(body)
	return fmt.Sprintf("%s=%s", strings.ToLower(alg), hex.EncodeToString(mac.Sum(nil))), nil
}

// HMACVerify checks a received "alg=hexdigest" header against the body in
// constant time. Malformed headers and unknown algorithms fail closed.
func HMACVerify(headerValue string, secret, body []byte) error {
	var alg, digest, ok = strings.Cut(headerValue, "=")
	if !ok {
		return ErrSignatureInvalid
	}
	var want, err = HMACSign(secret, body, alg)
	if err != nil {
		return ErrSignatureInvalid
	}
	var _, wantDigest, _ = strings.Cut(want, "=")
	if subtle.ConstantTimeCompare([]byte(strings.ToLower(digest)), []byte(wantDigest)) != 1 {
		return ErrSignatureInvalid
	}
	return nil
}

// PayloadSigner signs detached payloads with the issuer's private key.
// RSA keys sign with PSS over SHA-256, EC keys with ASN.1 ECDSA over
// SHA-256, Ed25519 keys with pure Ed25519.
type PayloadSigner struct {
	key crypto.Signer
}

// NewPayloadSigner parses an SSH or PEM private key.
func NewPayloadSigner(keyBytes []byte) (*PayloadSigner, error) {
	var raw, err = ssh.ParseRawPrivateKey(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("parsing signing key: %w", err)
	}
	signer, ok := rawToSigner(raw)
	if !ok {
		return nil, fmt.Errorf("unsupported signing key type %T", raw)
	}
	return &PayloadSigner{key: signer}, nil
}

func rawToSigner(raw interface{}) (crypto.Signer, bool) {
	switch k := raw.(type) {
	case *rsa.PrivateKey:
		return k, true
	case *ecdsa.PrivateKey:
		return k, true
	case ed25519.PrivateKey:
		return k, true
	case *ed25519.PrivateKey:
		return *k, true
	default:
		return nil, false
	}
}

// Sign produces a detached signature over payload.
func (s *PayloadSigner) Sign(payload []byte) ([]byte, error) {
	switch key := s.key.(type) {
	case *rsa.PrivateKey:
		var digest = sha256.Sum256(payload)
		return rsa.SignPSS(rand.Reader, key, crypto.SHA256, digest[:], nil)
	case *ecdsa.PrivateKey:
		var digest = sha256.Sum256(payload)
		return ecdsa.SignASN1(rand.Reader, key, digest[:])
	case ed25519.PrivateKey:
		return ed25519.Sign(key, payload), nil
	default:
		return nil, fmt.Errorf("unsupported signing key type %T", s.key)
	}
}

// Public returns the corresponding public key.
func (s *PayloadSigner) Public() crypto.PublicKey { return s.key.Public() }

// PayloadVerifier verifies detached signatures against a configured public
// key. Agents construct one from the issuer public key in their config; the
// issuer constructs one from its own key to authenticate results.
type PayloadVerifier struct {
	pub crypto.PublicKey
}

// NewPayloadVerifier parses an OpenSSH authorized-key line.
func NewPayloadVerifier(authorizedKey []byte) (*PayloadVerifier, error) {
	var pub, err = ParseSSHPublicKey(authorizedKey)
	if err != nil {
		return nil, err
	}
	return &PayloadVerifier{pub: pub}, nil
}

// NewPayloadVerifierFromKey wraps an already-parsed public key.
func NewPayloadVerifierFromKey(pub crypto.PublicKey) *PayloadVerifier {
	return &PayloadVerifier{pub: pub}
}

// Verify fails closed: any parse or mismatch is ErrSignatureInvalid.
func (v *PayloadVerifier) Verify(payload, sig []byte) error {
	switch pub := v.pub.(type) {
	case *rsa.PublicKey:
		var digest = sha256.Sum256(payload)
		if rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, nil) != nil {
			return ErrSignatureInvalid
		}
	case *ecdsa.PublicKey:
		var digest = sha256.Sum256(payload)
		if !ecdsa.VerifyASN1(pub, digest[:], sig) {
			return ErrSignatureInvalid
		}
	case ed25519.PublicKey:
		if !ed25519.Verify(pub, payload, sig) {
			return ErrSignatureInvalid
		}
	default:
		return ErrSignatureInvalid
	}
	return nil
}

// ParseSSHPublicKey extracts the crypto.PublicKey from an OpenSSH
// authorized-key line.
func ParseSSHPublicKey(authorizedKey []byte) (crypto.PublicKey, error) {
	var sshPub, _, _, _, err = ssh.ParseAuthorizedKey(authorizedKey)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	cryptoPub, ok := sshPub.(ssh.CryptoPublicKey)
	if !ok {
		return nil, fmt.Errorf("unsupported public key type %s", sshPub.Type())
	}
	return cryptoPub.CryptoPublicKey(), nil
}
