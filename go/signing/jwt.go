package signing

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Kickoff callers mint short-lived bearer tokens from their SSH private key;
// the server validates against the route's configured public key. The token
// lifetime is fixed at ten minutes with up to one minute of clock skew
// tolerated at validation.
const (
	jwtLifetime = 10 * time.Minute
	jwtLeeway   = 60 * time.Second
)

func methodForKey(pub crypto.PublicKey) (jwt.SigningMethod, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return jwt.SigningMethodRS256, nil
	case *ecdsa.PublicKey:
		return jwt.SigningMethodES256, nil
	case ed25519.PublicKey:
		return jwt.SigningMethodEdDSA, nil
	default:
		return nil, fmt.Errorf("unsupported jwt key type %T", pub)
	}
}

// IssueJWT mints a kickoff bearer token from an SSH private key. The signing
// algorithm follows the key type: RSA keys sign RS256, EC keys ES256,
// Ed25519 keys EdDSA.
func IssueJWT(privateKey []byte, subject string, now time.Time) (string, error) {
	var signer, err = NewPayloadSigner(privateKey)
	if err != nil {
		return "", err
	}
	method, err := methodForKey(signer.Public())
	if err != nil {
		return "", err
	}

	var claims = jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(jwtLifetime)),
	}
	var key interface{} = signer.key
	if method == jwt.SigningMethodEdDSA {
		// jwt/v5 EdDSA wants the ed25519.PrivateKey value directly.
		key = signer.key.(ed25519.PrivateKey)
	}
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	if err != nil {
		return "", fmt.Errorf("signing jwt: %w", err)
	}
	return token, nil
}

// VerifyJWT validates a kickoff bearer against the route's configured public
// key. The only accepted algorithm is the one implied by the key type, and
// the token must carry an expiry.
func VerifyJWT(token string, pub crypto.PublicKey) error {
	var method, err = methodForKey(pub)
	if err != nil {
		return err
	}
	parsed, err := jwt.Parse(token,
		func(t *jwt.Token) (interface{}, error) { return pub, nil },
		jwt.WithValidMethods([]string{method.Alg()}),
		jwt.WithLeeway(jwtLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return fmt.Errorf("jwt rejected: %w", ErrSignatureInvalid)
	}
	return nil
}
