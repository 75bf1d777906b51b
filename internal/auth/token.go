package auth

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/sha512"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/pbkdf2"
	jose "gopkg.in/go-jose/go-jose.v2"
	"gopkg.in/go-jose/go-jose.v2/jwt"

	"nexus-orchestrator/backend/pkg/models"
)

const (
	// Issuer of every access token signed by the orchestrator.
	Issuer = "urn:grindery:orchestrator"
	// AudienceAccessToken marks tokens accepted as bearer credentials.
	AudienceAccessToken = "urn:grindery:access-token:v1"

	minMasterKeyLength = 64
	keyIterations      = 10
	ecdsaKeySalt       = "Grindery ECDSA Key"
	verifyLeeway       = 5 * time.Second
)

var (
	ErrInvalidMasterKey = errors.New("invalid master key")
	ErrInvalidToken     = errors.New("invalid access token")
)

type userClaims struct {
	Workspace string `json:"workspace,omitempty"`
	Role      string `json:"role,omitempty"`
}

// AccessTokens signs and verifies ES256 access tokens with a key derived from
// the master key.
type AccessTokens struct {
	key    *ecdsa.PrivateKey
	signer jose.Signer
	now    func() time.Time
}

// NewAccessTokens derives the signing key from masterKey, which must be at
// least 64 bytes long.
func NewAccessTokens(masterKey string) (*AccessTokens, error) {
	if len(masterKey) < minMasterKeyLength {
		return nil, ErrInvalidMasterKey
	}
	key := deriveECDSAKey([]byte(masterKey))
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.ES256, Key: key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create signer: %w", err)
	}
	return &AccessTokens{key: key, signer: signer, now: time.Now}, nil
}

func deriveECDSAKey(masterKey []byte) *ecdsa.PrivateKey {
	password := sha512.Sum512(masterKey)
	salt := sha512.Sum512([]byte(ecdsaKeySalt))
	raw := pbkdf2.Key(password[:], salt[:16], keyIterations, 32, sha512.New)

	curve := elliptic.P256()
	key := &ecdsa.PrivateKey{D: new(big.Int).SetBytes(raw)}
	key.PublicKey.Curve = curve
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(raw)
	return key
}

// PublicKey returns the verification key.
func (t *AccessTokens) PublicKey() *ecdsa.PublicKey {
	return &t.key.PublicKey
}

// Sign issues a token for user that expires after ttl.
func (t *AccessTokens) Sign(user models.User, ttl time.Duration) (string, error) {
	now := t.now()
	std := jwt.Claims{
		Issuer:   Issuer,
		Subject:  user.Subject,
		Audience: jwt.Audience{AudienceAccessToken},
		IssuedAt: jwt.NewNumericDate(now),
		Expiry:   jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.Signed(t.signer).
		Claims(std).
		Claims(userClaims{Workspace: user.Workspace, Role: user.Role}).
		CompactSerialize()
}

// Verify checks the signature, issuer, audience and expiry of raw and
// returns the user it was issued for.
func (t *AccessTokens) Verify(raw string) (models.User, error) {
	tok, err := jwt.ParseSigned(raw)
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(tok.Headers) != 1 || tok.Headers[0].Algorithm != string(jose.ES256) {
		return models.User{}, fmt.Errorf("%w: unexpected algorithm", ErrInvalidToken)
	}
	var (
		std    jwt.Claims
		custom userClaims
	)
	if err := tok.Claims(&t.key.PublicKey, &std, &custom); err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	err = std.ValidateWithLeeway(jwt.Expected{
		Issuer:   Issuer,
		Audience: jwt.Audience{AudienceAccessToken},
		Time:     t.now(),
	}, verifyLeeway)
	if err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if std.Subject == "" {
		return models.User{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	return models.User{Subject: std.Subject, Workspace: custom.Workspace, Role: custom.Role}, nil
}
