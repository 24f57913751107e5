package auth

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is the issuer connector tokens carry.
const DefaultIssuer = "https://api.botframework.com"

// ParsePublicKeyPEM decodes a PKCS1 or PKIX RSA public key.
func ParsePublicKeyPEM(publicKeyPEM string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, errors.New("failed to decode PEM block")
	}

	publicKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err == nil {
		return publicKey, nil
	}
	// Try parsing as PKIX
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	publicKey, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not RSA")
	}
	return publicKey, nil
}

// Signer issues RS256 bearer tokens for a bot app.
type Signer struct {
	key    *rsa.PrivateKey
	issuer string
	now    func() time.Time
}

func NewSigner(key *rsa.PrivateKey, issuer string) *Signer {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Signer{key: key, issuer: issuer, now: time.Now}
}

// Sign returns a token for appID valid for ttl.
func (s *Signer) Sign(appID, audience string, ttl time.Duration) (string, error) {
	now := s.now()
	claims := jwt.MapClaims{
		"iss":   s.issuer,
		"aud":   audience,
		"appid": appID,
		"iat":   now.Unix(),
		"nbf":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.key)
}

// Validator checks RS256 bearer tokens.
type Validator struct {
	publicKey *rsa.PublicKey
	issuer    string
	audience  string
}

func NewValidator(publicKey *rsa.PublicKey, issuer, audience string) *Validator {
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Validator{publicKey: publicKey, issuer: issuer, audience: audience}
}

// ValidateToken validates a token and returns its appid claim.
func (v *Validator) ValidateToken(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (any, error) {
		return v.publicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("invalid claims")
	}
	appID, ok := claims["appid"].(string)
	if !ok || appID == "" {
		return "", errors.New("missing or invalid appid claim")
	}
	return appID, nil
}

// HTTPMiddleware rejects requests without a valid bearer token.
func (v *Validator) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Skip auth for health checks
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			http.Error(w, "Missing Authorization header", http.StatusUnauthorized)
			return
		}
		tokenString := strings.TrimPrefix(authHeader, "Bearer ")
		if tokenString == authHeader {
			http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
			return
		}
		if _, err := v.ValidateToken(tokenString); err != nil {
			http.Error(w, fmt.Sprintf("Invalid token: %v", err), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
