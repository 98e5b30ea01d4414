package auth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrMissingBearer = fmt.Errorf("%w: missing bearer token", ErrUnauthenticated)
	ErrInvalidToken  = fmt.Errorf("%w: invalid or expired token", ErrUnauthenticated)
)

// Claims are the bearer token claims issued by the identity provider.
type Claims struct {
	Wallet string `json:"wallet,omitempty"`
	jwt.RegisteredClaims
}

// TokenVerifier validates HS256 bearer tokens.
type TokenVerifier struct {
	Secret  string
	Issuer  string
	Leeway  time.Duration
	OnError func(r *http.Request, err error)
}

func (v *TokenVerifier) Parse(tokenStr string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(v.Leeway),
	}
	if v.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(v.Secret), nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Wallet != "" && !common.IsHexAddress(claims.Wallet) {
		return nil, fmt.Errorf("%w: wallet claim is not an address", ErrInvalidToken)
	}
	return claims, nil
}

// Middleware requires a valid bearer token and stores the Identity on the
// request context.
func (v *TokenVerifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		tokenStr := strings.TrimPrefix(header, "Bearer ")
		if header == "" || tokenStr == header {
			v.reject(w, r, ErrMissingBearer)
			return
		}
		claims, err := v.Parse(tokenStr)
		if err != nil {
			v.reject(w, r, err)
			return
		}
		id := Identity{Subject: claims.Subject, Token: tokenStr}
		if claims.Wallet != "" {
			id.Wallet = common.HexToAddress(claims.Wallet)
		}
		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

func (v *TokenVerifier) reject(w http.ResponseWriter, r *http.Request, err error) {
	if v.OnError != nil {
		v.OnError(r, err)
	}
	// Parse failures are not echoed back.
	writeUnauthorized(w, ErrInvalidToken)
}

// IssueToken signs a token for subject and wallet. Used by tests and local tooling.
func IssueToken(secret, issuer, subject string, wallet common.Address, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Wallet: wallet.Hex(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}
