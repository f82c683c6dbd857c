package auth

import (
	"fmt"
	"time"

	jwt "github.com/dgrijalva/jwt-go"
)

// sessionClaims is the JWT claims format for session tokens. The token
// carries only the user id and the JTI; the mail password stays server
// side, encrypted in the user record.
type sessionClaims struct {
	UserID string `json:"uid"`
	jwt.StandardClaims
}

// signToken mints an HS256 token for the given user and JTI.
func signToken(secret []byte, userID, jti string, issuedAt, expiresAt time.Time) (string, error) {
	claims := sessionClaims{
		UserID: userID,
		StandardClaims: jwt.StandardClaims{
			Id:        jti,
			IssuedAt:  issuedAt.Unix(),
			ExpiresAt: expiresAt.Unix(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("signing session token: %w", err)
	}
	return signed, nil
}

// parseToken verifies the signature and expiry and returns the claims.
// All failures collapse to ErrInvalidToken.
func parseToken(secret []byte, tokenStr string) (*sessionClaims, error) {
	claims := &sessionClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return secret, nil
		},
	)
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.UserID == "" || claims.Id == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
