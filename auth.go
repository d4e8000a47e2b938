package relay

import (
	"fmt"

	gojwt "github.com/golang-jwt/jwt/v5"
)

// Identity is the resolved principal of an authorized session.
// It is announced to the client as the `profile` frame after connect.
type Identity struct {
	UserId Id     `json:"user_id"`
	Name   string `json:"name,omitempty"`
}

// VerifyFunc resolves a connection token to an identity.
// Returning a nil identity with a nil error means the token did not resolve
// and the session stays anonymous. How tokens are issued is not part of this
// package.
type VerifyFunc func(token string) (*Identity, error)

// NewJwtVerify builds a VerifyFunc that accepts HMAC-signed JWTs carrying
// `user_id` and `name` claims.
func NewJwtVerify(secret []byte) VerifyFunc {
	return func(token string) (*Identity, error) {
		parsed, err := gojwt.Parse(
			token,
			func(t *gojwt.Token) (any, error) {
				if _, ok := t.Method.(*gojwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
				}
				return secret, nil
			},
		)
		if err != nil {
			return nil, err
		}

		claims, ok := parsed.Claims.(gojwt.MapClaims)
		if !ok {
			return nil, fmt.Errorf("unexpected claims type: %T", parsed.Claims)
		}

		identity := &Identity{}
		if userIdStr, ok := claims["user_id"].(string); ok {
			if userId, err := ParseId(userIdStr); err == nil {
				identity.UserId = userId
			}
		}
		if name, ok := claims["name"].(string); ok {
			identity.Name = name
		}
		return identity, nil
	}
}

// NewIdentityJwt signs the counterpart token for NewJwtVerify.
func NewIdentityJwt(secret []byte, identity *Identity) (string, error) {
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"user_id": identity.UserId.String(),
		"name":    identity.Name,
	})
	return token.SignedString(secret)
}
