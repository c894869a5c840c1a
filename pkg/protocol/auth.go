package protocol

import (
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/liliang-cn/conceptdb/pkg/core"
)

// SignatureWindow is how far a request timestamp may drift from the server clock.
const SignatureWindow = 300 * time.Second

// Sign returns HMAC-SHA256(secret, decimal(ts) || body).
func Sign(secret []byte, ts int64, body []byte) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(strconv.FormatInt(ts, 10)))
	mac.Write(body)
	return mac.Sum(nil)
}

// Verify checks the envelope's timestamp window and signature.
func Verify(secret []byte, env *Envelope, now time.Time) error {
	const op = "protocol.verify"
	ts := time.Unix(env.Timestamp, 0)
	if d := now.Sub(ts); d > SignatureWindow || d < -SignatureWindow {
		return core.Errorf(core.KindAuthFailed, op, "timestamp %d outside the %s window", env.Timestamp, SignatureWindow)
	}
	if len(env.Signature) == 0 {
		return core.Errorf(core.KindAuthFailed, op, "missing signature")
	}
	if !hmac.Equal(env.Signature, Sign(secret, env.Timestamp, env.Body)) {
		return core.Errorf(core.KindAuthFailed, op, "bad signature")
	}
	return nil
}

// Claims are the JWT claims the server authorizes against.
type Claims struct {
	Level string `json:"level"`
	jwt.RegisteredClaims
}

// IssueToken mints an HS256 token for subject with the given level. ttl <= 0 never expires.
func IssueToken(secret []byte, subject string, level Level, ttl time.Duration, now time.Time) (string, error) {
	if level == LevelNone {
		return "", fmt.Errorf("%w: token needs a level", core.ErrInvalidArgument)
	}
	claims := Claims{
		Level: level.String(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  subject,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// ParseToken validates token and returns its subject and level.
func ParseToken(secret []byte, token string, now time.Time) (string, Level, error) {
	const op = "protocol.parse_token"
	var claims Claims
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time { return now }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", LevelNone, core.Errorf(core.KindAuthFailed, op, "token expired")
		}
		return "", LevelNone, core.Errorf(core.KindAuthFailed, op, "invalid token: %v", err)
	}
	level, err := ParseLevel(claims.Level)
	if err != nil {
		return "", LevelNone, core.Errorf(core.KindAuthFailed, op, "token carries no valid level")
	}
	return claims.Subject, level, nil
}

// Seal builds a signed envelope around req. An empty secret leaves it unsigned.
func Seal(req *Request, secret []byte, token string, now time.Time) (*Envelope, error) {
	body, err := EncodeRequest(req)
	if err != nil {
		return nil, err
	}
	env := &Envelope{Timestamp: now.Unix(), Token: token, Body: body}
	if len(secret) > 0 {
		env.Signature = Sign(secret, env.Timestamp, body)
	}
	return env, nil
}
