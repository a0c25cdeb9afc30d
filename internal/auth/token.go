package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/UkralStul/community-sync/internal/domain"
	"github.com/golang-jwt/jwt/v5"
)

const issuer = "community-sync"

type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Tokens выпускает и проверяет HS256 токены.
type Tokens struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokens - конструктор. ttl <= 0 означает сутки.
func NewTokens(secret []byte, ttl time.Duration) *Tokens {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Tokens{secret: secret, ttl: ttl, now: time.Now}
}

// Issue выпускает токен для пользователя.
func (t *Tokens) Issue(actor domain.Actor) (string, error) {
	if actor.ID == "" {
		return "", errors.New("actor id is empty")
	}
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Name: actor.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
		},
	})
	return token.SignedString(t.secret)
}

// Parse проверяет токен. Любая ошибка оборачивает domain.ErrAuthRequired.
func (t *Tokens) Parse(raw string) (domain.Actor, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithTimeFunc(t.now),
	)
	c := claims{}
	parsed, err := parser.ParseWithClaims(raw, &c, func(*jwt.Token) (interface{}, error) {
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return domain.Actor{}, fmt.Errorf("token expired: %w", domain.ErrAuthRequired)
		}
		return domain.Actor{}, fmt.Errorf("%v: %w", err, domain.ErrAuthRequired)
	}
	if !parsed.Valid || c.Subject == "" {
		return domain.Actor{}, fmt.Errorf("token is not valid: %w", domain.ErrAuthRequired)
	}
	return domain.Actor{ID: c.Subject, DisplayName: c.Name}, nil
}
