package server

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/crystal-mush/cmdhost/pkg/gamedb"
)

// Claims holds the JWT claims for an authenticated account.
type Claims struct {
	Account   string       `json:"account"`
	Actor     gamedb.DBRef `json:"actor"`
	ActorName string       `json:"actor_name"`
	jwt.RegisteredClaims
}

// AuthService issues and checks web tokens bound to accounts.
type AuthService struct {
	game   *Game
	jwtKey []byte
	expiry time.Duration
}

// NewAuthService creates an auth service. If jwtSecret is empty, a random
// 32-byte key is generated and tokens die with the process.
func NewAuthService(game *Game, jwtSecret string, expirySeconds int) *AuthService {
	var key []byte
	if jwtSecret != "" {
		key = []byte(jwtSecret)
	} else {
		key = make([]byte, 32)
		rand.Read(key)
	}
	expiry := 24 * time.Hour
	if expirySeconds > 0 {
		expiry = time.Duration(expirySeconds) * time.Second
	}
	return &AuthService{game: game, jwtKey: key, expiry: expiry}
}

// Login authenticates an account from addr and returns a signed token.
// Failures count against the same throttle as line logins.
func (a *AuthService) Login(addr, name, password string) (string, error) {
	acct, err := a.game.Authenticate(addr, name, password)
	if err != nil {
		return "", err
	}
	if err := a.game.Store.PutAccount(acct); err != nil {
		return "", fmt.Errorf("saving account: %w", err)
	}
	now := time.Now()
	claims := Claims{
		Account:   acct.Name,
		Actor:     acct.Actor,
		ActorName: a.game.Name(acct.Actor),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   acct.Name,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
			Issuer:    "cmdhost",
		},
	}
	return a.sign(claims)
}

func (a *AuthService) sign(claims Claims) (string, error) {
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.jwtKey)
}

// ValidateToken parses and validates a token string. The account must
// still exist.
func (a *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return a.jwtKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	if _, err := a.game.Store.GetAccount(claims.Account); err != nil {
		return nil, fmt.Errorf("account %s: %w", claims.Account, err)
	}
	return claims, nil
}

// RefreshToken reissues a valid token with a fresh expiry.
func (a *AuthService) RefreshToken(tokenStr string) (string, error) {
	claims, err := a.ValidateToken(tokenStr)
	if err != nil {
		return "", err
	}
	now := time.Now()
	claims.IssuedAt = jwt.NewNumericDate(now)
	claims.ExpiresAt = jwt.NewNumericDate(now.Add(a.expiry))
	return a.sign(*claims)
}

// GenerateJWTSecret generates a random hex-encoded secret suitable for
// jwt_secret.
func GenerateJWTSecret() string {
	b := make([]byte, 32)
	rand.Read(b)
	return hex.EncodeToString(b)
}
