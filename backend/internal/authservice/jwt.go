package authservice

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"

	"github.com/karn-cyber/notion/backend/internal/access"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var ErrWrongTokenType = errors.New("authservice: access token required")

type Claims struct {
	// Subject 是账号 id
	Email string `json:"email,omitempty"`
	Name  string `json:"name,omitempty"`
	Type  string `json:"typ"`
	jwt.RegisteredClaims
}

// Identity 转成授权用的身份
func (c *Claims) Identity() access.Identity {
	return access.Identity{AccountID: c.Subject, Email: c.Email, Name: c.Name}
}

// TokenService 签发和校验 HS256 token。密钥来自配置，不再读环境变量
type TokenService struct {
	secret []byte
	issuer string
	clock  clockwork.Clock
}

func NewTokenService(secret, issuer string, clock clockwork.Clock) *TokenService {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TokenService{secret: []byte(secret), issuer: issuer, clock: clock}
}

func (s *TokenService) sign(id access.Identity, typ string, ttl time.Duration) (string, time.Time, error) {
	now := s.clock.Now()
	exp := now.Add(ttl)
	// jwt.NewWithClaims接收指针作为参数，需要使用&取地址
	claims := &Claims{
		Email: id.Email,
		Name:  id.Name,
		Type:  typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.AccountID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, exp, nil
}

func (s *TokenService) SignAccessToken(id access.Identity, ttl time.Duration) (string, time.Time, error) {
	return s.sign(id, TypeAccess, ttl)
}

func (s *TokenService) SignRefreshToken(id access.Identity, ttl time.Duration) (string, time.Time, error) {
	return s.sign(id, TypeRefresh, ttl)
}

// 解析任意 token（访问/刷新），返回 Claims
func (s *TokenService) ParseToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.clock.Now),
		jwt.WithExpirationRequired(),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		return s.secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, jwt.ErrTokenInvalidClaims
}

// VerifyAccess 只接受 access token
func (s *TokenService) VerifyAccess(tokenString string) (access.Identity, error) {
	claims, err := s.ParseToken(tokenString)
	if err != nil {
		return access.Identity{}, err
	}
	if claims.Type != TypeAccess {
		return access.Identity{}, ErrWrongTokenType
	}
	return claims.Identity(), nil
}
