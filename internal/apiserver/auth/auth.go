// Package auth 团队认证：JWT 令牌签发与校验、HTTP 中间件
//
// 控制台用户和 Agent 都携带 HS256 Bearer Token，令牌中的 teamId 决定请求所属团队。
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// contextKey context 键类型
type contextKey string

const ctxKeyIdentity contextKey = "identity"

// 调用方类型
const (
	KindUser  = "user"
	KindAgent = "agent"
)

// DefaultTeamID 无认证模式下未指定团队时使用的团队
const DefaultTeamID = "default"

// Identity 从令牌解析出的调用方
type Identity struct {
	Subject string // 用户 id 或 Agent machineId
	TeamID  string
	Kind    string // "user" | "agent"
}

// Config 认证配置
type Config struct {
	JWTSecret string
	Issuer    string        // 非空时签发写入、校验要求一致
	TokenTTL  time.Duration // 签发令牌有效期
}

// DefaultConfig 返回默认认证配置
func DefaultConfig() Config {
	return Config{TokenTTL: 24 * time.Hour}
}

// Enabled 是否启用认证
func (c Config) Enabled() bool {
	return c.JWTSecret != ""
}

// ============================================================================
// JWT Token
// ============================================================================

// Claims JWT 声明
type Claims struct {
	jwt.RegisteredClaims
	TeamID string `json:"teamId"`
	Kind   string `json:"kind,omitempty"`
}

// IssueToken 签发令牌
func IssueToken(cfg Config, id Identity) (string, error) {
	if id.TeamID == "" {
		return "", fmt.Errorf("team id is required")
	}
	if id.Kind == "" {
		id.Kind = KindUser
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = DefaultConfig().TokenTTL
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TeamID: id.TeamID,
		Kind:   id.Kind,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// ParseToken 解析并验证 JWT
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.TeamID == "" {
		return nil, fmt.Errorf("token carries no team")
	}
	return claims, nil
}

// ============================================================================
// Context 辅助函数
// ============================================================================

// WithIdentity 将调用方注入 context
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// GetIdentity 从 context 获取调用方
func GetIdentity(ctx context.Context) *Identity {
	id, _ := ctx.Value(ctxKeyIdentity).(*Identity)
	return id
}

// TeamID 请求所属团队，未经认证时为空
func TeamID(ctx context.Context) string {
	if id := GetIdentity(ctx); id != nil {
		return id.TeamID
	}
	return ""
}
