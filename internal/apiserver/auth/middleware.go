package auth

import (
	"log"
	"net/http"
	"strings"

	"jobmesh/internal/apiserver/httpx"
)

// 免认证路由白名单（前缀匹配）
var publicPrefixes = []string{
	"/health",
	"/metrics",
}

// TeamHeader 无认证模式下指定团队的请求头
const TeamHeader = "X-Team-Id"

func isPublicRoute(path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return false
}

// Middleware 创建 JWT 认证中间件
//
// cfg.Enabled() == false 时为无认证模式：团队取自 X-Team-Id 请求头，缺省为 DefaultTeamID。
func Middleware(cfg Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isPublicRoute(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			if !cfg.Enabled() {
				team := strings.TrimSpace(r.Header.Get(TeamHeader))
				if team == "" {
					team = DefaultTeamID
				}
				ctx := WithIdentity(r.Context(), &Identity{TeamID: team, Kind: KindUser})
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			// 提取 Bearer Token
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				httpx.WriteError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				httpx.WriteError(w, http.StatusUnauthorized, "invalid authorization header")
				return
			}

			claims, err := ParseToken(cfg, parts[1])
			if err != nil {
				log.Printf("[auth] token parse error: %v", err)
				httpx.WriteError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}

			ctx := WithIdentity(r.Context(), &Identity{
				Subject: claims.Subject,
				TeamID:  claims.TeamID,
				Kind:    claims.Kind,
			})
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AgentOnly Agent 专属路由：令牌主体必须是路径中的 Agent
//
// 无认证模式下放行。
func AgentOnly(cfg Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Enabled() {
			next(w, r)
			return
		}
		id := GetIdentity(r.Context())
		if id == nil || id.Kind != KindAgent || id.Subject != r.PathValue("id") {
			httpx.WriteError(w, http.StatusForbidden, "agent token required")
			return
		}
		next(w, r)
	}
}
