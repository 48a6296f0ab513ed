// Package server 路由配置与核心基础设施
//
// 把各领域包的处理器挂到同一个 ServeMux 上，并提供：
//   - health: 存储与消息组件健康检查
//   - events.go: 团队事件流查询
//   - metrics.go: Prometheus 指标
//   - middleware.go: 请求 ID、访问日志、CORS
package server

import (
	"context"
	"net/http"
	"time"

	"jobmesh/internal/apiserver/agent"
	"jobmesh/internal/apiserver/auth"
	"jobmesh/internal/apiserver/httpx"
	"jobmesh/internal/apiserver/jobdef"
	"jobmesh/internal/apiserver/jobrun"
	"jobmesh/internal/shared/infra"
	"jobmesh/internal/shared/storage"
	"jobmesh/pkg/logging"
)

// Deps 构造 Handler 所需的全部组件
type Deps struct {
	Store     storage.Store
	Messaging *infra.Messaging
	Auth      auth.Config
	Metrics   *Metrics
	Logger    *logging.Logger

	Definitions *jobdef.Service
	Jobs        *jobrun.Service
	Monitor     *agent.Monitor
}

// Handler API 处理器
type Handler struct {
	store     storage.Store
	messaging *infra.Messaging
	auth      auth.Config
	metrics   *Metrics
	logger    *logging.Logger

	definitions *jobdef.Service
	jobs        *jobrun.Service
	monitor     *agent.Monitor
}

// NewHandler 创建 Handler
func NewHandler(d Deps) *Handler {
	if d.Metrics == nil {
		d.Metrics = NewMetrics("jobmesh")
	}
	if d.Logger == nil {
		d.Logger = logging.Default("api")
	}
	return &Handler{
		store:       d.Store,
		messaging:   d.Messaging,
		auth:        d.Auth,
		metrics:     d.Metrics,
		logger:      d.Logger,
		definitions: d.Definitions,
		jobs:        d.Jobs,
		monitor:     d.Monitor,
	}
}

// Router 返回配置好的 HTTP 路由
//
// 健康检查与指标:
//   - GET /health
//   - GET /metrics
//
// 定义管理 (jobdef):
//   - /api/v1/jobdef, /api/v1/taskdef, /api/v1/stepdef
//
// 作业运行 (jobrun):
//   - POST /api/v1/job, GET /api/v1/job/{id}
//   - GET|PUT /api/v1/taskoutcome/{id}, PUT /api/v1/stepoutcome/{id}
//   - POST /api/v1/taskaction/{republish|interrupt|cancel}/{taskId}
//
// Agent (agent):
//   - GET /api/v1/agent, GET|DELETE /api/v1/agent/{id}
//   - PUT /api/v1/agent/{id}/properties
//   - POST /api/v1/agent/{id}/heartbeat
//   - POST /api/v1/agent/{id}/processorphanedtasks
//
// 事件:
//   - GET /api/v1/events
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", h.metrics.Handler())

	jobdef.NewHandler(h.definitions).RegisterRoutes(mux)
	jobrun.NewHandler(h.jobs).RegisterRoutes(mux)
	agent.NewHandler(h.monitor, h.auth).RegisterRoutes(mux)

	mux.HandleFunc("GET /api/v1/events", h.GetEvents)

	var handler http.Handler = mux
	handler = auth.Middleware(h.auth)(handler)
	handler = h.metrics.MetricsMiddleware(handler)
	handler = h.accessLog(handler)
	handler = requestID(handler)
	return corsMiddleware(handler)
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string            `json:"status"`
	Messaging string            `json:"messaging"`
	Checks    map[string]string `json:"checks"`
}

// Health 检查存储和消息组件
// GET /health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{Status: "ok", Messaging: h.messaging.Backend(), Checks: map[string]string{}}
	check := func(name string, err error) {
		if err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			h.logger.WithError(err).Warn("Health check failed", "component", name)
			return
		}
		resp.Checks[name] = "ok"
	}
	check("storage", h.store.Ping(ctx))
	check("messaging", h.messaging.Health(ctx))

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	httpx.WriteJSON(w, status, resp)
}
