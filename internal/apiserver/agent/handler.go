package agent

import (
	"fmt"
	"log"
	"net/http"

	"jobmesh/internal/apiserver/auth"
	"jobmesh/internal/apiserver/httpx"
	"jobmesh/internal/shared/eventbus"
	"jobmesh/internal/shared/model"

	"github.com/containerd/errdefs"
)

// Handler Agent 领域 HTTP 处理器
type Handler struct {
	monitor *Monitor
	auth    auth.Config
}

// NewHandler 创建 Agent 处理器
func NewHandler(monitor *Monitor, authCfg auth.Config) *Handler {
	return &Handler{monitor: monitor, auth: authCfg}
}

// RegisterRoutes 注册 Agent 相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/agent", h.List)
	mux.HandleFunc("GET /api/v1/agent/{id}", h.Get)
	mux.HandleFunc("PUT /api/v1/agent/{id}/properties", h.UpdateProperties)
	mux.HandleFunc("DELETE /api/v1/agent/{id}", h.Delete)
	mux.HandleFunc("POST /api/v1/agent/{id}/heartbeat", auth.AgentOnly(h.auth, h.Heartbeat))
	mux.HandleFunc("POST /api/v1/agent/{id}/processorphanedtasks", h.ProcessOrphanedTasks)
}

// ============================================================================
// 类型
// ============================================================================

// Response Agent 响应结构，online 按当前时间计算
type Response struct {
	*model.Agent
	Online bool `json:"online"`
}

// HeartbeatResponse 心跳响应，携带需要 Agent 停止的记录和目标版本
type HeartbeatResponse struct {
	Reconnected   bool     `json:"reconnected"`
	TasksToCancel []string `json:"tasksToCancel"`
	TargetVersion string   `json:"targetVersion,omitempty"`
	Online        bool     `json:"online"`
}

func (h *Handler) response(a *model.Agent) Response {
	return Response{Agent: a, Online: a.Online(h.monitor.now(), h.monitor.config.ActiveAgentTimeout)}
}

// ============================================================================
// HTTP 处理函数
// ============================================================================

// Heartbeat 处理 Agent 心跳
// POST /api/v1/agent/{id}/heartbeat
func (h *Handler) Heartbeat(w http.ResponseWriter, r *http.Request) {
	var hb model.AgentHeartbeat
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(r, &hb); err != nil {
			log.Printf("[agent.heartbeat] ERROR: %v", err)
			httpx.WriteErr(w, err)
			return
		}
	}
	hb.TeamID = auth.TeamID(r.Context())
	hb.AgentID = r.PathValue("id")

	result, err := h.monitor.RecordHeartbeat(r.Context(), &hb)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, HeartbeatResponse{
		Reconnected:   result.Reconnected,
		TasksToCancel: result.TasksToCancel,
		TargetVersion: result.Agent.TargetVersion,
		Online:        true,
	})
}

// ProcessOrphanedTasks 立即恢复 Agent 名下的孤儿任务并置离线
// POST /api/v1/agent/{id}/processorphanedtasks
func (h *Handler) ProcessOrphanedTasks(w http.ResponseWriter, r *http.Request) {
	team, id := auth.TeamID(r.Context()), r.PathValue("id")
	if _, err := h.monitor.store.GetAgent(r.Context(), team, id); err != nil {
		httpx.WriteErr(w, notFound(id, err))
		return
	}
	result, err := h.monitor.recovery.Recover(r.Context(), team, id)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"success": len(result.Failed) == 0, "result": result})
}

// List 列出团队内的 Agent
// GET /api/v1/agent
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	agents, err := h.monitor.store.ListAgents(r.Context(), auth.TeamID(r.Context()))
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	resp := make([]Response, 0, len(agents))
	for _, a := range agents {
		resp = append(resp, h.response(a))
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"agents": resp, "total": len(resp)})
}

// Get 获取 Agent 详情
// GET /api/v1/agent/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	a, err := h.monitor.store.GetAgent(r.Context(), auth.TeamID(r.Context()), id)
	if err != nil {
		httpx.WriteErr(w, notFound(id, err))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.response(a))
}

// UpdateProperties 更新 propertyOverrides
// PUT /api/v1/agent/{id}/properties
func (h *Handler) UpdateProperties(w http.ResponseWriter, r *http.Request) {
	var overrides model.AgentOverrides
	if err := httpx.DecodeJSON(r, &overrides); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if overrides.MaxActiveTasks < 0 {
		httpx.WriteErr(w, &model.ValidationError{Field: "maxActiveTasks", Reason: "must not be negative"})
		return
	}

	team, id := auth.TeamID(r.Context()), r.PathValue("id")
	a, err := h.monitor.store.UpdateAgentOverrides(r.Context(), team, id, overrides)
	if err != nil {
		httpx.WriteErr(w, notFound(id, err))
		return
	}
	log.Printf("[agent.properties] team=%s agent=%s max_active=%d", team, id, overrides.MaxActiveTasks)
	h.monitor.publishAgentEvent(r.Context(), eventbus.OpUpdate, a)

	// 上限放宽后可能有等待中的记录能派发了
	h.monitor.redispatchInBackground(team)
	httpx.WriteJSON(w, http.StatusOK, h.response(a))
}

// Delete 删除 Agent；仍有任务定义指定它时拒绝
// DELETE /api/v1/agent/{id}
func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	team, id := auth.TeamID(ctx), r.PathValue("id")
	a, err := h.monitor.store.GetAgent(ctx, team, id)
	if err != nil {
		httpx.WriteErr(w, notFound(id, err))
		return
	}

	n, err := h.monitor.store.CountTaskDefsTargetingAgent(ctx, team, id)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if n > 0 {
		httpx.WriteErr(w, fmt.Errorf("agent %s is targeted by %d task definitions: %w", id, n, errdefs.ErrFailedPrecondition))
		return
	}

	if err := h.monitor.store.DeleteAgent(ctx, team, id); err != nil {
		httpx.WriteErr(w, notFound(id, err))
		return
	}
	log.Printf("[agent.deleted] team=%s agent=%s", team, id)
	h.monitor.publishAgentEvent(ctx, eventbus.OpDelete, a)
	w.WriteHeader(http.StatusNoContent)
}

// notFound 把存储层的 ErrNotFound 换成带 Agent id 的 MissingObjectError
func notFound(id string, err error) error {
	if errdefs.IsNotFound(err) {
		return model.Missing("agent", id)
	}
	return err
}
