package jobrun

import (
	"context"
	"log"
	"net/http"

	"jobmesh/internal/apiserver/auth"
	"jobmesh/internal/apiserver/httpx"
	"jobmesh/internal/shared/model"
)

// Handler 作业实例、执行记录和任务操作的 HTTP 处理器
type Handler struct {
	service *Service
}

// NewHandler 创建处理器
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes 注册路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/job", h.StartJob)
	mux.HandleFunc("GET /api/v1/job/{id}", h.GetJob)
	mux.HandleFunc("GET /api/v1/taskoutcome/{id}", h.GetTaskOutcome)
	mux.HandleFunc("PUT /api/v1/taskoutcome/{id}", h.UpdateTaskOutcome)
	mux.HandleFunc("PUT /api/v1/stepoutcome/{id}", h.UpdateStepOutcome)
	mux.HandleFunc("POST /api/v1/taskaction/republish/{taskId}", h.Republish)
	mux.HandleFunc("POST /api/v1/taskaction/interrupt/{taskId}", h.Interrupt)
	mux.HandleFunc("POST /api/v1/taskaction/cancel/{taskId}", h.Cancel)
}

// StartJobRequest 启动作业请求
type StartJobRequest struct {
	JobDefID    string          `json:"jobDefId"`
	RuntimeVars model.Variables `json:"runtimeVars,omitempty"`
}

// StartJob 启动作业实例
// POST /api/v1/job
func (h *Handler) StartJob(w http.ResponseWriter, r *http.Request) {
	var req StartJobRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if req.JobDefID == "" {
		httpx.WriteErr(w, &model.ValidationError{Field: "jobDefId", Reason: "jobDefId is required"})
		return
	}

	team := auth.TeamID(r.Context())
	job, err := h.service.StartJob(r.Context(), team, req.JobDefID, req.RuntimeVars)
	if err != nil {
		log.Printf("[jobrun.start] ERROR: team=%s jobdef=%s error=%v", team, req.JobDefID, err)
		httpx.WriteErr(w, err)
		return
	}
	job.Variables = job.Variables.Redacted()
	httpx.WriteJSON(w, http.StatusCreated, job)
}

// GetJob 获取作业实例及其执行记录
// GET /api/v1/job/{id}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetJob(r.Context(), auth.TeamID(r.Context()), r.PathValue("id"))
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

// GetTaskOutcome 获取任务记录及其步骤记录
// GET /api/v1/taskoutcome/{id}
func (h *Handler) GetTaskOutcome(w http.ResponseWriter, r *http.Request) {
	view, err := h.service.GetTaskOutcome(r.Context(), auth.TeamID(r.Context()), r.PathValue("id"))
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

// UpdateTaskOutcome Agent 上报任务状态
// PUT /api/v1/taskoutcome/{id}
func (h *Handler) UpdateTaskOutcome(w http.ResponseWriter, r *http.Request) {
	var req TaskUpdate
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	o, err := h.service.UpdateTaskOutcome(r.Context(), auth.TeamID(r.Context()), r.PathValue("id"), req)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	o.RuntimeVars = o.RuntimeVars.Redacted()
	httpx.WriteJSON(w, http.StatusOK, o)
}

// StepProgressResponse 步骤进度响应；applied=false 表示重复或过期的上报
type StepProgressResponse struct {
	*model.StepOutcome
	Applied bool `json:"applied"`
}

// UpdateStepOutcome Agent 上报步骤进度
// PUT /api/v1/stepoutcome/{id}
func (h *Handler) UpdateStepOutcome(w http.ResponseWriter, r *http.Request) {
	var req StepProgress
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	step, applied, err := h.service.UpdateStepOutcome(r.Context(), auth.TeamID(r.Context()), r.PathValue("id"), req)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, StepProgressResponse{StepOutcome: step, Applied: applied})
}

// Republish 重新发布任务记录
// POST /api/v1/taskaction/republish/{taskId}
func (h *Handler) Republish(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "republish", h.service.Republish)
}

// Interrupt 中断任务记录
// POST /api/v1/taskaction/interrupt/{taskId}
func (h *Handler) Interrupt(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "interrupt", h.service.Interrupt)
}

// Cancel 取消任务记录
// POST /api/v1/taskaction/cancel/{taskId}
func (h *Handler) Cancel(w http.ResponseWriter, r *http.Request) {
	h.action(w, r, "cancel", h.service.Cancel)
}

type actionFunc func(ctx context.Context, teamID, outcomeID string) (*model.TaskOutcome, error)

func (h *Handler) action(w http.ResponseWriter, r *http.Request, name string, fn actionFunc) {
	team, id := auth.TeamID(r.Context()), r.PathValue("taskId")
	o, err := fn(r.Context(), team, id)
	if err != nil {
		log.Printf("[jobrun.%s] ERROR: team=%s outcome=%s error=%v", name, team, id, err)
		httpx.WriteErr(w, err)
		return
	}
	o.RuntimeVars = o.RuntimeVars.Redacted()
	httpx.WriteJSON(w, http.StatusOK, o)
}
