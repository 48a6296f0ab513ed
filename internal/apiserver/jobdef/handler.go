package jobdef

import (
	"net/http"

	"jobmesh/internal/apiserver/auth"
	"jobmesh/internal/apiserver/httpx"
	"jobmesh/internal/shared/model"
)

// Handler 定义管理 HTTP 处理器
type Handler struct {
	service *Service
}

// NewHandler 创建处理器
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes 注册定义管理路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Job Definitions
	mux.HandleFunc("GET /api/v1/jobdef", h.ListJobDefs)
	mux.HandleFunc("GET /api/v1/jobdef/{id}", h.GetJobDef)
	mux.HandleFunc("POST /api/v1/jobdef", h.CreateJobDef)
	mux.HandleFunc("PUT /api/v1/jobdef/{id}", h.UpdateJobDef)
	mux.HandleFunc("DELETE /api/v1/jobdef/{id}", h.DeleteJobDef)

	// Task Definitions
	mux.HandleFunc("GET /api/v1/taskdef", h.ListTaskDefs)
	mux.HandleFunc("GET /api/v1/taskdef/{id}", h.GetTaskDef)
	mux.HandleFunc("POST /api/v1/taskdef", h.CreateTaskDef)
	mux.HandleFunc("PUT /api/v1/taskdef/{id}", h.UpdateTaskDef)
	mux.HandleFunc("DELETE /api/v1/taskdef/{id}", h.DeleteTaskDef)

	// Step Definitions
	mux.HandleFunc("GET /api/v1/stepdef", h.ListStepDefs)
	mux.HandleFunc("GET /api/v1/stepdef/{id}", h.GetStepDef)
	mux.HandleFunc("POST /api/v1/stepdef", h.CreateStepDef)
	mux.HandleFunc("PUT /api/v1/stepdef/{id}", h.UpdateStepDef)
	mux.HandleFunc("DELETE /api/v1/stepdef/{id}", h.DeleteStepDef)
}

// ============================================================================
// Job Definition
// ============================================================================

// CreateJobDefRequest 创建作业定义请求
type CreateJobDefRequest struct {
	model.JobDefinition
	Tasks []*model.TaskDefinition `json:"tasks,omitempty"`
}

func (h *Handler) ListJobDefs(w http.ResponseWriter, r *http.Request) {
	defs, err := h.service.ListJobDefs(r.Context(), auth.TeamID(r.Context()))
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	for _, jd := range defs {
		jd.Variables = jd.Variables.Redacted()
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"jobDefs": defs, "count": len(defs)})
}

func (h *Handler) GetJobDef(w http.ResponseWriter, r *http.Request) {
	jd, err := h.service.GetJobDef(r.Context(), auth.TeamID(r.Context()), r.PathValue("id"))
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	jd.Variables = jd.Variables.Redacted()
	httpx.WriteJSON(w, http.StatusOK, jd)
}

func (h *Handler) CreateJobDef(w http.ResponseWriter, r *http.Request) {
	var req CreateJobDefRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	jd, err := h.service.CreateJobDef(r.Context(), auth.TeamID(r.Context()), &req.JobDefinition, req.Tasks)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	jd.Variables = jd.Variables.Redacted()
	httpx.WriteJSON(w, http.StatusCreated, jd)
}

func (h *Handler) UpdateJobDef(w http.ResponseWriter, r *http.Request) {
	var u JobDefUpdate
	if err := httpx.DecodeJSON(r, &u); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	jd, err := h.service.UpdateJobDef(r.Context(), auth.TeamID(r.Context()), r.PathValue("id"), u)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	jd.Variables = jd.Variables.Redacted()
	httpx.WriteJSON(w, http.StatusOK, jd)
}

func (h *Handler) DeleteJobDef(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteJobDef(r.Context(), auth.TeamID(r.Context()), r.PathValue("id")); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ============================================================================
// Task Definition
// ============================================================================

func (h *Handler) ListTaskDefs(w http.ResponseWriter, r *http.Request) {
	jobDefID := r.URL.Query().Get("jobDefId")
	if jobDefID == "" {
		httpx.WriteErr(w, &model.ValidationError{Field: "jobDefId", Reason: "jobDefId query parameter is required"})
		return
	}
	tasks, err := h.service.ListTaskDefs(r.Context(), auth.TeamID(r.Context()), jobDefID)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"taskDefs": tasks, "count": len(tasks)})
}

func (h *Handler) GetTaskDef(w http.ResponseWriter, r *http.Request) {
	td, err := h.service.GetTaskDef(r.Context(), auth.TeamID(r.Context()), r.PathValue("id"))
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, td)
}

func (h *Handler) CreateTaskDef(w http.ResponseWriter, r *http.Request) {
	var td model.TaskDefinition
	if err := httpx.DecodeJSON(r, &td); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if td.JobDefID == "" {
		httpx.WriteErr(w, &model.ValidationError{Field: "jobDefId", Reason: "jobDefId is required"})
		return
	}
	created, err := h.service.CreateTaskDef(r.Context(), auth.TeamID(r.Context()), &td)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handler) UpdateTaskDef(w http.ResponseWriter, r *http.Request) {
	var td model.TaskDefinition
	if err := httpx.DecodeJSON(r, &td); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	change, err := h.service.UpdateTaskDef(r.Context(), auth.TeamID(r.Context()), r.PathValue("id"), &td)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, change)
}

func (h *Handler) DeleteTaskDef(w http.ResponseWriter, r *http.Request) {
	change, err := h.service.DeleteTaskDef(r.Context(), auth.TeamID(r.Context()), r.PathValue("id"))
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, change)
}

// ============================================================================
// Step Definition
// ============================================================================

func (h *Handler) ListStepDefs(w http.ResponseWriter, r *http.Request) {
	taskDefID := r.URL.Query().Get("taskDefId")
	if taskDefID == "" {
		httpx.WriteErr(w, &model.ValidationError{Field: "taskDefId", Reason: "taskDefId query parameter is required"})
		return
	}
	steps, err := h.service.ListStepDefs(r.Context(), auth.TeamID(r.Context()), taskDefID)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	for _, sd := range steps {
		sd.Variables = sd.Variables.Redacted()
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"stepDefs": steps, "count": len(steps)})
}

func (h *Handler) GetStepDef(w http.ResponseWriter, r *http.Request) {
	sd, err := h.service.GetStepDef(r.Context(), auth.TeamID(r.Context()), r.PathValue("id"))
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	sd.Variables = sd.Variables.Redacted()
	httpx.WriteJSON(w, http.StatusOK, sd)
}

func (h *Handler) CreateStepDef(w http.ResponseWriter, r *http.Request) {
	var sd model.StepDefinition
	if err := httpx.DecodeJSON(r, &sd); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	if sd.TaskDefID == "" {
		httpx.WriteErr(w, &model.ValidationError{Field: "taskDefId", Reason: "taskDefId is required"})
		return
	}
	created, err := h.service.CreateStepDef(r.Context(), auth.TeamID(r.Context()), &sd)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	created.Variables = created.Variables.Redacted()
	httpx.WriteJSON(w, http.StatusCreated, created)
}

func (h *Handler) UpdateStepDef(w http.ResponseWriter, r *http.Request) {
	var u StepDefUpdate
	if err := httpx.DecodeJSON(r, &u); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	sd, err := h.service.UpdateStepDef(r.Context(), auth.TeamID(r.Context()), r.PathValue("id"), u)
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	sd.Variables = sd.Variables.Redacted()
	httpx.WriteJSON(w, http.StatusOK, sd)
}

func (h *Handler) DeleteStepDef(w http.ResponseWriter, r *http.Request) {
	if err := h.service.DeleteStepDef(r.Context(), auth.TeamID(r.Context()), r.PathValue("id")); err != nil {
		httpx.WriteErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
