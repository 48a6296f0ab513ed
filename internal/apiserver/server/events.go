package server

import (
	"net/http"
	"strconv"

	"jobmesh/internal/apiserver/auth"
	"jobmesh/internal/apiserver/httpx"
)

// GetEvents 查询调用方团队的事件流
//
// 路由: GET /api/v1/events
//
// 查询参数:
//   - from: 起始事件 ID（包含），默认从头开始
//   - limit: 返回数量限制，默认 100，最大 1000
//
// 响应:
//
//	{
//	  "events": [...],
//	  "count": 10
//	}
//
// 控制台断线重连后用最后一个事件 ID 续读。
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	events, err := h.messaging.EventBus.GetTeamEvents(r.Context(), auth.TeamID(r.Context()), from, int64(limit))
	if err != nil {
		httpx.WriteErr(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}
