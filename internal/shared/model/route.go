package model

import (
	"encoding/json"
	"fmt"
)

// Route 任务图中的一条命名边
//
// 在 fromRoutes 中 Task 为上游任务名，在 toRoutes 中为下游任务名。
// Label 为条件分支标签，匹配上游结果的 route 值；空串等价于 ".*"。
type Route struct {
	Task  string `bson:"task"`
	Label string `bson:"label"`
}

// MarshalJSON 按 [taskName, label] 二元组输出
func (r Route) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{r.Task, r.Label})
}

// UnmarshalJSON 接受 [taskName] / [taskName, label] 二元组或 {"task","label"} 对象
func (r *Route) UnmarshalJSON(data []byte) error {
	var tuple []string
	if err := json.Unmarshal(data, &tuple); err == nil {
		switch len(tuple) {
		case 1:
			*r = Route{Task: tuple[0]}
			return nil
		case 2:
			*r = Route{Task: tuple[0], Label: tuple[1]}
			return nil
		default:
			return fmt.Errorf("route must be [taskName, label], got %d elements", len(tuple))
		}
	}
	var obj struct {
		Task  string `json:"task"`
		Label string `json:"label"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("invalid route: %w", err)
	}
	*r = Route{Task: obj.Task, Label: obj.Label}
	return nil
}

// CloneRoutes 复制路由列表，nil 保持 nil
func CloneRoutes(routes []Route) []Route {
	if routes == nil {
		return nil
	}
	out := make([]Route, len(routes))
	copy(out, routes)
	return out
}
