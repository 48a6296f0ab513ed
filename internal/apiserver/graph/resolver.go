package graph

import (
	"regexp"

	"jobmesh/internal/shared/model"
)

// edgeState 一条边在当前执行记录下的状态
type edgeState int

const (
	edgePending edgeState = iota
	edgeSatisfied
	edgeBroken
)

// Resolution 一次解析的结果
type Resolution struct {
	// Runnable 依赖已满足、尚无执行记录的任务
	Runnable []*model.TaskDefinition
	// Unreachable 依赖再也无法满足、应标记为 SKIPPED 的任务（含级联）
	Unreachable []*model.TaskDefinition
	// Status 作业实例据此应处的状态
	Status model.JobStatus
}

// taskState 单个任务的聚合状态（扇出任务有多条当前记录）
type taskState struct {
	outcomes []*model.TaskOutcome
	skipped  bool // 本轮判定不可达
}

func (s *taskState) started() bool { return len(s.outcomes) > 0 || s.skipped }

// settled 全部当前记录处于终态
func (s *taskState) settled() bool {
	if s.skipped {
		return true
	}
	if len(s.outcomes) == 0 {
		return false
	}
	for _, o := range s.outcomes {
		if !o.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// NextRunnable 计算下一批可运行任务
//
// 根任务（无入边）在作业开始时即可运行；已有执行记录的任务不会再次出现。
func NextRunnable(g *Graph, outcomes []*model.TaskOutcome) []*model.TaskDefinition {
	return Resolve(g, outcomes).Runnable
}

// Resolve 根据任务图和作业实例的执行记录计算可运行集合、不可达集合和作业状态
//
// outcomes 中被替换的记录（ReplacedBy 非空）和不属于图中任务的记录被忽略。
func Resolve(g *Graph, outcomes []*model.TaskOutcome) Resolution {
	states := make([]taskState, g.Len())
	for _, o := range outcomes {
		if !o.Current() {
			continue
		}
		if id, ok := g.Lookup(o.TaskName); ok {
			states[id].outcomes = append(states[id].outcomes, o)
		}
	}

	var res Resolution

	// 不可达判定需要级联：一轮标记后下游可能随之不可达，迭代到不动点
	for changed := true; changed; {
		changed = false
		for i := 0; i < g.Len(); i++ {
			id := NodeID(i)
			if !g.indexed(id) || states[id].started() {
				continue
			}
			if g.blocked(id, states) {
				states[id].skipped = true
				res.Unreachable = append(res.Unreachable, g.Task(id))
				changed = true
			}
		}
	}

	for i := 0; i < g.Len(); i++ {
		id := NodeID(i)
		if !g.indexed(id) || states[id].started() {
			continue
		}
		if g.ready(id, states) {
			res.Runnable = append(res.Runnable, g.Task(id))
		}
	}

	sortTasks(res.Runnable)
	sortTasks(res.Unreachable)
	res.Status = g.settle(states, len(res.Runnable) > 0)
	return res
}

func (g *Graph) indexed(id NodeID) bool {
	return g.byName[g.tasks[id].Name] == id
}

// ready 全部 required 边满足，且（若有 trigger 边）至少一条 trigger 边满足
func (g *Graph) ready(id NodeID, states []taskState) bool {
	triggers, triggered := 0, false
	for _, e := range g.in[id] {
		st := edgeStatus(e, states)
		switch e.Kind {
		case EdgeRequired:
			if st != edgeSatisfied {
				return false
			}
		case EdgeTrigger:
			triggers++
			if st == edgeSatisfied {
				triggered = true
			}
		}
	}
	return triggers == 0 || triggered
}

// blocked 某条 required 边已断，或全部 trigger 边都已断
func (g *Graph) blocked(id NodeID, states []taskState) bool {
	triggers, broken := 0, 0
	for _, e := range g.in[id] {
		st := edgeStatus(e, states)
		switch e.Kind {
		case EdgeRequired:
			if st == edgeBroken {
				return true
			}
		case EdgeTrigger:
			triggers++
			if st == edgeBroken {
				broken++
			}
		}
	}
	return triggers > 0 && broken == triggers
}

func edgeStatus(e Edge, states []taskState) edgeState {
	up := &states[e.From]
	if up.skipped {
		return edgeBroken
	}
	if !up.settled() {
		return edgePending
	}
	for _, o := range up.outcomes {
		if !MatchRoute(e.Label, o.Status, o.Route) {
			return edgeBroken
		}
	}
	return edgeSatisfied
}

// settle 计算作业实例状态
//
//   - 仍有可运行任务或未结束的记录 → RUNNING
//   - 存在 INTERRUPTED 记录 → INTERRUPTED（等待人工处理）
//   - 存在失败/取消且没有任何下游分支接手的任务 → FAILED
//   - 否则 → COMPLETED
func (g *Graph) settle(states []taskState, runnable bool) model.JobStatus {
	if runnable {
		return model.JobStatusRunning
	}
	interrupted := false
	for i := range states {
		for _, o := range states[i].outcomes {
			if o.Status == model.TaskStatusInterrupted {
				interrupted = true
			} else if !o.Status.IsTerminal() {
				return model.JobStatusRunning
			}
		}
	}
	if interrupted {
		return model.JobStatusInterrupted
	}

	for i := range states {
		if !g.failed(&states[i]) || g.handled(NodeID(i), states) {
			continue
		}
		return model.JobStatusFailed
	}
	return model.JobStatusCompleted
}

func (g *Graph) failed(s *taskState) bool {
	for _, o := range s.outcomes {
		if o.Status == model.TaskStatusFailed || o.Status == model.TaskStatusCancelled {
			return true
		}
	}
	return false
}

// handled 失败任务是否有下游任务实际执行（未被跳过）
func (g *Graph) handled(id NodeID, states []taskState) bool {
	for _, e := range g.out[id] {
		down := &states[e.To]
		for _, o := range down.outcomes {
			if o.Status != model.TaskStatusSkipped {
				return true
			}
		}
	}
	return false
}

// ============================================================================
// 路由标签匹配
// ============================================================================

// EffectiveRoute 执行记录用于匹配的路由值：失败且未上报路由时为 "fail"
func EffectiveRoute(status model.TaskStatus, route string) string {
	if route == "" && status == model.TaskStatusFailed {
		return model.RouteFail
	}
	return route
}

// MatchRoute 上游记录是否满足标签为 label 的边
//
// 只有 SUCCEEDED/FAILED 的记录可以满足边：
//   - "" 或 ".*"：路由不为 "fail"
//   - "fail"：路由为 "fail"
//   - 其他：正则在路由中搜索（不隐式锚定）；正则非法时按字面量相等比较
func MatchRoute(label string, status model.TaskStatus, route string) bool {
	if status != model.TaskStatusSucceeded && status != model.TaskStatusFailed {
		return false
	}
	route = EffectiveRoute(status, route)
	switch label {
	case "", ".*":
		return route != model.RouteFail
	case model.RouteFail:
		return route == model.RouteFail
	}
	re, err := regexp.Compile(label)
	if err != nil {
		return route == label
	}
	return re.MatchString(route)
}
