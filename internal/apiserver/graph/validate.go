package graph

import (
	"sort"

	"jobmesh/internal/shared/model"
)

// Validate 校验作业的完整任务集合（变更后的预期状态）
//
// 依次检查：单个任务字段一致性、任务名唯一、任务图无环。
// 有环时返回 *model.CyclicDependencyError，列出参与任一环的全部任务名。
func Validate(tasks []*model.TaskDefinition) error {
	names := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if err := t.Validate(); err != nil {
			return err
		}
		if names[t.Name] {
			return &model.ValidationError{
				Field:     "name",
				TaskNames: []string{t.Name},
				Reason:    "task name must be unique within the job definition",
			}
		}
		names[t.Name] = true
	}

	if cyclic := Build(tasks).Cycles(); len(cyclic) > 0 {
		return &model.CyclicDependencyError{TaskNames: cyclic}
	}
	return nil
}

// Cycles 返回参与任一有向环的全部任务名（排序后）
//
// 使用 Tarjan 强连通分量：大小 > 1 的分量，或带自环的单点分量，其全部成员都在环上。
// 与只回报一条环路径的 DFS 不同，这样能一次性列出需要修改的所有任务。
func (g *Graph) Cycles() []string {
	n := len(g.tasks)
	index := make([]int, n)
	low := make([]int, n)
	onStack := make([]bool, n)
	for i := range index {
		index[i] = -1
	}
	var (
		stack   []NodeID
		counter int
		result  []string
	)

	var connect func(v NodeID)
	connect = func(v NodeID) {
		index[v] = counter
		low[v] = counter
		counter++
		stack = append(stack, v)
		onStack[v] = true

		for _, e := range g.out[v] {
			w := e.To
			if index[w] == -1 {
				connect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] != index[v] {
			return
		}
		var component []NodeID
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		if len(component) > 1 || g.hasSelfLoop(v) {
			for _, id := range component {
				result = append(result, g.tasks[id].Name)
			}
		}
	}

	for i := 0; i < n; i++ {
		if index[i] == -1 {
			connect(NodeID(i))
		}
	}
	sort.Strings(result)
	return result
}

func (g *Graph) hasSelfLoop(v NodeID) bool {
	for _, e := range g.out[v] {
		if e.To == v {
			return true
		}
	}
	return false
}
