// Package graph 作业任务图
//
// 任务定义中的 fromRoutes/toRoutes 是按名字引用的字符串二元组。
// 每次校验或解析时一次性构建邻接结构：任务存放在按整数 ID 索引的数组中，
// 另有 name → ID 的查找表，后续计算全部在整数 ID 上进行。
//
// 本包所有函数都是纯函数，不做任何 I/O。
package graph

import (
	"sort"

	"jobmesh/internal/shared/model"
)

// NodeID 任务在图中的稳定整数 ID（即在 Build 输入中的下标）
type NodeID int

// EdgeKind 边的来源
type EdgeKind int

const (
	// EdgeRequired 来自下游任务的 fromRoutes：必须全部满足
	EdgeRequired EdgeKind = iota
	// EdgeTrigger 来自上游任务的 toRoutes：至少满足一条
	EdgeTrigger
)

// Edge 有向边 From → To
type Edge struct {
	From  NodeID
	To    NodeID
	Label string
	Kind  EdgeKind
}

// Graph 任务图
type Graph struct {
	tasks  []*model.TaskDefinition
	byName map[string]NodeID
	out    [][]Edge
	in     [][]Edge
}

// Build 从任务定义集合构建图
//
// 引用不存在任务名的路由被忽略；同名任务只有第一个进入索引（重名由 Validate 报告）。
func Build(tasks []*model.TaskDefinition) *Graph {
	g := &Graph{
		tasks:  tasks,
		byName: make(map[string]NodeID, len(tasks)),
		out:    make([][]Edge, len(tasks)),
		in:     make([][]Edge, len(tasks)),
	}
	for i, t := range tasks {
		if _, dup := g.byName[t.Name]; !dup {
			g.byName[t.Name] = NodeID(i)
		}
	}

	type edgeKey struct {
		from, to NodeID
		label    string
		kind     EdgeKind
	}
	seen := make(map[edgeKey]bool)
	add := func(e Edge) {
		k := edgeKey{e.From, e.To, e.Label, e.Kind}
		if seen[k] {
			return
		}
		seen[k] = true
		g.out[e.From] = append(g.out[e.From], e)
		g.in[e.To] = append(g.in[e.To], e)
	}

	for i, t := range tasks {
		self := NodeID(i)
		if g.byName[t.Name] != self {
			continue
		}
		for _, r := range t.FromRoutes {
			if up, ok := g.byName[r.Task]; ok {
				add(Edge{From: up, To: self, Label: r.Label, Kind: EdgeRequired})
			}
		}
		for _, r := range t.ToRoutes {
			if down, ok := g.byName[r.Task]; ok {
				add(Edge{From: self, To: down, Label: r.Label, Kind: EdgeTrigger})
			}
		}
	}
	return g
}

// Len 任务数
func (g *Graph) Len() int { return len(g.tasks) }

// Task 按 ID 取任务定义
func (g *Graph) Task(id NodeID) *model.TaskDefinition { return g.tasks[id] }

// Lookup 按名字查找
func (g *Graph) Lookup(name string) (NodeID, bool) {
	id, ok := g.byName[name]
	return id, ok
}

// Inbound 指向 id 的边
func (g *Graph) Inbound(id NodeID) []Edge { return g.in[id] }

// Outbound 从 id 出发的边
func (g *Graph) Outbound(id NodeID) []Edge { return g.out[id] }

// Roots 没有任何入边的任务
func (g *Graph) Roots() []NodeID {
	var roots []NodeID
	for i := range g.tasks {
		if len(g.in[i]) == 0 && g.byName[g.tasks[i].Name] == NodeID(i) {
			roots = append(roots, NodeID(i))
		}
	}
	return roots
}

// sortTasks 按 Order、Name 排序，保证输出稳定
func sortTasks(tasks []*model.TaskDefinition) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].Order != tasks[j].Order {
			return tasks[i].Order < tasks[j].Order
		}
		return tasks[i].Name < tasks[j].Name
	})
}
