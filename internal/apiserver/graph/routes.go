package graph

import "jobmesh/internal/shared/model"

// RenameRoutes 把兄弟任务 fromRoutes/toRoutes 中对 oldName 的引用改写为 newName
//
// 只改写任务名，保留标签和位置；不匹配的条目原样保留。
// skipID 为被改名任务自身的 ID。返回发生变化的任务副本，输入不被修改。
func RenameRoutes(tasks []*model.TaskDefinition, skipID, oldName, newName string) []*model.TaskDefinition {
	if oldName == newName {
		return nil
	}
	var changed []*model.TaskDefinition
	for _, t := range tasks {
		if t.ID == skipID {
			continue
		}
		from, fromChanged := renameIn(t.FromRoutes, oldName, newName)
		to, toChanged := renameIn(t.ToRoutes, oldName, newName)
		if !fromChanged && !toChanged {
			continue
		}
		c := t.Clone()
		c.FromRoutes = from
		c.ToRoutes = to
		changed = append(changed, c)
	}
	return changed
}

// StripRoutes 删除兄弟任务中引用 taskName 的路由条目
//
// 返回发生变化的任务副本，输入不被修改。
func StripRoutes(tasks []*model.TaskDefinition, skipID, taskName string) []*model.TaskDefinition {
	var changed []*model.TaskDefinition
	for _, t := range tasks {
		if t.ID == skipID {
			continue
		}
		from, fromChanged := stripIn(t.FromRoutes, taskName)
		to, toChanged := stripIn(t.ToRoutes, taskName)
		if !fromChanged && !toChanged {
			continue
		}
		c := t.Clone()
		c.FromRoutes = from
		c.ToRoutes = to
		changed = append(changed, c)
	}
	return changed
}

func renameIn(routes []model.Route, oldName, newName string) ([]model.Route, bool) {
	out := model.CloneRoutes(routes)
	changed := false
	for i := range out {
		if out[i].Task == oldName {
			out[i].Task = newName
			changed = true
		}
	}
	return out, changed
}

func stripIn(routes []model.Route, name string) ([]model.Route, bool) {
	if routes == nil {
		return nil, false
	}
	out := make([]model.Route, 0, len(routes))
	for _, r := range routes {
		if r.Task != name {
			out = append(out, r)
		}
	}
	return out, len(out) != len(routes)
}

// Replace 返回用 changed 替换同 ID 条目、并追加新条目后的集合
//
// 用于在写入前构造"变更后"的完整任务集合交给 Validate。
func Replace(tasks []*model.TaskDefinition, changed ...*model.TaskDefinition) []*model.TaskDefinition {
	byID := make(map[string]*model.TaskDefinition, len(changed))
	for _, c := range changed {
		byID[c.ID] = c
	}
	out := make([]*model.TaskDefinition, 0, len(tasks)+len(changed))
	for _, t := range tasks {
		if c, ok := byID[t.ID]; ok {
			out = append(out, c)
			delete(byID, t.ID)
			continue
		}
		out = append(out, t)
	}
	for _, c := range changed {
		if _, pending := byID[c.ID]; pending {
			out = append(out, c)
		}
	}
	return out
}
