// Package scheduler 负载均衡排序
package scheduler

import (
	"sort"

	"jobmesh/internal/shared/model"
)

// rankByLoad 按负载排序候选 Agent
//
// numActiveTasks 少的在前；相同时最久未分配任务（lastTaskAssignedTime 最早）的在前；
// 再相同按 id 排序，保证结果稳定。
func rankByLoad(agents []*model.Agent) {
	sort.SliceStable(agents, func(i, j int) bool {
		a, b := agents[i], agents[j]
		if a.NumActiveTasks != b.NumActiveTasks {
			return a.NumActiveTasks < b.NumActiveTasks
		}
		if !a.LastTaskAssignedTime.Equal(b.LastTaskAssignedTime) {
			return a.LastTaskAssignedTime.Before(b.LastTaskAssignedTime)
		}
		return a.ID < b.ID
	})
}
