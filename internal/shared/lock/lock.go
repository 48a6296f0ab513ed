// Package lock 作业级互斥
//
// 同一作业定义的任务图变更、同一作业实例的推进必须串行。
// 单副本部署使用进程内的 KeyedMutex；多副本时用 etcd 会话锁。
package lock

import "context"

// Locker 按 key 加锁，返回解锁函数
type Locker interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// JobDefKey 作业定义的锁 key
func JobDefKey(teamID, jobDefID string) string {
	return "jobdef/" + teamID + "/" + jobDefID
}

// JobKey 作业实例的锁 key
func JobKey(teamID, jobID string) string {
	return "job/" + teamID + "/" + jobID
}

// TaskDefKey 任务定义（步骤顺序）的锁 key
func TaskDefKey(teamID, taskDefID string) string {
	return "taskdef/" + teamID + "/" + taskDefID
}
