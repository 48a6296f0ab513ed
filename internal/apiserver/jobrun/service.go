// Package jobrun 作业实例生命周期
//
// 启动作业、接收 Agent 上报的任务/步骤进度、依据任务图推进作业，
// 以及重新发布、中断、取消等任务操作。同一作业实例的推进在 lock.JobKey 下串行。
package jobrun

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"jobmesh/internal/apiserver/graph"
	"jobmesh/internal/apiserver/recovery"
	"jobmesh/internal/apiserver/scheduler"
	"jobmesh/internal/shared/eventbus"
	"jobmesh/internal/shared/lock"
	"jobmesh/internal/shared/model"
	"jobmesh/internal/shared/storage"
	"jobmesh/pkg/logging"

	"github.com/containerd/errdefs"
)

// Service 作业运行服务
type Service struct {
	store      storage.Store
	dispatcher *scheduler.Dispatcher
	locker     lock.Locker
	events     eventbus.TeamEventBus
	logger     *logging.Logger
	now        func() time.Time
}

var (
	_ recovery.Republisher = (*Service)(nil)
	_ recovery.JobAdvancer = (*Service)(nil)
)

// NewService 创建作业运行服务
func NewService(store storage.Store, dispatcher *scheduler.Dispatcher, locker lock.Locker, events eventbus.TeamEventBus) *Service {
	if locker == nil {
		locker = lock.NewKeyedMutex()
	}
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		locker:     locker,
		events:     events,
		logger:     logging.Default("jobrun"),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// SetLogger 设置作业与任务结束时的结构化日志
func (s *Service) SetLogger(l *logging.Logger) {
	if l != nil {
		s.logger = l
	}
}

// ============================================================================
// 启动
// ============================================================================

// StartJob 启动作业实例
//
// 作业定义暂停或已启动的实例数达到 maxInstances 时，实例以 NOT_STARTED 排队，
// 由 LaunchReady 在恢复运行或腾出名额后启动。实例变量为作业默认值被 vars 覆盖后的结果。
// 启动的实例随即为根任务创建记录并派发。
func (s *Service) StartJob(ctx context.Context, teamID, jobDefID string, vars model.Variables) (*model.JobInstance, error) {
	unlock, err := s.locker.Lock(ctx, lock.JobDefKey(teamID, jobDefID))
	if err != nil {
		return nil, fmt.Errorf("lock job definition: %w", err)
	}
	job, reason, err := s.createJob(ctx, teamID, jobDefID, vars)
	unlock()
	if err != nil {
		return nil, err
	}
	s.publishEvent(ctx, eventbus.DomainJob, eventbus.OpCreate, teamID, job)

	if job.Status == model.JobStatusNotStarted {
		log.Printf("[jobrun.queued] team=%s jobdef=%s job=%s reason=%s", teamID, jobDefID, job.ID, reason)
		return job, nil
	}
	log.Printf("[jobrun.started] team=%s jobdef=%s job=%s", teamID, jobDefID, job.ID)

	if err := s.Advance(ctx, teamID, job.ID); err != nil {
		return nil, err
	}
	return s.store.GetJob(ctx, teamID, job.ID)
}

// createJob 创建实例；不能立即启动时返回排队原因
func (s *Service) createJob(ctx context.Context, teamID, jobDefID string, vars model.Variables) (*model.JobInstance, string, error) {
	jd, err := s.store.GetJobDef(ctx, teamID, jobDefID)
	if err != nil {
		return nil, "", missing("jobdef", jobDefID, err)
	}
	capacity, err := s.capacity(ctx, jd)
	if err != nil {
		return nil, "", err
	}

	now := s.now()
	job := &model.JobInstance{
		ID:          model.NewID(),
		TeamID:      teamID,
		JobDefID:    jobDefID,
		Name:        jd.Name,
		Status:      model.JobStatusRunning,
		Variables:   jd.Variables.Merge(vars),
		DateStarted: now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	var reason string
	switch {
	case jd.Status == model.JobDefStatusPaused:
		job.Status, reason = model.JobStatusNotStarted, "paused"
	case capacity == 0:
		job.Status, reason = model.JobStatusNotStarted, "max_instances"
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		return nil, "", fmt.Errorf("create job: %w", err)
	}
	return job, reason, nil
}

// capacity 作业定义还能启动的实例数；暂停时为 0，不限数量时为 -1
func (s *Service) capacity(ctx context.Context, jd *model.JobDefinition) (int, error) {
	if jd.Status == model.JobDefStatusPaused {
		return 0, nil
	}
	if jd.MaxInstances <= 0 {
		return -1, nil
	}
	active, err := s.store.CountActiveJobs(ctx, jd.TeamID, jd.ID)
	if err != nil {
		return 0, fmt.Errorf("count active jobs: %w", err)
	}
	return max(jd.MaxInstances-active, 0), nil
}

// LaunchReady 在名额允许的范围内按创建顺序启动排队中的实例，返回启动的个数
//
// 作业定义恢复运行、maxInstances 调大或有实例结束时调用。
func (s *Service) LaunchReady(ctx context.Context, teamID, jobDefID string) (int, error) {
	unlock, err := s.locker.Lock(ctx, lock.JobDefKey(teamID, jobDefID))
	if err != nil {
		return 0, fmt.Errorf("lock job definition: %w", err)
	}
	launched, err := s.launchLocked(ctx, teamID, jobDefID)
	unlock()
	if err != nil {
		return 0, err
	}

	for _, job := range launched {
		log.Printf("[jobrun.launched] team=%s jobdef=%s job=%s", teamID, jobDefID, job.ID)
		s.publishEvent(ctx, eventbus.DomainJob, eventbus.OpUpdate, teamID, job)
		if err := s.Advance(ctx, teamID, job.ID); err != nil {
			log.Printf("[jobrun.advance_failed] team=%s job=%s error=%v", teamID, job.ID, err)
		}
	}
	return len(launched), nil
}

func (s *Service) launchLocked(ctx context.Context, teamID, jobDefID string) ([]*model.JobInstance, error) {
	jd, err := s.store.GetJobDef(ctx, teamID, jobDefID)
	if err != nil {
		return nil, missing("jobdef", jobDefID, err)
	}
	capacity, err := s.capacity(ctx, jd)
	if err != nil || capacity == 0 {
		return nil, err
	}
	queued, err := s.store.ListQueuedJobs(ctx, teamID, jobDefID, max(capacity, 0))
	if err != nil {
		return nil, fmt.Errorf("list queued jobs: %w", err)
	}

	launched := make([]*model.JobInstance, 0, len(queued))
	for _, job := range queued {
		if err := s.store.UpdateJobStatus(ctx, teamID, job.ID, model.JobStatusRunning, nil); err != nil {
			return launched, fmt.Errorf("launch job %s: %w", job.ID, err)
		}
		job.Status = model.JobStatusRunning
		launched = append(launched, job)
	}
	return launched, nil
}

// ============================================================================
// 推进
// ============================================================================

// Advance 依据任务图和当前执行记录推进作业
//
// 新的可运行任务创建记录并派发，不可达任务记为 SKIPPED，作业状态随之结算。
// 已结束的作业不再推进。
func (s *Service) Advance(ctx context.Context, teamID, jobID string) error {
	unlock, err := s.locker.Lock(ctx, lock.JobKey(teamID, jobID))
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	created, finished, err := s.advanceLocked(ctx, teamID, jobID)
	unlock()
	if err != nil {
		return err
	}
	if finished != nil {
		s.logger.WithTeamID(teamID).WithJobID(jobID).WithDuration(finished.DateCompleted.Sub(finished.DateStarted)).
			Info("Job finished", "status", finished.Status.String())
		// 实例结束腾出名额
		if _, err := s.LaunchReady(ctx, teamID, finished.JobDefID); err != nil {
			log.Printf("[jobrun.launch_failed] team=%s jobdef=%s error=%v", teamID, finished.JobDefID, err)
		}
	}

	for _, o := range created {
		if err := s.dispatcher.Dispatch(ctx, o); err != nil {
			var de *model.DispatchError
			if !errors.As(err, &de) {
				log.Printf("[jobrun.dispatch_failed] team=%s job=%s outcome=%s error=%v", teamID, jobID, o.ID, err)
			}
		}
	}
	return nil
}

// advanceLocked 返回新建的记录；作业在本次推进中结束时一并返回该作业
func (s *Service) advanceLocked(ctx context.Context, teamID, jobID string) ([]*model.TaskOutcome, *model.JobInstance, error) {
	job, err := s.store.GetJob(ctx, teamID, jobID)
	if err != nil {
		return nil, nil, missing("job", jobID, err)
	}
	// 排队中的实例由 LaunchReady 启动
	if job.Status.IsTerminal() || job.Status == model.JobStatusNotStarted {
		return nil, nil, nil
	}

	tasks, err := s.store.ListTaskDefs(ctx, teamID, job.JobDefID)
	if err != nil {
		return nil, nil, fmt.Errorf("list task definitions: %w", err)
	}
	outcomes, err := s.store.ListTaskOutcomes(ctx, storage.TaskOutcomeFilter{TeamID: teamID, JobID: jobID})
	if err != nil {
		return nil, nil, fmt.Errorf("list task outcomes: %w", err)
	}

	g := graph.Build(tasks)
	res := graph.Resolve(g, outcomes)
	now := s.now()

	for _, td := range res.Unreachable {
		o := newOutcome(job, td)
		o.Status = model.TaskStatusSkipped
		o.DateCompleted = &now
		if err := s.dispatcher.CreateOutcome(ctx, o); err != nil {
			return nil, nil, fmt.Errorf("skip task %s: %w", td.Name, err)
		}
		log.Printf("[jobrun.skipped] team=%s job=%s task=%s", teamID, jobID, td.Name)
	}

	created := make([]*model.TaskOutcome, 0, len(res.Runnable))
	for _, td := range res.Runnable {
		o := newOutcome(job, td)
		o.RuntimeVars = inheritedVars(g, td, outcomes)
		if err := s.dispatcher.CreateOutcome(ctx, o); err != nil {
			return nil, nil, fmt.Errorf("create outcome for task %s: %w", td.Name, err)
		}
		created = append(created, o)
	}

	if res.Status != job.Status {
		var completed *time.Time
		if res.Status.IsTerminal() {
			completed = &now
		}
		if err := s.store.UpdateJobStatus(ctx, teamID, jobID, res.Status, completed); err != nil {
			return nil, nil, fmt.Errorf("update job status: %w", err)
		}
		log.Printf("[jobrun.status] team=%s job=%s from=%s to=%s", teamID, jobID, job.Status, res.Status)
		job.Status, job.DateCompleted = res.Status, completed
		s.publishEvent(ctx, eventbus.DomainJob, eventbus.OpUpdate, teamID, job)
		if res.Status.IsTerminal() {
			return created, job, nil
		}
	}
	return created, nil, nil
}

func newOutcome(job *model.JobInstance, td *model.TaskDefinition) *model.TaskOutcome {
	return &model.TaskOutcome{
		ID:          model.NewID(),
		TeamID:      job.TeamID,
		JobID:       job.ID,
		JobDefID:    job.JobDefID,
		TaskDefID:   td.ID,
		TaskName:    td.Name,
		Target:      td.Target,
		Status:      model.TaskStatusNotStarted,
		AutoRestart: td.AutoRestart && td.Target.AllowsAutoRestart(),
	}
}

// inheritedVars 上游记录上报的运行时变量（route 除外）传给下游任务，按入边顺序覆盖
func inheritedVars(g *graph.Graph, td *model.TaskDefinition, outcomes []*model.TaskOutcome) model.Variables {
	id, ok := g.Lookup(td.Name)
	if !ok {
		return nil
	}
	var vars model.Variables
	for _, e := range g.Inbound(id) {
		upstream := g.Task(e.From).Name
		for _, o := range outcomes {
			if o.Current() && o.TaskName == upstream && len(o.RuntimeVars) > 0 {
				vars = vars.Merge(o.RuntimeVars)
			}
		}
	}
	if vars != nil {
		delete(vars, model.RouteVariable)
	}
	return vars
}

// ============================================================================
// Agent 上报
// ============================================================================

// TaskUpdate Agent 上报的任务状态
type TaskUpdate struct {
	Status      model.TaskStatus  `json:"status"`
	RuntimeVars model.Variables   `json:"runtimeVars,omitempty"`
	FailureCode model.FailureCode `json:"failureCode,omitempty"`
}

// UpdateTaskOutcome 前进式更新任务状态
//
// 只允许状态前进且不离开终态；重复投递同一状态返回当前记录。
// 进入 INTERRUPTED 或终态时归还 Agent 槽位并推进作业。
func (s *Service) UpdateTaskOutcome(ctx context.Context, teamID, outcomeID string, req TaskUpdate) (*model.TaskOutcome, error) {
	if !reportable(req.Status) {
		return nil, &model.ValidationError{Field: "status", Reason: fmt.Sprintf("invalid reported status %d", req.Status)}
	}

	now := s.now()
	update := storage.OutcomeUpdate{Status: &req.Status}
	if req.FailureCode != "" {
		update.FailureCode = &req.FailureCode
	}
	if len(req.RuntimeVars) > 0 {
		update.RuntimeVars = req.RuntimeVars
		if _, ok := req.RuntimeVars[model.RouteVariable]; ok {
			route := req.RuntimeVars.Get(model.RouteVariable)
			update.Route = &route
		}
	}
	switch {
	case req.Status == model.TaskStatusRunning:
		update.DateStarted = &now
	case req.Status == model.TaskStatusInterrupted || req.Status.IsTerminal():
		update.DateCompleted = &now
	}

	updated, err := s.store.TransitionTaskOutcome(ctx, teamID, outcomeID, storage.GuardForward(req.Status), update)
	if err != nil {
		if !errors.Is(err, storage.ErrConflict) {
			return nil, missing("taskoutcome", outcomeID, err)
		}
		cur, gerr := s.store.GetTaskOutcome(ctx, teamID, outcomeID)
		if gerr != nil {
			return nil, missing("taskoutcome", outcomeID, gerr)
		}
		if cur.Status == req.Status {
			return cur, nil
		}
		return nil, fmt.Errorf("task outcome %s cannot move from %s to %s: %w", outcomeID, cur.Status, req.Status, errdefs.ErrConflict)
	}

	log.Printf("[jobrun.task_status] team=%s job=%s outcome=%s status=%s", teamID, updated.JobID, outcomeID, updated.Status)
	s.dispatcher.NotifyOutcome(ctx, eventbus.OpUpdate, updated)

	if updated.Status == model.TaskStatusInterrupted || updated.Status.IsTerminal() {
		l := s.logger.WithTeamID(teamID).WithJobID(updated.JobID).WithOutcomeID(outcomeID).WithAgentID(updated.AgentID)
		if updated.DateStarted != nil {
			l = l.WithDuration(now.Sub(*updated.DateStarted))
		}
		l.Info("Task settled", "task", updated.TaskName, "status", updated.Status.String())
		if err := s.dispatcher.ReleaseSlot(ctx, updated); err != nil {
			log.Printf("[jobrun.slot_release_failed] outcome=%s error=%v", outcomeID, err)
		}
		if err := s.Advance(ctx, teamID, updated.JobID); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// reportable Agent 可以上报的状态；INTERRUPTING / CANCELING 只由服务端发起
func reportable(s model.TaskStatus) bool {
	if !s.Valid() || s.Dispatchable() {
		return false
	}
	return s != model.TaskStatusPublished && s != model.TaskStatusInterrupting && s != model.TaskStatusCanceling
}

// StepProgress Agent 上报的步骤进度
type StepProgress struct {
	LastUpdateID int64             `json:"lastUpdateId"`
	Status       *model.StepStatus `json:"status,omitempty"`
	Stdout       string            `json:"stdout,omitempty"`
	Stderr       string            `json:"stderr,omitempty"`
	ExitCode     *int              `json:"exitCode,omitempty"`
}

// UpdateStepOutcome 追加步骤输出并更新状态
//
// lastUpdateId 不大于已存值的更新被忽略（applied=false），使 Agent 可以安全重发。
func (s *Service) UpdateStepOutcome(ctx context.Context, teamID, stepOutcomeID string, req StepProgress) (*model.StepOutcome, bool, error) {
	if req.LastUpdateID <= 0 {
		return nil, false, &model.ValidationError{Field: "lastUpdateId", Reason: "lastUpdateId must be positive"}
	}
	if req.Status != nil && !req.Status.Valid() {
		return nil, false, &model.ValidationError{Field: "status", Reason: fmt.Sprintf("invalid step status %d", *req.Status)}
	}

	now := s.now()
	update := storage.StepUpdate{
		LastUpdateID: req.LastUpdateID,
		Status:       req.Status,
		AppendStdout: req.Stdout,
		AppendStderr: req.Stderr,
		ExitCode:     req.ExitCode,
	}
	if req.Status != nil {
		switch {
		case *req.Status == model.StepStatusRunning:
			update.DateStarted = &now
		case !req.Status.InProgress():
			update.DateCompleted = &now
		}
	}

	step, err := s.store.ApplyStepUpdate(ctx, teamID, stepOutcomeID, update)
	if errors.Is(err, storage.ErrStaleUpdate) {
		cur, gerr := s.store.GetStepOutcome(ctx, teamID, stepOutcomeID)
		if gerr != nil {
			return nil, false, missing("stepoutcome", stepOutcomeID, gerr)
		}
		return cur, false, nil
	}
	if err != nil {
		return nil, false, missing("stepoutcome", stepOutcomeID, err)
	}
	s.publishEvent(ctx, eventbus.DomainStepOutcome, eventbus.OpUpdate, teamID, step)
	return step, true, nil
}

// ============================================================================
// 任务操作
// ============================================================================

// Republish 重新发布任务记录；产生替代记录时作业回到 RUNNING
func (s *Service) Republish(ctx context.Context, teamID, outcomeID string) (*model.TaskOutcome, error) {
	o, err := s.store.GetTaskOutcome(ctx, teamID, outcomeID)
	if err != nil {
		return nil, missing("taskoutcome", outcomeID, err)
	}

	replaces := o.Current() && (o.Status == model.TaskStatusInterrupted ||
		o.Status == model.TaskStatusCancelled || o.Status == model.TaskStatusFailed)
	if !replaces {
		return s.dispatcher.Republish(ctx, o)
	}

	// 先让作业回到 RUNNING，替代记录结束时才会被推进
	if err := s.reopenJob(ctx, teamID, o.JobID); err != nil {
		return nil, err
	}
	fresh, err := s.dispatcher.Republish(ctx, o)
	if err != nil {
		// 没有产生替代记录，重新结算作业状态
		if aerr := s.Advance(context.WithoutCancel(ctx), teamID, o.JobID); aerr != nil {
			log.Printf("[jobrun.resettle_failed] team=%s job=%s error=%v", teamID, o.JobID, aerr)
		}
		return nil, err
	}
	return fresh, nil
}

func (s *Service) reopenJob(ctx context.Context, teamID, jobID string) error {
	unlock, err := s.locker.Lock(ctx, lock.JobKey(teamID, jobID))
	if err != nil {
		return fmt.Errorf("lock job: %w", err)
	}
	defer unlock()

	job, err := s.store.GetJob(ctx, teamID, jobID)
	if err != nil {
		return missing("job", jobID, err)
	}
	if job.Status == model.JobStatusRunning {
		return nil
	}
	if err := s.store.UpdateJobStatus(ctx, teamID, jobID, model.JobStatusRunning, nil); err != nil {
		return fmt.Errorf("reopen job: %w", err)
	}
	log.Printf("[jobrun.reopened] team=%s job=%s from=%s", teamID, jobID, job.Status)
	job.Status, job.DateCompleted = model.JobStatusRunning, nil
	s.publishEvent(ctx, eventbus.DomainJob, eventbus.OpUpdate, teamID, job)
	return nil
}

// Interrupt 请求中断任务记录
func (s *Service) Interrupt(ctx context.Context, teamID, outcomeID string) (*model.TaskOutcome, error) {
	return s.stop(ctx, teamID, outcomeID, false)
}

// Cancel 请求取消任务记录
func (s *Service) Cancel(ctx context.Context, teamID, outcomeID string) (*model.TaskOutcome, error) {
	return s.stop(ctx, teamID, outcomeID, true)
}

func (s *Service) stop(ctx context.Context, teamID, outcomeID string, cancel bool) (*model.TaskOutcome, error) {
	o, err := s.store.GetTaskOutcome(ctx, teamID, outcomeID)
	if err != nil {
		return nil, missing("taskoutcome", outcomeID, err)
	}
	updated, final, err := s.dispatcher.RequestStop(ctx, o, cancel)
	if err != nil {
		return nil, err
	}
	// 未发布的记录没有占用槽位，直接结算作业
	if final {
		if err := s.Advance(ctx, teamID, o.JobID); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// ============================================================================
// 查询
// ============================================================================

// JobView 作业实例及其执行记录
type JobView struct {
	*model.JobInstance
	TaskOutcomes []*model.TaskOutcome `json:"taskOutcomes"`
}

// GetJob 返回作业实例和全部执行记录（含被替换的），变量已脱敏
func (s *Service) GetJob(ctx context.Context, teamID, jobID string) (*JobView, error) {
	job, err := s.store.GetJob(ctx, teamID, jobID)
	if err != nil {
		return nil, missing("job", jobID, err)
	}
	outcomes, err := s.store.ListTaskOutcomes(ctx, storage.TaskOutcomeFilter{TeamID: teamID, JobID: jobID})
	if err != nil {
		return nil, fmt.Errorf("list task outcomes: %w", err)
	}
	job.Variables = job.Variables.Redacted()
	for _, o := range outcomes {
		o.RuntimeVars = o.RuntimeVars.Redacted()
	}
	return &JobView{JobInstance: job, TaskOutcomes: outcomes}, nil
}

// OutcomeView 任务记录及其步骤记录
type OutcomeView struct {
	*model.TaskOutcome
	StepOutcomes []*model.StepOutcome `json:"stepOutcomes"`
}

// GetTaskOutcome 返回任务记录和步骤记录，变量已脱敏
func (s *Service) GetTaskOutcome(ctx context.Context, teamID, outcomeID string) (*OutcomeView, error) {
	o, err := s.store.GetTaskOutcome(ctx, teamID, outcomeID)
	if err != nil {
		return nil, missing("taskoutcome", outcomeID, err)
	}
	steps, err := s.store.ListStepOutcomes(ctx, teamID, outcomeID)
	if err != nil {
		return nil, fmt.Errorf("list step outcomes: %w", err)
	}
	o.RuntimeVars = o.RuntimeVars.Redacted()
	return &OutcomeView{TaskOutcome: o, StepOutcomes: steps}, nil
}

// ============================================================================
// 辅助
// ============================================================================

func (s *Service) publishEvent(ctx context.Context, domain eventbus.DomainType, op eventbus.Operation, teamID string, delta interface{}) {
	if s.events == nil {
		return
	}
	if job, ok := delta.(*model.JobInstance); ok {
		redacted := *job
		redacted.Variables = job.Variables.Redacted()
		delta = &redacted
	}
	if err := s.events.PublishTeamEvent(ctx, teamID, domain, op, delta); err != nil {
		log.Printf("[jobrun.event_failed] team=%s domain=%s error=%v", teamID, domain, err)
	}
}

// missing 把存储层的 ErrNotFound 换成带对象类型和 id 的 MissingObjectError
func missing(kind, id string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return model.Missing(kind, id)
	}
	return err
}
