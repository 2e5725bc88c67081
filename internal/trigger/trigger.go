// Package trigger 按条件自动创建备份。
//
// 每个条件有自己的冷却时间，全局抑制窗口内所有条件都不会触发。
// 定时器与文件监听只发送检查信号，由唯一的循环协程执行检查。
package trigger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/facebookgo/clock"
	"github.com/google/uuid"
	"github.com/sony/gobreaker"

	"devsnap/internal/backup"
	"devsnap/internal/logger"
	"devsnap/internal/models"
	"devsnap/internal/storage"
)

const (
	defaultInterval = 5 * time.Minute
	defaultDebounce = 2 * time.Second

	breakerFailures = 3
	breakerTimeout  = 10 * time.Minute
)

// Engine 触发器依赖的备份引擎能力
type Engine interface {
	Signals(ctx context.Context) (*models.Signals, error)
	CreateBackup(ctx context.Context, opts backup.CreateOptions) (*backup.CreateResult, error)
}

// Options 触发系统参数
type Options struct {
	Interval     time.Duration // 定时检查间隔
	WatchPaths   []string      // 监听的绝对路径
	Debounce     time.Duration // 文件变更信号的最小间隔
	HistoryLimit int           // 保留的事件数
}

// System 触发系统
type System struct {
	mu         sync.Mutex
	engine     Engine
	backend    storage.Backend
	clock      clock.Clock
	conditions []*models.TriggerCondition
	state      models.TriggerState
	breaker    *gobreaker.CircuitBreaker
	opts       Options
	signal     chan struct{}

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	watcher *Watcher
}

// New 创建触发系统并加载持久化状态
func New(engine Engine, backend storage.Backend, clk clock.Clock, conditions []*models.TriggerCondition, opts Options) (*System, error) {
	if clk == nil {
		clk = clock.New()
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}

	state, err := loadState(backend)
	if err != nil {
		return nil, err
	}
	state.ActiveConditions = nil

	s := &System{
		engine:  engine,
		backend: backend,
		clock:   clk,
		state:   state,
		opts:    opts,
		signal:  make(chan struct{}, 1),
	}
	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "auto-backup",
		MaxRequests: 1,
		Timeout:     breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerFailures
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.WithField("breaker", name).Warnf("Auto backup breaker %s -> %s", from, to)
		},
	})

	for _, cond := range conditions {
		if err := s.register(cond); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// AddCondition 注册新的条件
func (s *System) AddCondition(cond *models.TriggerCondition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.register(cond); err != nil {
		return err
	}
	return saveState(s.backend, &s.state)
}

func (s *System) register(cond *models.TriggerCondition) error {
	switch {
	case cond == nil:
		return &models.ValidationError{Field: "condition", Reason: "must not be nil"}
	case cond.ID == "":
		return &models.ValidationError{Field: "condition id", Reason: "must not be empty"}
	case cond.Predicate == nil:
		return &models.ValidationError{Field: "condition " + cond.ID, Reason: "predicate must not be nil"}
	case cond.Cooldown <= 0:
		return &models.ValidationError{Field: "condition " + cond.ID, Reason: "cooldown must be positive"}
	}
	for _, existing := range s.conditions {
		if existing.ID == cond.ID {
			return &models.ValidationError{Field: "condition " + cond.ID, Reason: "duplicate id"}
		}
	}

	if last, ok := s.state.LastTriggered[cond.ID]; ok && last.After(cond.LastTriggered) {
		cond.LastTriggered = last
	}
	s.conditions = append(s.conditions, cond)
	s.state.ActiveConditions = append(s.state.ActiveConditions, cond.ID)
	return nil
}

// CheckTriggers 评估所有条件，满足条件且不在冷却期内的触发一次自动备份。
// 处于抑制窗口时直接返回空列表。
func (s *System) CheckTriggers(ctx context.Context) ([]models.TriggerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	events := []models.TriggerEvent{}
	if s.suppressedLocked(now) {
		logger.Debugf("Triggers suppressed until %s", s.state.SuppressedUntil.Format(time.RFC3339))
		return events, nil
	}
	// 抑制窗口已过期
	s.state.SuppressedUntil = nil
	s.state.LastCheck = now

	signals, err := s.engine.Signals(ctx)
	if err != nil {
		if perr := saveState(s.backend, &s.state); perr != nil {
			logger.Errorf("Failed to persist trigger state: %v", perr)
		}
		return nil, fmt.Errorf("failed to collect trigger signals: %w", err)
	}

	for _, cond := range s.conditions {
		if !cond.LastTriggered.IsZero() && now.Sub(cond.LastTriggered) < cond.Cooldown {
			continue
		}

		fired, err := evaluate(ctx, cond, signals)
		if err != nil {
			events = append(events, s.newEvent(cond, now, "", false, err.Error()))
			continue
		}
		if !fired {
			continue
		}
		events = append(events, s.fire(ctx, cond, now))
	}

	for _, ev := range events {
		logger.LogTriggerEvent(ev.TriggerID, ev.BackupID, ev.Success, ev.Reason)
	}
	s.state.TriggerHistory = appendHistory(s.state.TriggerHistory, events, s.opts.HistoryLimit)
	if err := saveState(s.backend, &s.state); err != nil {
		return events, err
	}
	return events, nil
}

// evaluate 执行条件判定，错误与 panic 都转换为 ConditionEvaluationError
func evaluate(ctx context.Context, cond *models.TriggerCondition, signals *models.Signals) (fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			fired = false
			err = &models.ConditionEvaluationError{ConditionID: cond.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	fired, err = cond.Predicate(ctx, signals)
	if err != nil {
		return false, &models.ConditionEvaluationError{ConditionID: cond.ID, Err: err}
	}
	return fired, nil
}

func (s *System) fire(ctx context.Context, cond *models.TriggerCondition, now time.Time) models.TriggerEvent {
	out, err := s.breaker.Execute(func() (interface{}, error) {
		return s.engine.CreateBackup(ctx, backup.CreateOptions{
			Comment: "Auto backup: " + cond.Name,
			Kind:    models.KindAuto,
			Trigger: cond.ID,
		})
	})
	if err != nil {
		reason := err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) {
			reason = "auto backups paused after repeated failures: " + reason
		}
		return s.newEvent(cond, now, "", false, reason)
	}

	res := out.(*backup.CreateResult)
	cond.LastTriggered = now
	s.state.LastTriggered[cond.ID] = now

	reason := cond.Description
	if !res.Created {
		reason = "no changes since " + res.VersionID
	}
	return s.newEvent(cond, now, res.VersionID, true, reason)
}

func (s *System) newEvent(cond *models.TriggerCondition, now time.Time, backupID string, success bool, reason string) models.TriggerEvent {
	return models.TriggerEvent{
		ID:        uuid.NewString(),
		TriggerID: cond.ID,
		Timestamp: now,
		Condition: cond.Name,
		BackupID:  backupID,
		Success:   success,
		Reason:    reason,
	}
}

func (s *System) suppressedLocked(now time.Time) bool {
	return s.state.SuppressedUntil != nil && now.Before(*s.state.SuppressedUntil)
}

// SuppressTriggers 在接下来的 minutes 分钟内跳过所有条件
func (s *System) SuppressTriggers(minutes int) error {
	if minutes <= 0 {
		return &models.ValidationError{Field: "minutes", Reason: "must be positive"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	until := s.clock.Now().Add(time.Duration(minutes) * time.Minute)
	s.state.SuppressedUntil = &until
	logger.WithField("until", until.Format(time.RFC3339)).Info("Triggers suppressed")
	return saveState(s.backend, &s.state)
}

// ClearSuppression 取消抑制窗口
func (s *System) ClearSuppression() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.SuppressedUntil = nil
	return saveState(s.backend, &s.state)
}

// SuppressedUntil 抑制窗口结束时间
func (s *System) SuppressedUntil() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.suppressedLocked(s.clock.Now()) {
		return time.Time{}, false
	}
	return *s.state.SuppressedUntil, true
}

// State 返回状态副本
func (s *System) State() models.TriggerState {
	s.mu.Lock()
	defer s.mu.Unlock()

	state := s.state
	state.TriggerHistory = append([]models.TriggerEvent(nil), s.state.TriggerHistory...)
	state.ActiveConditions = append([]string(nil), s.state.ActiveConditions...)
	state.LastTriggered = make(map[string]time.Time, len(s.state.LastTriggered))
	for k, v := range s.state.LastTriggered {
		state.LastTriggered[k] = v
	}
	if s.state.SuppressedUntil != nil {
		until := *s.state.SuppressedUntil
		state.SuppressedUntil = &until
	}
	return state
}

// History 从新到旧返回最近的事件，limit<=0 表示全部
func (s *System) History(limit int) []models.TriggerEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.state.TriggerHistory)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.TriggerEvent, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.state.TriggerHistory[i])
	}
	return out
}

// Conditions 按优先级从高到低返回条件副本
func (s *System) Conditions() []models.TriggerCondition {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]models.TriggerCondition, 0, len(s.conditions))
	for _, cond := range s.conditions {
		out = append(out, *cond)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority > out[j].Priority })
	return out
}

// StartMonitoring 启动定时检查与关键路径监听，重复启动只记录警告
func (s *System) StartMonitoring(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if s.running {
		logger.Warn("Trigger monitoring is already running")
		return nil
	}

	loopCtx, cancel := context.WithCancel(ctx)
	if len(s.opts.WatchPaths) > 0 {
		w, err := NewWatcher(s.opts.WatchPaths, s.opts.Debounce, s.clock, s.requestCheck)
		if err != nil {
			cancel()
			return err
		}
		s.watcher = w
	}

	ticker := s.clock.Ticker(s.opts.Interval)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.loop(loopCtx, ticker, s.done)

	logger.WithField("interval", s.opts.Interval.String()).Info("Trigger monitoring started")
	return nil
}

// StopMonitoring 停止监听并等待循环退出，未启动时为空操作
func (s *System) StopMonitoring() {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	w, done := s.watcher, s.done
	s.watcher = nil
	s.runMu.Unlock()

	if w != nil {
		if err := w.Close(); err != nil {
			logger.Warnf("Failed to close file watcher: %v", err)
		}
	}
	<-done
	logger.Info("Trigger monitoring stopped")
}

// Running 是否正在监听
func (s *System) Running() bool {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	return s.running
}

// requestCheck 请求一次检查，已有待处理的请求时合并
func (s *System) requestCheck() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *System) loop(ctx context.Context, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runPass(ctx)
		case <-s.signal:
			s.runPass(ctx)
		}
	}
}

func (s *System) runPass(ctx context.Context) {
	events, err := s.CheckTriggers(ctx)
	if err != nil {
		logger.Errorf("Trigger check failed: %v", err)
		return
	}
	if len(events) > 0 {
		logger.Debugf("Trigger check produced %d events", len(events))
	}
}
