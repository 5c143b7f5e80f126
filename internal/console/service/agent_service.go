package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/xela07ax/intel-pipeline/internal/domain"
	"github.com/xela07ax/intel-pipeline/internal/engine"
	"github.com/xela07ax/intel-pipeline/internal/ratelimit"
	"github.com/xela07ax/intel-pipeline/internal/registry"
	"go.uber.org/zap"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
)

// StateStore — статус агентов (Redis).
type StateStore interface {
	GetAll(ctx context.Context, agentIDs []string) (map[string]domain.AgentState, error)
	Set(ctx context.Context, agentID string, status domain.AgentStatus, actor string) (domain.AgentState, error)
}

type Submitter interface {
	Submit(ctx context.Context, trig engine.Trigger) (engine.Admission, error)
}

type RateChecker interface {
	Check(ctx context.Context, subject, resource, tier string) error
}

// ExecutionReader описывает чтение журнала запусков.
type ExecutionReader interface {
	Recent(ctx context.Context, agentID string, limit int) ([]domain.ExecutionRecord, error)
}

// AuditRepository — журнал действий администраторов. Только добавление.
type AuditRepository interface {
	Record(ctx context.Context, a domain.AdminActionAudit) error
	List(ctx context.Context, agentID string, limit int) ([]domain.AdminActionAudit, error)
}

// ActionResult — ответ на pause/resume/trigger.
type ActionResult struct {
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
	JobID   string `json:"job_id,omitempty"`
}

type AgentService struct {
	reg     *registry.Registry
	states  StateStore
	pool    Submitter
	limiter RateChecker
	execs   ExecutionReader
	audits  AuditRepository
	logger  *zap.Logger
	now     func() time.Time

	onMutation func(agentID string)
}

func NewAgentService(
	reg *registry.Registry,
	states StateStore,
	pool Submitter,
	limiter RateChecker,
	execs ExecutionReader,
	audits AuditRepository,
	logger *zap.Logger,
) *AgentService {
	return &AgentService{
		reg:     reg,
		states:  states,
		pool:    pool,
		limiter: limiter,
		execs:   execs,
		audits:  audits,
		logger:  logger.Named("agent-service"),
		now:     time.Now,
	}
}

// OnMutation вызывается после каждой успешной команды (сброс кэша метрик, пуш SSE).
func (s *AgentService) OnMutation(fn func(agentID string)) {
	s.onMutation = fn
}

// ListAgents возвращает реестр вместе с текущим состоянием каждого агента.
func (s *AgentService) ListAgents(ctx context.Context) ([]domain.AgentView, error) {
	states, err := s.states.GetAll(ctx, s.reg.IDs())
	if err != nil {
		s.logger.Error("failed to read agent states", zap.Error(err))
		return nil, fmt.Errorf("service: could not fetch agent states: %w", err)
	}

	views := make([]domain.AgentView, 0, len(states))
	for _, d := range s.reg.All() {
		st, ok := states[d.ID]
		if !ok {
			// Bootstrap еще не прошел: по умолчанию агент допускается
			st = domain.AgentState{AgentID: d.ID, Status: domain.StatusRunning, UpdatedBy: "system"}
		}
		views = append(views, domain.AgentView{AgentDescriptor: d, State: st})
	}
	return views, nil
}

// Logs — последние запуски агента.
func (s *AgentService) Logs(ctx context.Context, agentID string, limit int) ([]domain.ExecutionRecord, error) {
	if !s.reg.Has(agentID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidAgent, agentID)
	}
	recs, err := s.execs.Recent(ctx, agentID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("service: could not fetch logs: %w", err)
	}
	if recs == nil {
		return []domain.ExecutionRecord{}, nil
	}
	return recs, nil
}

// Audit — действия администраторов над агентом, от новых к старым.
func (s *AgentService) Audit(ctx context.Context, agentID string, limit int) ([]domain.AdminActionAudit, error) {
	if !s.reg.Has(agentID) {
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidAgent, agentID)
	}
	entries, err := s.audits.List(ctx, agentID, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("service: could not fetch audit: %w", err)
	}
	if entries == nil {
		return []domain.AdminActionAudit{}, nil
	}
	return entries, nil
}

func (s *AgentService) Pause(ctx context.Context, agentID, actor string) (ActionResult, error) {
	return s.updateAgentState(ctx, agentID, actor, domain.StatusPaused, domain.ActionPause)
}

func (s *AgentService) Resume(ctx context.Context, agentID, actor string) (ActionResult, error) {
	return s.updateAgentState(ctx, agentID, actor, domain.StatusRunning, domain.ActionResume)
}

// updateAgentState — общий путь pause/resume.
// Запуски, которые уже выполняются, не прерываются: статус влияет только на новые допуски.
func (s *AgentService) updateAgentState(
	ctx context.Context,
	agentID, actor string,
	status domain.AgentStatus,
	action domain.AdminAction,
) (ActionResult, error) {
	// 1. Rate limit
	if err := s.limiter.Check(ctx, actor, agentID, ratelimit.TierAdmin); err != nil {
		return ActionResult{}, err
	}
	// 2. Реестр
	if !s.reg.Has(agentID) {
		return ActionResult{}, fmt.Errorf("%w: %s", domain.ErrInvalidAgent, agentID)
	}
	// 3. Мутация (атомарная запись + сигнал в канал состояния)
	st, err := s.states.Set(ctx, agentID, status, actor)
	if err != nil {
		s.logger.Error("failed to update agent state",
			zap.String("agent_id", agentID),
			zap.String("action", string(action)),
			zap.Error(err))
		return ActionResult{}, fmt.Errorf("service: %s: %w", action, err)
	}
	// 4. Аудит
	if err := s.record(ctx, actor, action, agentID, nil, domain.OutcomeOK); err != nil {
		return ActionResult{}, err
	}

	s.logger.Info("agent state updated",
		zap.String("agent_id", agentID),
		zap.String("action", string(action)),
		zap.String("actor", actor),
		zap.Int64("version", st.Version))
	s.mutated(agentID)
	return ActionResult{AgentID: agentID, Status: string(st.Status)}, nil
}

// Trigger ставит внеплановый запуск через общий допуск пула.
// AlreadyRunning возвращается вызывающему как ошибка, дубликат не ставится в очередь.
func (s *AgentService) Trigger(ctx context.Context, agentID, actor string) (ActionResult, error) {
	if err := s.limiter.Check(ctx, actor, agentID, ratelimit.TierTrigger); err != nil {
		return ActionResult{}, err
	}
	if !s.reg.Has(agentID) {
		return ActionResult{}, fmt.Errorf("%w: %s", domain.ErrInvalidAgent, agentID)
	}

	adm, err := s.pool.Submit(ctx, engine.Trigger{
		AgentID: agentID,
		Source:  domain.TriggerManual,
		Actor:   actor,
	})
	if err != nil && !errors.Is(err, domain.ErrAlreadyRunning) {
		s.logger.Error("manual trigger failed", zap.String("agent_id", agentID), zap.Error(err))
		return ActionResult{}, fmt.Errorf("service: trigger: %w", err)
	}

	var jobID *string
	if adm.JobID != "" {
		jobID = &adm.JobID
	}
	outcome := domain.OutcomeOK
	switch {
	case err != nil:
		outcome = domain.OutcomeAlreadyRunning
	case adm.Outcome == engine.OutcomeSkipped:
		outcome = domain.OutcomeSkipped
	}

	// Отказ тоже фиксируется: кто и когда пытался запустить
	if aErr := s.record(ctx, actor, domain.ActionTrigger, agentID, jobID, outcome); aErr != nil {
		return ActionResult{}, aErr
	}
	if err != nil {
		return ActionResult{AgentID: agentID, Status: string(outcome), JobID: adm.JobID}, err
	}

	s.logger.Info("manual trigger accepted",
		zap.String("agent_id", agentID),
		zap.String("job_id", adm.JobID),
		zap.String("actor", actor),
		zap.String("outcome", string(adm.Outcome)))
	s.mutated(agentID)

	status := string(domain.ExecQueued)
	if adm.Outcome == engine.OutcomeSkipped {
		status = string(domain.ExecSkipped)
	}
	return ActionResult{AgentID: agentID, Status: status, JobID: adm.JobID}, nil
}

func (s *AgentService) record(
	ctx context.Context,
	actor string,
	action domain.AdminAction,
	agentID string,
	jobID *string,
	outcome domain.ActionOutcome,
) error {
	entry := domain.AdminActionAudit{
		ID:             uuid.NewString(),
		AdminID:        actor,
		Action:         action,
		TargetAgent:    agentID,
		Timestamp:      s.now().UTC(),
		ResultingJobID: jobID,
		Outcome:        outcome,
	}
	if err := s.audits.Record(ctx, entry); err != nil {
		s.logger.Error("audit write failed",
			zap.String("agent_id", agentID),
			zap.String("action", string(action)),
			zap.Error(err))
		return fmt.Errorf("service: audit: %w", err)
	}
	return nil
}

func (s *AgentService) mutated(agentID string) {
	if s.onMutation != nil {
		s.onMutation(agentID)
	}
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}
