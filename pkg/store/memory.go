package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/agentfleet/fleetd/pkg/models"
)

// Memory is the in-memory engine. A single mutex serializes every
// operation, which trivially gives the row-lock semantics the contract
// requires. All values are deep-copied on the way in and out so callers
// never alias stored rows.
type Memory struct {
	mu sync.Mutex

	agents      map[string]*models.Agent
	transitions []*models.AgentStatusTransition
	tasks       map[string]*models.Task
	tickets     map[string]*models.Ticket
	coordPoints map[string]*models.CoordinationPoint
	guardian    []*models.GuardianAction
	restarts    []*models.RestartAttempt
	cooldowns   map[string]*models.Cooldown

	outbox     []outboxRow
	nextEvent  int64
	taskOrder  int64 // tie-breaker for identical created_at
	taskSerial map[string]int64
}

type outboxRow struct {
	event   models.SystemEvent
	drained bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		agents:      make(map[string]*models.Agent),
		tasks:       make(map[string]*models.Task),
		tickets:     make(map[string]*models.Ticket),
		coordPoints: make(map[string]*models.CoordinationPoint),
		cooldowns:   make(map[string]*models.Cooldown),
		taskSerial:  make(map[string]int64),
		nextEvent:   1,
	}
}

var _ Store = (*Memory)(nil)

// --- Agents ---

func (m *Memory) CreateAgent(_ context.Context, a *models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.agents[a.ID]; ok {
		return ErrAlreadyExists
	}
	m.agents[a.ID] = cloneAgent(a)
	return nil
}

func (m *Memory) GetAgent(_ context.Context, id string) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneAgent(a), nil
}

func (m *Memory) ListAgents(_ context.Context, f AgentFilter) ([]*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Agent
	for _, a := range m.agents {
		if !matchAgent(a, f) {
			continue
		}
		out = append(out, cloneAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func matchAgent(a *models.Agent, f AgentFilter) bool {
	if len(f.Statuses) > 0 {
		found := false
		for _, s := range f.Statuses {
			if a.Status == s {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.Kind != "" && a.Kind != f.Kind {
		return false
	}
	if f.Phase != "" && a.Phase != f.Phase {
		return false
	}
	return true
}

func (m *Memory) TransitionAgent(_ context.Context, p TransitionParams, evs ...models.SystemEvent) (*models.Agent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[p.AgentID]
	if !ok {
		return nil, ErrNotFound
	}
	if a.Status != p.From {
		return nil, ErrConflict
	}
	a.Status = p.To
	if p.Health != "" {
		a.Health = p.Health
	}
	a.UpdatedAt = p.At
	m.transitions = append(m.transitions, &models.AgentStatusTransition{
		ID:          p.AgentID + "/" + p.At.Format(time.RFC3339Nano),
		AgentID:     p.AgentID,
		From:        p.From,
		To:          p.To,
		Reason:      p.Reason,
		TriggeredBy: p.TriggeredBy,
		TaskID:      p.TaskID,
		Forced:      p.Forced,
		Metadata:    cloneStringMap(p.Metadata),
		At:          p.At,
	})
	m.appendLocked(evs)
	return cloneAgent(a), nil
}

func (m *Memory) ListTransitions(_ context.Context, agentID string, limit int) ([]*models.AgentStatusTransition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.AgentStatusTransition
	for i := len(m.transitions) - 1; i >= 0; i-- {
		t := m.transitions[i]
		if t.AgentID != agentID {
			continue
		}
		cp := *t
		cp.Metadata = cloneStringMap(t.Metadata)
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) RecordHeartbeat(_ context.Context, agentID string, u HeartbeatUpdate, evs ...models.SystemEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	hb := u.LastHeartbeat
	a.LastHeartbeat = &hb
	a.CurrentSequence = u.CurrentSequence
	a.ExpectedNextSequence = u.ExpectedNextSequence
	a.ConsecutiveMissed = 0
	if u.Health != "" {
		a.Health = u.Health
	}
	a.UpdatedAt = u.LastHeartbeat
	m.appendLocked(evs)
	return nil
}

func (m *Memory) IncrementMissed(_ context.Context, agentID string, evs ...models.SystemEvent) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return 0, ErrNotFound
	}
	a.ConsecutiveMissed++
	m.appendLocked(evs)
	return a.ConsecutiveMissed, nil
}

func (m *Memory) IncrementAssignments(_ context.Context, agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.agents[agentID]
	if !ok {
		return ErrNotFound
	}
	a.AssignmentsTotal++
	return nil
}

func (m *Memory) CountAgentTasks(_ context.Context, agentID string, statuses []models.TaskStatus) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.AssignedAgentID != agentID {
			continue
		}
		for _, s := range statuses {
			if t.Status == s {
				n++
				break
			}
		}
	}
	return n, nil
}

// --- Tasks ---

func (m *Memory) CreateTask(_ context.Context, t *models.Task, evs ...models.SystemEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return ErrAlreadyExists
	}
	for _, dep := range t.Dependencies {
		if _, ok := m.tasks[dep]; !ok {
			return ErrNotFound
		}
		if dep == t.ID || m.reachableLocked(dep, t.ID) {
			return ErrCircularDependency
		}
	}
	m.tasks[t.ID] = cloneTask(t)
	m.taskOrder++
	m.taskSerial[t.ID] = m.taskOrder
	m.appendLocked(evs)
	return nil
}

// reachableLocked reports whether target is reachable from start by
// following dependency edges.
func (m *Memory) reachableLocked(start, target string) bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		t, ok := m.tasks[id]
		if !ok {
			continue
		}
		for _, dep := range t.Dependencies {
			if dep == target {
				return true
			}
			if !seen[dep] {
				seen[dep] = true
				stack = append(stack, dep)
			}
		}
	}
	return false
}

func (m *Memory) GetTask(_ context.Context, id string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneTask(t), nil
}

func (m *Memory) GetTasks(_ context.Context, ids []string) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.Task, 0, len(ids))
	for _, id := range ids {
		t, ok := m.tasks[id]
		if !ok {
			return nil, ErrNotFound
		}
		out = append(out, cloneTask(t))
	}
	return out, nil
}

func (m *Memory) ListTasks(_ context.Context, f TaskFilter) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if f.TicketID != "" && t.TicketID != f.TicketID {
			continue
		}
		if f.Phase != "" && t.Phase != f.Phase {
			continue
		}
		if f.AgentID != "" && t.AssignedAgentID != f.AgentID {
			continue
		}
		if len(f.Statuses) > 0 {
			found := false
			for _, s := range f.Statuses {
				if t.Status == s {
					found = true
					break
				}
			}
			if !found {
				continue
			}
		}
		out = append(out, cloneTask(t))
	}
	m.sortTasks(out)
	return out, nil
}

func (m *Memory) AddTaskDependency(_ context.Context, taskID, dependsOn string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return ErrNotFound
	}
	if _, ok := m.tasks[dependsOn]; !ok {
		return ErrNotFound
	}
	if taskID == dependsOn || m.reachableLocked(dependsOn, taskID) {
		return ErrCircularDependency
	}
	for _, dep := range t.Dependencies {
		if dep == dependsOn {
			return nil
		}
	}
	t.Dependencies = append(t.Dependencies, dependsOn)
	return nil
}

func (m *Memory) NextReadyTask(_ context.Context, phase string, caps []string) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ready []*models.Task
	for _, t := range m.tasks {
		if t.Status != models.TaskStatusPending {
			continue
		}
		if phase != "" && t.Phase != phase {
			continue
		}
		if caps != nil && !capsCover(caps, t.RequiredCaps) {
			continue
		}
		if !m.depsCompletedLocked(t) {
			continue
		}
		ready = append(ready, t)
	}
	if len(ready) == 0 {
		return nil, ErrNotFound
	}
	m.sortTasks(ready)
	return cloneTask(ready[0]), nil
}

// sortTasks orders by priority desc, created_at asc, insertion order asc.
func (m *Memory) sortTasks(ts []*models.Task) {
	sort.Slice(ts, func(i, j int) bool {
		wi, wj := ts[i].Priority.Weight(), ts[j].Priority.Weight()
		if wi != wj {
			return wi > wj
		}
		if !ts[i].CreatedAt.Equal(ts[j].CreatedAt) {
			return ts[i].CreatedAt.Before(ts[j].CreatedAt)
		}
		return m.taskSerial[ts[i].ID] < m.taskSerial[ts[j].ID]
	})
}

func (m *Memory) depsCompletedLocked(t *models.Task) bool {
	for _, dep := range t.Dependencies {
		d, ok := m.tasks[dep]
		if !ok || d.Status != models.TaskStatusCompleted {
			return false
		}
	}
	return true
}

// capsCover reports required ⊆ offered.
func capsCover(offered, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]bool, len(offered))
	for _, c := range offered {
		set[c] = true
	}
	for _, r := range required {
		if !set[r] {
			return false
		}
	}
	return true
}

func (m *Memory) AssignTask(_ context.Context, taskID string, a Assignee, at time.Time, evs ...models.SystemEvent) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TaskStatusPending {
		return nil, ErrConflict
	}
	t.Status = models.TaskStatusAssigned
	t.AssignedAgentID = a.AgentID
	t.SandboxID = a.SandboxID
	started := at
	t.StartedAt = &started
	m.appendLocked(evs)
	return cloneTask(t), nil
}

func (m *Memory) UpdateTaskStatus(_ context.Context, taskID string, from, to models.TaskStatus, u TaskUpdate, evs ...models.SystemEvent) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != from {
		return nil, ErrConflict
	}
	t.Status = to
	if u.Result != nil {
		t.Result = cloneAnyMap(u.Result)
	}
	if u.ErrorMessage != "" {
		t.ErrorMessage = u.ErrorMessage
	}
	if u.ConversationID != "" {
		t.ConversationID = u.ConversationID
	}
	if u.PersistenceDir != "" {
		t.PersistenceDir = u.PersistenceDir
	}
	if u.SandboxID != "" {
		t.SandboxID = u.SandboxID
	}
	if u.StartedAt != nil {
		st := *u.StartedAt
		t.StartedAt = &st
	}
	if u.CompletedAt != nil {
		ct := *u.CompletedAt
		t.CompletedAt = &ct
	}
	m.appendLocked(evs)
	return cloneTask(t), nil
}

func (m *Memory) RequeueTask(_ context.Context, taskID string, evs ...models.SystemEvent) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status.IsTerminal() {
		return nil, ErrConflict
	}
	t.Status = models.TaskStatusPending
	t.AssignedAgentID = ""
	t.SandboxID = ""
	t.StartedAt = nil
	m.appendLocked(evs)
	return cloneTask(t), nil
}

func (m *Memory) IncrementRetry(_ context.Context, taskID string, evs ...models.SystemEvent) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != models.TaskStatusFailed {
		return nil, ErrConflict
	}
	t.RetryCount++
	t.Status = models.TaskStatusPending
	t.AssignedAgentID = ""
	t.SandboxID = ""
	t.StartedAt = nil
	m.appendLocked(evs)
	return cloneTask(t), nil
}

func (m *Memory) ListTimedOutTasks(_ context.Context, now time.Time) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.Status != models.TaskStatusAssigned && t.Status != models.TaskStatusRunning {
			continue
		}
		if t.StartedAt == nil || t.TimeoutSeconds <= 0 {
			continue
		}
		if now.Sub(*t.StartedAt) > time.Duration(t.TimeoutSeconds)*time.Second {
			out = append(out, cloneTask(t))
		}
	}
	m.sortTasks(out)
	return out, nil
}

func (m *Memory) ListAssignedTasks(_ context.Context, agentID string) ([]*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Task
	for _, t := range m.tasks {
		if t.AssignedAgentID != agentID {
			continue
		}
		if t.Status.IsTerminal() {
			continue
		}
		out = append(out, cloneTask(t))
	}
	m.sortTasks(out)
	return out, nil
}

// --- Tickets ---

func (m *Memory) CreateTicket(_ context.Context, t *models.Ticket) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tickets[t.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *t
	m.tickets[t.ID] = &cp
	return nil
}

func (m *Memory) GetTicket(_ context.Context, id string) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *Memory) ListTicketsByStatus(_ context.Context, status models.TicketStatus) ([]*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Ticket
	for _, t := range m.tickets {
		if t.Status == status {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateTicketStatus(_ context.Context, id string, to models.TicketStatus, blockerType string, evs ...models.SystemEvent) (*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tickets[id]
	if !ok {
		return nil, ErrNotFound
	}
	t.Status = to
	if blockerType != "" {
		t.BlockerType = blockerType
	}
	m.appendLocked(evs)
	cp := *t
	return &cp, nil
}

func (m *Memory) ListStaleTickets(_ context.Context, before time.Time) ([]*models.Ticket, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Ticket
	for _, t := range m.tickets {
		if t.Status != models.TicketStatusInProgress {
			continue
		}
		last := t.UpdatedAt
		for _, task := range m.tasks {
			if task.TicketID != t.ID {
				continue
			}
			if task.CreatedAt.After(last) {
				last = task.CreatedAt
			}
			if task.StartedAt != nil && task.StartedAt.After(last) {
				last = *task.StartedAt
			}
			if task.CompletedAt != nil && task.CompletedAt.After(last) {
				last = *task.CompletedAt
			}
		}
		if last.Before(before) {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// --- Coordination ---

func (m *Memory) CreateCoordinationPoint(_ context.Context, p *models.CoordinationPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.coordPoints[p.ID]; ok {
		return ErrAlreadyExists
	}
	cp := *p
	cp.TaskIDs = append([]string(nil), p.TaskIDs...)
	m.coordPoints[p.ID] = &cp
	return nil
}

func (m *Memory) GetCoordinationPoint(_ context.Context, id string) (*models.CoordinationPoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.coordPoints[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	cp.TaskIDs = append([]string(nil), p.TaskIDs...)
	return &cp, nil
}

// --- Guardian ---

func (m *Memory) InsertGuardianAction(_ context.Context, a *models.GuardianAction, evs ...models.SystemEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	cp.Before = cloneAnyMap(a.Before)
	cp.After = cloneAnyMap(a.After)
	m.guardian = append(m.guardian, &cp)
	m.appendLocked(evs)
	return nil
}

func (m *Memory) InsertRestartAttempt(_ context.Context, r *models.RestartAttempt) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	cp.ReassignedTaskIDs = append([]string(nil), r.ReassignedTaskIDs...)
	m.restarts = append(m.restarts, &cp)
	return nil
}

func (m *Memory) CountRestarts(_ context.Context, agentID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.restarts {
		if r.AgentID == agentID {
			n++
		}
	}
	return n, nil
}

func (m *Memory) LastRestartAt(_ context.Context, agentID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var last *time.Time
	for _, r := range m.restarts {
		if r.AgentID != agentID {
			continue
		}
		if last == nil || r.InitiatedAt.After(*last) {
			at := r.InitiatedAt
			last = &at
		}
	}
	return last, nil
}

// GuardianActions returns a snapshot of recorded actions (test helper).
func (m *Memory) GuardianActions() []*models.GuardianAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*models.GuardianAction, len(m.guardian))
	copy(out, m.guardian)
	return out
}

// --- Cooldowns ---

func (m *Memory) GetCooldown(_ context.Context, scope, entityID string) (*models.Cooldown, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.cooldowns[scope+"/"+entityID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (m *Memory) SetCooldown(_ context.Context, scope, entityID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cooldowns[scope+"/"+entityID] = &models.Cooldown{
		Scope:     scope,
		EntityID:  entityID,
		ExpiresAt: expiresAt,
	}
	return nil
}

// --- Outbox ---

func (m *Memory) AppendEvents(_ context.Context, evs ...models.SystemEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appendLocked(evs)
	return nil
}

func (m *Memory) appendLocked(evs []models.SystemEvent) {
	for _, ev := range evs {
		ev.ID = m.nextEvent
		m.nextEvent++
		ev.Payload = cloneAnyMap(ev.Payload)
		m.outbox = append(m.outbox, outboxRow{event: ev})
	}
}

func (m *Memory) NextOutboxBatch(_ context.Context, limit int) ([]models.SystemEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.SystemEvent
	for _, row := range m.outbox {
		if row.drained {
			continue
		}
		ev := row.event
		ev.Payload = cloneAnyMap(row.event.Payload)
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) MarkDrained(_ context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := make(map[int64]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	for i := range m.outbox {
		if set[m.outbox[i].event.ID] {
			m.outbox[i].drained = true
		}
	}
	return nil
}

func (m *Memory) OutboxDepth(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, row := range m.outbox {
		if !row.drained {
			n++
		}
	}
	return n, nil
}

// --- clone helpers ---

func cloneAgent(a *models.Agent) *models.Agent {
	cp := *a
	cp.Capabilities = append([]string(nil), a.Capabilities...)
	cp.Tags = append([]string(nil), a.Tags...)
	cp.Metadata = cloneStringMap(a.Metadata)
	if a.LastHeartbeat != nil {
		hb := *a.LastHeartbeat
		cp.LastHeartbeat = &hb
	}
	return &cp
}

func cloneTask(t *models.Task) *models.Task {
	cp := *t
	cp.RequiredCaps = append([]string(nil), t.RequiredCaps...)
	cp.Dependencies = append([]string(nil), t.Dependencies...)
	cp.Result = cloneAnyMap(t.Result)
	cp.ExecutionConfig = cloneAnyMap(t.ExecutionConfig)
	if t.StartedAt != nil {
		st := *t.StartedAt
		cp.StartedAt = &st
	}
	if t.CompletedAt != nil {
		ct := *t.CompletedAt
		cp.CompletedAt = &ct
	}
	return &cp
}

func cloneStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
