package loop

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/sentinel/internal/agents"
	"github.com/fyrsmithlabs/sentinel/internal/events"
	"github.com/fyrsmithlabs/sentinel/internal/gates"
	"github.com/fyrsmithlabs/sentinel/internal/logging"
	"github.com/fyrsmithlabs/sentinel/internal/queue"
	"github.com/fyrsmithlabs/sentinel/internal/recovery"
	"github.com/fyrsmithlabs/sentinel/internal/state"
)

// retryBlockReason marks items held until their scheduled retry is due.
const retryBlockReason = "retry scheduled"

func (c *Controller) contextualize(ctx context.Context, st *state.LoopState, _ *cycle) error {
	st.Iteration++
	st.Branch = gates.CurrentBranch(c.settings.Dir)
	c.logger.Info(ctx, "iteration started",
		zap.String("branch", st.Branch),
		zap.String("strategy", st.Strategy),
		zap.Int("open_items", c.queue.Open()),
	)
	return nil
}

func (c *Controller) assess(ctx context.Context, st *state.LoopState, cy *cycle) error {
	in := AssessInput{
		Task:      st.Task,
		Iteration: st.Iteration,
		Dir:       c.settings.Dir,
		Items:     c.queue.Items(),
	}
	for _, a := range c.assessors {
		if r, ok := a.(Resolver); ok {
			c.resolveAssessed(ctx, st, cy, a.Name(), r, in)
			in.Items = c.queue.Items()
		}
		items, err := a.Assess(ctx, in)
		if err != nil {
			c.logger.Warn(ctx, "assessor failed", zap.String("assessor", a.Name()), zap.Error(err))
			c.recordFailure(ctx, st, cy, "assess:"+a.Name(), err, "")
			continue
		}
		for _, it := range items {
			if c.enqueue(ctx, st, it) {
				in.Items = c.queue.Items()
			}
		}
	}

	if len(c.settings.Analyzers) == 0 || c.settings.DryRun || c.agents == nil {
		return nil
	}
	specs := make([]agents.TaskSpec, len(c.settings.Analyzers))
	for i, spec := range c.settings.Analyzers {
		spec.ID = ""
		spec.Iteration = st.Iteration
		if spec.Instruction == "" {
			spec.Instruction = st.Task
		}
		specs[i] = spec
	}
	tasks := c.agents.Spawn(ctx, specs)
	c.recordTasks(st, tasks)
	c.synthesize(ctx, st, tasks)
	return nil
}

// resolveAssessed closes the items whose assessor signal has cleared.
func (c *Controller) resolveAssessed(ctx context.Context, st *state.LoopState, cy *cycle, name string, r Resolver, in AssessInput) {
	ids, note, err := r.Resolved(ctx, in)
	if err != nil {
		c.logger.Warn(ctx, "assessor could not resolve items", zap.String("assessor", name), zap.Error(err))
		return
	}
	for _, id := range ids {
		if _, err := c.queue.Skip(id, st.Iteration, note); err != nil {
			c.logger.Warn(ctx, "failed to resolve item", zap.String("item_id", id), zap.Error(err))
			continue
		}
		cy.completed = append(cy.completed, id)
		c.publishItem(ctx, st, events.ItemCompleted, id)
	}
	if len(ids) > 0 {
		c.logger.Info(ctx, "assessed items resolved", zap.String("assessor", name), zap.Strings("items", ids))
	}
}

// enqueue adds item unless an open item already carries the same title.
// It reports whether the item was added.
func (c *Controller) enqueue(ctx context.Context, st *state.LoopState, item queue.WorkItem) bool {
	for _, it := range c.queue.Items() {
		if it.Status.IsOpen() && strings.EqualFold(it.Title, item.Title) {
			return false
		}
	}
	if item.AddedIteration == 0 {
		item.AddedIteration = st.Iteration
	}
	if item.Source == "" {
		item.Source = queue.SourceAssess
	}
	if !c.queue.Table().Known(item.Priority) {
		item.Priority = queue.S2
	}

	id, err := c.queue.Enqueue(item)
	var dup *queue.DuplicateIDError
	if errors.As(err, &dup) {
		return false
	}
	if err != nil {
		c.logger.Warn(ctx, "failed to enqueue item", zap.String("title", item.Title), zap.Error(err))
		return false
	}
	c.publishItem(ctx, st, events.ItemEnqueued, id)
	return true
}

func (c *Controller) metaCognition(ctx context.Context, st *state.LoopState, cy *cycle) error {
	cy.stall = DetectStall(SincePivot(st.History), c.settings.Stall)
	if cy.stall.Stalled() {
		c.logger.Warn(ctx, "stall detected",
			zap.String("kind", string(cy.stall.Kind)),
			zap.String("reason", cy.stall.Reason),
			zap.String("strategy", st.Strategy),
		)
	}
	return nil
}

func (c *Controller) plan(ctx context.Context, st *state.LoopState, cy *cycle) error {
	n := 1
	if c.settings.Swarm {
		n = c.settings.Workers
	}

	if c.settings.DryRun || c.agents == nil {
		cy.planned = c.preview(n)
	} else if c.engine.Paused(c.now()) {
		c.logger.Info(ctx, "rate limited, not claiming work", zap.Time("until", c.engine.PausedUntil()))
	} else {
		for i := range n {
			it, ok := c.queue.ClaimNext(fmt.Sprintf("worker-%d", i+1), c.settings.Capabilities)
			if !ok {
				break
			}
			cy.planned = append(cy.planned, it)
		}
	}

	if len(cy.planned) > 0 {
		ids := make([]string, len(cy.planned))
		for i, it := range cy.planned {
			ids[i] = it.ID
		}
		c.logger.Info(ctx, "work planned", zap.Strings("items", ids), zap.Bool("dry_run", c.settings.DryRun))
	}
	return nil
}

// preview lists the n items ClaimNext would hand out, without claiming.
func (c *Controller) preview(n int) []queue.WorkItem {
	var out []queue.WorkItem
	for _, it := range c.queue.Items() {
		if len(out) == n {
			break
		}
		if it.Status != queue.StatusPending || len(it.BlockedBy) > 0 {
			continue
		}
		if it.Capability != "" && !slices.Contains(c.settings.Capabilities, it.Capability) {
			continue
		}
		out = append(out, it)
	}
	return out
}

func (c *Controller) build(ctx context.Context, st *state.LoopState, cy *cycle) error {
	if c.settings.DryRun || c.agents == nil || len(cy.planned) == 0 {
		return nil
	}

	specs := make([]agents.TaskSpec, 0, len(cy.planned))
	for _, it := range cy.planned {
		if err := c.queue.Start(it.ID); err != nil {
			c.logger.Warn(ctx, "failed to start item", zap.String("item_id", it.ID), zap.Error(err))
			continue
		}
		spec := agents.TaskSpec{
			Type:        agentType(it, st.Strategy),
			Instruction: instruction(st.Task, it, st.Strategy),
			ItemID:      it.ID,
			Iteration:   st.Iteration,
		}
		spec.Timeout = c.retryTimeout(agents.Operation(spec.Type, it.ID))
		specs = append(specs, spec)
	}

	tasks := c.agents.Spawn(ctx, specs)
	c.recordTasks(st, tasks)

	handled := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		handled[t.ItemID] = true
		ictx := logging.WithItemID(ctx, t.ItemID)

		switch {
		case t.Status == agents.TaskSucceeded:
			c.engine.Recovered(agents.Operation(t.Type, t.ItemID))
			if _, err := c.queue.Complete(t.ItemID, st.Iteration); err != nil {
				c.logger.Warn(ictx, "failed to complete item", zap.Error(err))
				continue
			}
			cy.changed = true
			cy.completed = append(cy.completed, t.ItemID)
			c.publishItem(ictx, st, events.ItemCompleted, t.ItemID)
		case t.Recovery == recovery.ActionRetry:
			if err := c.queue.Block(t.ItemID, retryBlockReason); err != nil {
				c.logger.Warn(ictx, "failed to hold item for retry", zap.Error(err))
			}
		case t.Recovery == recovery.ActionBlock:
			// The engine already blocked the item.
		case t.Recovery == recovery.ActionEscalate:
			c.release(ictx, t.ItemID, t.Error)
			if rec, ok := c.record(agents.Operation(t.Type, t.ItemID)); ok {
				c.escalate(ictx, st, cy, escalationFor(rec))
			}
		default:
			c.release(ictx, t.ItemID, t.Error)
		}
	}
	for _, it := range cy.planned {
		if !handled[it.ID] {
			c.release(ctx, it.ID, "not dispatched")
		}
	}

	c.synthesize(ctx, st, tasks)
	return nil
}

// retryTimeout stretches the base task deadline for an operation whose
// pending retry extends its timeout. Zero keeps the coordinator default.
func (c *Controller) retryTimeout(operation string) time.Duration {
	rec, ok := c.record(operation)
	if !ok || rec.Status != recovery.StatusPendingRetry || rec.TimeoutMultiplier <= 1 {
		return 0
	}
	return time.Duration(float64(c.agents.TaskTimeout()) * rec.TimeoutMultiplier)
}

func (c *Controller) release(ctx context.Context, id, note string) {
	it, ok := c.queue.Get(id)
	if !ok || (it.Status != queue.StatusClaimed && it.Status != queue.StatusInProgress) {
		return
	}
	if err := c.queue.Release(id, note); err != nil {
		c.logger.Warn(ctx, "failed to release item", zap.String("item_id", id), zap.Error(err))
	}
}

func (c *Controller) record(operation string) (recovery.ErrorRecord, bool) {
	for _, r := range c.engine.Records() {
		if r.Operation == operation {
			return r, true
		}
	}
	return recovery.ErrorRecord{}, false
}

func (c *Controller) recordTasks(st *state.LoopState, tasks []*agents.AgentTask) {
	for _, t := range tasks {
		st.Agents = append(st.Agents, *t)
	}
}

func (c *Controller) synthesize(ctx context.Context, st *state.LoopState, tasks []*agents.AgentTask) {
	if len(tasks) == 0 {
		return
	}
	ids, err := c.agents.SynthesizeInto(c.queue, tasks, st.Iteration)
	if err != nil {
		c.logger.Warn(ctx, "some findings could not be enqueued", zap.Error(err))
	}
	for _, id := range ids {
		c.publishItem(ctx, st, events.ItemEnqueued, id)
	}
}

func (c *Controller) test(ctx context.Context, st *state.LoopState, cy *cycle) error {
	if c.testGate == nil || !cy.changed {
		return nil
	}
	res := c.testGate.Evaluate(ctx, c.repoState(st))
	if res.Name == "" {
		res.Name = c.testGate.Name()
	}
	st.GateResults[res.Name] = res
	c.publish(ctx, st, events.KindGate, events.GateEvent{Iteration: st.Iteration, Result: res})
	if !res.Status.Passing() {
		c.logger.Warn(ctx, "tests failing after build", zap.String("detail", res.Detail))
	}
	return nil
}

func (c *Controller) quality(ctx context.Context, st *state.LoopState, cy *cycle) error {
	report := c.cascade.Run(ctx, c.repoState(st))
	st.GateResults = report.Map()

	for _, r := range report.Results {
		if r.Coverage != nil {
			cov := *r.Coverage
			cy.coverage = &cov
		}
		c.publish(ctx, st, events.KindGate, events.GateEvent{Iteration: st.Iteration, Result: r})
	}
	for _, id := range report.Enqueued {
		c.publishItem(ctx, st, events.ItemEnqueued, id)
	}
	for _, id := range report.Resolved {
		cy.completed = append(cy.completed, id)
		c.publishItem(ctx, st, events.ItemCompleted, id)
	}

	// Gates whose tool could not start go through error recovery.
	for _, r := range report.Results {
		op := gateOperation(r.Name)
		if r.Error == "" {
			c.engine.Recovered(op)
			continue
		}
		c.recordFailure(ctx, st, cy, op, errors.New(r.Error), "")
	}

	if failed := report.Failed(); len(failed) > 0 {
		c.logger.Info(ctx, "gates failing", zap.Strings("gates", failed), zap.Int("enqueued", len(report.Enqueued)))
	}
	return nil
}

// gateOperation is the recovery operation for running gate name.
func gateOperation(name string) string {
	return "gate:" + name
}

func (c *Controller) repoState(st *state.LoopState) gates.RepoState {
	return gates.RepoState{
		Dir:       c.settings.Dir,
		Profile:   c.settings.Profile,
		Iteration: st.Iteration,
		Queue:     c.queue,
	}
}

func (c *Controller) checkpoint(ctx context.Context, st *state.LoopState, _ *cycle) error {
	if c.settings.DryRun {
		return nil
	}
	c.sync(st)
	token, err := c.store.Snapshot(ctx, st)
	if err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	c.logger.Debug(ctx, "snapshot written", zap.String("token", string(token)))

	// A clean iteration is a rollback point worth naming.
	if c.queue.Open() == 0 && gatesClean(st.GateResults) {
		name := fmt.Sprintf("iteration-%d-clean", st.Iteration)
		if _, err := c.store.Checkpoint(ctx, name, st); err != nil {
			return fmt.Errorf("checkpoint %s: %w", name, err)
		}
		c.logger.Info(ctx, "checkpoint created", zap.String("name", name))
	}
	return nil
}

func (c *Controller) reassess(ctx context.Context, st *state.LoopState, cy *cycle) error {
	if !cy.stall.Stalled() {
		return nil
	}
	cy.pivoted = true

	if next := nextStrategy(c.settings.Strategies, st.TriedStrategies); next != "" {
		c.logger.Info(ctx, "pivoting strategy",
			zap.String("from", st.Strategy),
			zap.String("to", next),
			zap.String("reason", cy.stall.Reason),
		)
		st.Strategy = next
		st.TriedStrategies = append(st.TriedStrategies, next)
		return nil
	}

	c.escalate(ctx, st, cy, state.Escalation{
		Reason:   cy.stall.Reason + "; every strategy has been tried (" + strings.Join(st.TriedStrategies, ", ") + ")",
		Evidence: cy.stall.Evidence,
		ItemIDs:  c.stalledItems(st, cy.stall),
	})
	return nil
}

// stalledItems returns the open items a stall is about: the failing
// gate's item, or every open item older than this iteration.
func (c *Controller) stalledItems(st *state.LoopState, s Stall) []string {
	var ids []string
	for _, it := range c.queue.Items() {
		if !it.Status.IsOpen() {
			continue
		}
		switch {
		case s.Kind == StallGate && it.Source == queue.GateSource(s.Gate):
			ids = append(ids, it.ID)
		case s.Kind == StallNoProgress && it.AddedIteration < st.Iteration:
			ids = append(ids, it.ID)
		}
	}
	return ids
}

func (c *Controller) evaluate(ctx context.Context, st *state.LoopState, cy *cycle) error {
	counts := c.queue.Counts()
	open := counts[queue.StatusPending] + counts[queue.StatusClaimed] +
		counts[queue.StatusInProgress] + counts[queue.StatusBlocked]
	clean := open == 0 && gatesClean(st.GateResults)

	if clean {
		st.ConsecutivePasses++
	} else {
		st.ConsecutivePasses = 0
	}

	var fresh []queue.WorkItem
	for _, it := range c.queue.Items() {
		if !cy.known[it.ID] {
			fresh = append(fresh, it)
		}
	}

	outcome := state.OutcomeContinue
	switch {
	case clean && st.ConsecutivePasses >= c.settings.RequiredPasses:
		outcome = state.OutcomeDone
		st.Escalation = nil
	default:
		c.pauseOnSeverity(ctx, st, cy, fresh)
		if st.Escalation != nil {
			outcome = state.OutcomeEscalate
		}
	}
	cy.outcome = outcome

	var failed []string
	for _, name := range sortedKeys(st.GateResults) {
		if !st.GateResults[name].Status.Passing() {
			failed = append(failed, name)
		}
	}
	planned := make([]string, len(cy.planned))
	for i, it := range cy.planned {
		planned[i] = it.ID
	}
	st.History = append(st.History, state.IterationSummary{
		Iteration:    st.Iteration,
		OpenItems:    open,
		Counts:       counts,
		Coverage:     cy.coverage,
		FailedGates:  failed,
		GatesPassing: gatesClean(st.GateResults),
		Enqueued:     len(fresh),
		Completed:    cy.completed,
		Planned:      planned,
		Strategy:     st.Strategy,
		Stalled:      cy.pivoted,
		Outcome:      outcome,
		StartedAt:    cy.started,
		CompletedAt:  c.now(),
	})

	c.logger.Info(ctx, "iteration evaluated",
		zap.String("outcome", string(outcome)),
		zap.Int("open_items", open),
		zap.Strings("failed_gates", failed),
		zap.Int("consecutive_passes", st.ConsecutivePasses),
	)
	return nil
}

// pauseOnSeverity escalates when this iteration enqueued items at or
// above the configured severity.
func (c *Controller) pauseOnSeverity(ctx context.Context, st *state.LoopState, cy *cycle, fresh []queue.WorkItem) {
	threshold := c.settings.PauseOnSeverity
	if threshold == "" {
		return
	}
	table := c.queue.Table()
	var ids, evidence []string
	for _, it := range fresh {
		if it.Status.IsOpen() && table.AtLeast(it.Priority, threshold) {
			ids = append(ids, it.ID)
			evidence = append(evidence, fmt.Sprintf("[%s] %s (%s)", it.Priority, it.Title, it.Source))
		}
	}
	if len(ids) == 0 {
		return
	}
	c.escalate(ctx, st, cy, state.Escalation{
		Reason:   fmt.Sprintf("%d new item(s) at or above %s", len(ids), threshold),
		Evidence: evidence,
		ItemIDs:  ids,
	})
}

func (c *Controller) retryDue(ctx context.Context, st *state.LoopState, _ *cycle) error {
	now := c.now()
	due := c.engine.Tick(now)
	if len(due) > 0 {
		c.logger.Info(ctx, "retries due", zap.Int("count", len(due)))
	}

	waiting := make(map[string]bool)
	for _, r := range c.engine.Records() {
		if r.Status == recovery.StatusPendingRetry && r.ItemID != "" && r.NextRetryAt.After(now) {
			waiting[r.ItemID] = true
		}
	}
	for _, it := range c.queue.Items() {
		if it.Status != queue.StatusBlocked || it.BlockReason != retryBlockReason || waiting[it.ID] {
			continue
		}
		if err := c.queue.Unblock(it.ID); err != nil {
			c.logger.Warn(ctx, "failed to release retry hold", zap.String("item_id", it.ID), zap.Error(err))
		}
	}

	if c.engine.Paused(now) {
		c.logger.Info(ctx, "new work paused by rate limiting", zap.Time("until", c.engine.PausedUntil()))
	}
	return nil
}

func (c *Controller) publishItem(ctx context.Context, st *state.LoopState, action events.ItemAction, id string) {
	it, ok := c.queue.Get(id)
	if !ok {
		return
	}
	c.publish(ctx, st, events.KindItem, events.ItemEvent{Action: action, Iteration: st.Iteration, Item: it})
}

// gatesClean reports whether at least one gate ran and all are passing.
func gatesClean(results map[string]gates.Result) bool {
	if len(results) == 0 {
		return false
	}
	for _, r := range results {
		if !r.Status.Passing() {
			return false
		}
	}
	return true
}

func sortedKeys(m map[string]gates.Result) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
