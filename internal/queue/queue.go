package queue

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Queue is a mutex-guarded priority queue of work items with dependency
// tracking.
type Queue struct {
	mu    sync.Mutex
	table PriorityTable
	items map[string]*entry
	next  int
	now   func() time.Time
}

type entry struct {
	item WorkItem
	seq  int
}

// Option configures a Queue.
type Option func(*Queue)

// WithPriorityTable overrides the default priority ordering.
func WithPriorityTable(t PriorityTable) Option {
	return func(q *Queue) {
		q.table = t
	}
}

// WithClock overrides the time source used for item timestamps.
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// New creates an empty queue.
func New(opts ...Option) *Queue {
	q := &Queue{
		table: DefaultPriorityTable(),
		items: make(map[string]*entry),
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Table returns the queue's priority table.
func (q *Queue) Table() PriorityTable {
	return q.table
}

// Enqueue adds item to the queue and returns its id, generating one when
// item.ID is empty. BlockedBy entries that are already done are dropped;
// any remaining blocker puts the item in blocked status. Entries in
// item.Blocks name existing items that become blocked by the new one.
func (q *Queue) Enqueue(item WorkItem) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if _, exists := q.items[item.ID]; exists {
		return "", &DuplicateIDError{ID: item.ID}
	}
	if !q.table.Known(item.Priority) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPriority, item.Priority)
	}

	blockers, err := q.openBlockers(item.ID, item.BlockedBy)
	if err != nil {
		return "", err
	}

	var dependents []string
	for _, dep := range dedupe(item.Blocks) {
		if dep == item.ID {
			return "", &CycleError{ID: item.ID, Path: []string{item.ID, item.ID}}
		}
		e, ok := q.items[dep]
		if !ok {
			return "", &UnknownDependencyError{ID: item.ID, Dependency: dep}
		}
		switch e.item.Status {
		case StatusPending, StatusBlocked:
		default:
			return "", fmt.Errorf("%w: %q is %s and cannot gain a blocker", ErrInvalidTransition, dep, e.item.Status)
		}
		dependents = append(dependents, dep)
	}

	// The new item closes a cycle only if one of its blockers already
	// (transitively) waits on one of its dependents.
	for _, b := range blockers {
		for _, d := range dependents {
			if path := q.pathLocked(b, d); path != nil {
				return "", &CycleError{ID: item.ID, Path: append([]string{item.ID}, append(path, item.ID)...)}
			}
		}
	}

	now := q.now()
	item.BlockedBy = blockers
	item.Blocks = nil
	item.ClaimedBy = ""
	item.CompletedIteration = 0
	item.CreatedAt = now
	item.UpdatedAt = now
	if len(blockers) > 0 {
		item.Status = StatusBlocked
	} else {
		item.Status = StatusPending
	}

	for _, b := range blockers {
		be := q.items[b]
		be.item.Blocks = appendUnique(be.item.Blocks, item.ID)
	}
	for _, d := range dependents {
		de := q.items[d]
		de.item.BlockedBy = appendUnique(de.item.BlockedBy, item.ID)
		de.item.Status = StatusBlocked
		de.item.UpdatedAt = now
		item.Blocks = appendUnique(item.Blocks, d)
	}

	q.items[item.ID] = &entry{item: item, seq: q.next}
	q.next++
	return item.ID, nil
}

// AddDependency records that id cannot start until dependsOn is done.
func (q *Queue) AddDependency(id, dependsOn string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok {
		return fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	dep, ok := q.items[dependsOn]
	if !ok {
		return &UnknownDependencyError{ID: id, Dependency: dependsOn}
	}
	if id == dependsOn {
		return &CycleError{ID: id, Path: []string{id, id}}
	}
	if dep.item.Status == StatusDone || slices.Contains(e.item.BlockedBy, dependsOn) {
		return nil
	}
	switch e.item.Status {
	case StatusPending, StatusBlocked:
	default:
		return fmt.Errorf("%w: %q is %s and cannot gain a blocker", ErrInvalidTransition, id, e.item.Status)
	}
	if path := q.pathLocked(dependsOn, id); path != nil {
		return &CycleError{ID: id, Path: append([]string{id}, path...)}
	}

	e.item.BlockedBy = appendUnique(e.item.BlockedBy, dependsOn)
	e.item.Status = StatusBlocked
	e.item.UpdatedAt = q.now()
	dep.item.Blocks = appendUnique(dep.item.Blocks, id)
	return nil
}

// ClaimNext atomically selects the most urgent pending, unblocked item
// that matches the worker's capabilities and marks it claimed. Items with
// no capability tag match any worker.
func (q *Queue) ClaimNext(worker string, capabilities []string) (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var best *entry
	for _, e := range q.items {
		if e.item.Status != StatusPending || len(e.item.BlockedBy) > 0 {
			continue
		}
		if e.item.Capability != "" && !slices.Contains(capabilities, e.item.Capability) {
			continue
		}
		if best == nil || q.before(e, best) {
			best = e
		}
	}
	if best == nil {
		return WorkItem{}, false
	}

	best.item.Status = StatusClaimed
	best.item.ClaimedBy = worker
	best.item.UpdatedAt = q.now()
	return best.item.Clone(), true
}

// Start moves a claimed item to in_progress.
func (q *Queue) Start(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.getLocked(id)
	if err != nil {
		return err
	}
	if e.item.Status != StatusClaimed {
		return fmt.Errorf("%w: start %q from %s", ErrInvalidTransition, id, e.item.Status)
	}
	e.item.Status = StatusInProgress
	e.item.UpdatedAt = q.now()
	return nil
}

// Release returns a claimed or in-progress item to pending, typically
// after its worker failed.
func (q *Queue) Release(id, note string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.getLocked(id)
	if err != nil {
		return err
	}
	if e.item.Status != StatusClaimed && e.item.Status != StatusInProgress {
		return fmt.Errorf("%w: release %q from %s", ErrInvalidTransition, id, e.item.Status)
	}
	e.item.Status = StatusPending
	e.item.ClaimedBy = ""
	if note != "" {
		e.item.Note = note
	}
	e.item.UpdatedAt = q.now()
	return nil
}

// Complete marks id done in the given iteration and removes it from every
// dependent's BlockedBy. Dependents left with no blockers become pending
// before Complete returns; their ids are returned.
func (q *Queue) Complete(id string, iteration int) ([]string, error) {
	return q.finish(id, iteration, "")
}

// Skip completes id with an explanatory note. Unlike Complete it accepts
// blocked items, detaching them from their own blockers first.
func (q *Queue) Skip(id string, iteration int, note string) ([]string, error) {
	if note == "" {
		note = "skipped"
	}
	return q.finish(id, iteration, note)
}

func (q *Queue) finish(id string, iteration int, note string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.getLocked(id)
	if err != nil {
		return nil, err
	}
	if e.item.Status == StatusDone {
		return nil, fmt.Errorf("%w: %q is already done", ErrInvalidTransition, id)
	}
	if e.item.Status == StatusBlocked && note == "" && len(e.item.BlockedBy) > 0 {
		return nil, fmt.Errorf("%w: complete %q while blocked", ErrInvalidTransition, id)
	}

	now := q.now()
	for _, b := range e.item.BlockedBy {
		if be, ok := q.items[b]; ok {
			be.item.Blocks = remove(be.item.Blocks, id)
		}
	}
	e.item.BlockedBy = nil
	e.item.BlockReason = ""
	e.item.Status = StatusDone
	e.item.CompletedIteration = iteration
	e.item.UpdatedAt = now
	if note != "" {
		e.item.Note = note
	}

	var unblocked []string
	for _, d := range e.item.Blocks {
		de, ok := q.items[d]
		if !ok {
			continue
		}
		de.item.BlockedBy = remove(de.item.BlockedBy, id)
		de.item.UpdatedAt = now
		if len(de.item.BlockedBy) == 0 && de.item.Status == StatusBlocked && de.item.BlockReason == "" {
			de.item.Status = StatusPending
			unblocked = append(unblocked, d)
		}
	}
	return unblocked, nil
}

// Block marks id blocked because of an external failure. The item stays
// blocked until Unblock, even with an empty BlockedBy set.
func (q *Queue) Block(id, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.getLocked(id)
	if err != nil {
		return err
	}
	if e.item.Status == StatusDone {
		return fmt.Errorf("%w: block %q after done", ErrInvalidTransition, id)
	}
	if reason == "" {
		reason = "blocked"
	}
	e.item.Status = StatusBlocked
	e.item.ClaimedBy = ""
	e.item.BlockReason = reason
	e.item.UpdatedAt = q.now()
	return nil
}

// Unblock clears an external block. The item returns to pending when no
// dependency still holds it.
func (q *Queue) Unblock(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, err := q.getLocked(id)
	if err != nil {
		return err
	}
	if e.item.Status != StatusBlocked {
		return fmt.Errorf("%w: unblock %q from %s", ErrInvalidTransition, id, e.item.Status)
	}
	e.item.BlockReason = ""
	if len(e.item.BlockedBy) == 0 {
		e.item.Status = StatusPending
	}
	e.item.UpdatedAt = q.now()
	return nil
}

// Get returns a copy of the item with the given id.
func (q *Queue) Get(id string) (WorkItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.items[id]
	if !ok {
		return WorkItem{}, false
	}
	return e.item.Clone(), true
}

// Items returns copies of every item in claim order.
func (q *Queue) Items() []WorkItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	entries := make([]*entry, 0, len(q.items))
	for _, e := range q.items {
		entries = append(entries, e)
	}
	slices.SortFunc(entries, func(a, b *entry) int {
		switch {
		case q.before(a, b):
			return -1
		case q.before(b, a):
			return 1
		}
		return 0
	})

	out := make([]WorkItem, len(entries))
	for i, e := range entries {
		out[i] = e.item.Clone()
	}
	return out
}

// Counts returns the number of items per status.
func (q *Queue) Counts() map[Status]int {
	q.mu.Lock()
	defer q.mu.Unlock()

	counts := make(map[Status]int, 5)
	for _, e := range q.items {
		counts[e.item.Status]++
	}
	return counts
}

// Open returns the number of items not yet done.
func (q *Queue) Open() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := 0
	for _, e := range q.items {
		if e.item.Status.IsOpen() {
			n++
		}
	}
	return n
}

// Len returns the total number of items, done included.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// FindOpen returns the first open item, in claim order, from source.
func (q *Queue) FindOpen(source string) (WorkItem, bool) {
	for _, it := range q.Items() {
		if it.Source == source && it.Status.IsOpen() {
			return it, true
		}
	}
	return WorkItem{}, false
}

// Restore replaces the queue's contents with items, preserving their
// order as insertion order. Claimed and in-progress items are returned to
// pending since no worker survives a restart.
func (q *Queue) Restore(items []WorkItem) error {
	next := make(map[string]*entry, len(items))
	for i, it := range items {
		if it.ID == "" {
			return fmt.Errorf("restore: item %d has no id", i)
		}
		if _, dup := next[it.ID]; dup {
			return &DuplicateIDError{ID: it.ID}
		}
		it = it.Clone()
		if it.Status == StatusClaimed || it.Status == StatusInProgress {
			it.Status = StatusPending
			it.ClaimedBy = ""
		}
		next[it.ID] = &entry{item: it, seq: i}
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = next
	q.next = len(items)
	return nil
}

// before reports whether a should be claimed ahead of b.
func (q *Queue) before(a, b *entry) bool {
	ra, rb := q.table.Rank(a.item.Priority), q.table.Rank(b.item.Priority)
	if ra != rb {
		return ra < rb
	}
	if a.item.AddedIteration != b.item.AddedIteration {
		return a.item.AddedIteration < b.item.AddedIteration
	}
	return a.seq < b.seq
}

func (q *Queue) getLocked(id string) (*entry, error) {
	e, ok := q.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, id)
	}
	return e, nil
}

// openBlockers validates ids and returns those not yet done.
func (q *Queue) openBlockers(id string, ids []string) ([]string, error) {
	var open []string
	for _, b := range dedupe(ids) {
		if b == id {
			return nil, &CycleError{ID: id, Path: []string{id, id}}
		}
		e, ok := q.items[b]
		if !ok {
			return nil, &UnknownDependencyError{ID: id, Dependency: b}
		}
		if e.item.Status != StatusDone {
			open = append(open, b)
		}
	}
	return open, nil
}

// pathLocked returns a BlockedBy chain from -> ... -> to, or nil.
func (q *Queue) pathLocked(from, to string) []string {
	visited := make(map[string]bool)
	var walk func(id string) []string
	walk = func(id string) []string {
		if id == to {
			return []string{id}
		}
		if visited[id] {
			return nil
		}
		visited[id] = true
		e, ok := q.items[id]
		if !ok {
			return nil
		}
		for _, b := range e.item.BlockedBy {
			if rest := walk(b); rest != nil {
				return append([]string{id}, rest...)
			}
		}
		return nil
	}
	return walk(from)
}

func dedupe(ids []string) []string {
	var out []string
	for _, id := range ids {
		if id != "" && !slices.Contains(out, id) {
			out = append(out, id)
		}
	}
	return out
}

func appendUnique(ids []string, id string) []string {
	if slices.Contains(ids, id) {
		return ids
	}
	return append(ids, id)
}

func remove(ids []string, id string) []string {
	return slices.DeleteFunc(ids, func(s string) bool { return s == id })
}
