package scheduler

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"
	"github.com/hashicorp/go-multierror"
)

// DAG represents a directed acyclic graph of tasks.
type DAG struct {
	mu         sync.RWMutex
	tasks      map[string]*Task    // All tasks indexed by ID
	dependents map[string][]string // Maps taskID -> list of tasks that depend on it
	waves      map[string]int      // Wave assigned by Schedule
	rejected   *multierror.Error   // AddTask failures, reported again by Schedule
}

// NewDAG creates an empty DAG.
func NewDAG() *DAG {
	return &DAG{
		tasks:      make(map[string]*Task),
		dependents: make(map[string][]string),
		waves:      make(map[string]int),
	}
}

// AddTask adds a copy of task to the DAG. Returns error if the ID is empty or already exists.
func (d *DAG) AddTask(task *Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var err error
	switch {
	case task == nil:
		err = &InvalidTaskError{Reason: "nil task"}
	case strings.TrimSpace(task.ID) == "":
		err = &InvalidTaskError{Reason: fmt.Sprintf("task %q has an empty ID", task.DisplayName())}
	default:
		if _, exists := d.tasks[task.ID]; exists {
			err = &DuplicateTaskError{TaskID: task.ID}
		}
	}
	if err != nil {
		d.rejected = multierror.Append(d.rejected, err)
		return err
	}

	d.tasks[task.ID] = cloneTask(task)

	// Build dependents map for efficient downstream lookup
	for _, depID := range task.DependsOn {
		d.dependents[depID] = append(d.dependents[depID], task.ID)
	}

	return nil
}

// Validate checks that every dependency exists and that the graph is acyclic.
// Returns task IDs in topological order, or every problem found.
func (d *DAG) Validate() ([]string, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var problems *multierror.Error
	for _, err := range d.unknownDependencies() {
		problems = multierror.Append(problems, err)
	}

	order, cycles := d.topoOrder()
	for _, err := range cycles {
		problems = multierror.Append(problems, err)
	}

	if err := newScheduleError(problems); err != nil {
		return nil, err
	}
	return order, nil
}

// Schedule validates the graph and partitions it into waves.
//
// When every task carries an explicit wave, those waves are checked for
// resource conflicts and dependency order. When none does, waves are computed:
// each task lands in the earliest wave after all of its dependencies in which
// none of its resource keys is taken, lower task IDs claiming keys first.
func (d *DAG) Schedule() (*Schedule, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var problems *multierror.Error
	if d.rejected != nil {
		problems = multierror.Append(problems, d.rejected.Errors...)
	}

	ids := d.sortedIDs()
	pinned := 0
	for _, id := range ids {
		task := d.tasks[id]
		for _, err := range checkTask(task) {
			problems = multierror.Append(problems, err)
		}
		if task.Wave > 0 {
			pinned++
		}
	}

	for _, err := range d.unknownDependencies() {
		problems = multierror.Append(problems, err)
	}
	order, cycles := d.topoOrder()
	for _, err := range cycles {
		problems = multierror.Append(problems, err)
	}

	explicit := pinned > 0 && pinned == len(ids)
	if pinned > 0 && !explicit {
		problems = multierror.Append(problems, &InvalidTaskError{
			Reason: fmt.Sprintf("waves must be set on every task or on none (%d of %d set)", pinned, len(ids)),
		})
	}
	if explicit {
		for _, err := range d.checkExplicitWaves(ids) {
			problems = multierror.Append(problems, err)
		}
	}

	if err := newScheduleError(problems); err != nil {
		return nil, err
	}

	var assigned map[string]int
	if explicit {
		assigned = make(map[string]int, len(ids))
		for _, id := range ids {
			assigned[id] = d.tasks[id].Wave
		}
	} else {
		assigned = d.computeWaves(order)
	}
	d.waves = assigned

	return newSchedule(d, assigned), nil
}

// checkTask reports problems local to one task declaration.
func checkTask(task *Task) []error {
	var errs []error
	if !task.Role.Valid() {
		errs = append(errs, &InvalidTaskError{TaskID: task.ID, Reason: "missing or unknown role"})
	}
	if task.Wave < 0 {
		errs = append(errs, &InvalidTaskError{TaskID: task.ID, Reason: fmt.Sprintf("wave %d is negative", task.Wave)})
	}
	for _, key := range task.Resources {
		if strings.TrimSpace(key) == "" {
			errs = append(errs, &InvalidTaskError{TaskID: task.ID, Reason: "empty resource key"})
			break
		}
	}
	return errs
}

func (d *DAG) unknownDependencies() []error {
	var errs []error
	for _, id := range d.sortedIDs() {
		for _, depID := range sortedKeys(d.tasks[id].DependsOn) {
			if _, exists := d.tasks[depID]; !exists {
				errs = append(errs, &UnknownDependencyError{TaskID: id, DependencyID: depID})
			}
		}
	}
	return errs
}

// topoOrder orders the known edges with gammazero/toposort. When toposort
// reports a cycle, every strongly connected component is named instead.
func (d *DAG) topoOrder() ([]string, []error) {
	var edges []toposort.Edge
	for _, id := range d.sortedIDs() {
		known := 0
		for _, depID := range sortedKeys(d.tasks[id].DependsOn) {
			if _, exists := d.tasks[depID]; !exists {
				continue
			}
			// Edge (depID, id) means depID must come before id
			edges = append(edges, toposort.Edge{depID, id})
			known++
		}
		if known == 0 {
			// Task with no dependencies - add edge from nil to ensure it's included
			edges = append(edges, toposort.Edge{nil, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		if cycles := d.cycles(); len(cycles) > 0 {
			return nil, cycles
		}
		return nil, []error{fmt.Errorf("%w: %v", ErrCyclicDependency, err)}
	}

	order := make([]string, 0, len(sorted))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

// cycles finds every strongly connected component that forms a cycle
// (Tarjan), including self-loops. Members and components are sorted.
func (d *DAG) cycles() []error {
	ids := d.sortedIDs()
	index := make(map[string]int, len(ids))
	low := make(map[string]int, len(ids))
	onStack := make(map[string]bool, len(ids))
	var stack []string
	next := 0

	var found [][]string
	var strongConnect func(v string)
	strongConnect = func(v string) {
		index[v] = next
		low[v] = next
		next++
		stack = append(stack, v)
		onStack[v] = true

		for _, w := range sortedKeys(d.tasks[v].DependsOn) {
			if _, exists := d.tasks[w]; !exists {
				continue
			}
			if _, visited := index[w]; !visited {
				strongConnect(w)
				low[v] = min(low[v], low[w])
			} else if onStack[w] {
				low[v] = min(low[v], index[w])
			}
		}

		if low[v] != index[v] {
			return
		}
		var component []string
		for {
			w := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			onStack[w] = false
			component = append(component, w)
			if w == v {
				break
			}
		}
		if len(component) > 1 || dependsOnSelf(d.tasks[v]) {
			sort.Strings(component)
			found = append(found, component)
		}
	}

	for _, id := range ids {
		if _, visited := index[id]; !visited {
			strongConnect(id)
		}
	}

	sort.Slice(found, func(i, j int) bool { return found[i][0] < found[j][0] })
	errs := make([]error, 0, len(found))
	for _, members := range found {
		errs = append(errs, &CyclicDependencyError{Members: members})
	}
	return errs
}

func dependsOnSelf(task *Task) bool {
	for _, depID := range task.DependsOn {
		if depID == task.ID {
			return true
		}
	}
	return false
}

// checkExplicitWaves applies the resource and ordering rules to pinned waves.
func (d *DAG) checkExplicitWaves(ids []string) []error {
	var errs []error

	ledger := NewResourceLedger()
	for _, id := range ids {
		task := d.tasks[id]
		if task.Wave <= 0 {
			continue
		}
		for _, conflict := range ledger.Claim(task.Wave, id, task.Resources) {
			errs = append(errs, conflict)
		}
	}

	for _, id := range ids {
		task := d.tasks[id]
		for _, depID := range sortedKeys(task.DependsOn) {
			dep, exists := d.tasks[depID]
			if !exists || dep.Wave <= 0 {
				continue
			}
			if task.Wave <= dep.Wave {
				errs = append(errs, &WaveOrderViolationError{
					TaskID:         id,
					Wave:           task.Wave,
					DependencyID:   depID,
					DependencyWave: dep.Wave,
				})
			}
		}
	}

	return errs
}

// computeWaves places tasks round by round, following the topological order.
// A task becomes a candidate once all of its dependencies are placed in
// earlier waves; candidates of a wave claim their keys in ascending ID order
// and a candidate that finds a key taken competes again in the next wave.
// Requires a validated, acyclic graph.
func (d *DAG) computeWaves(order []string) map[string]int {
	assigned := make(map[string]int, len(order))
	ledger := NewResourceLedger()

	pending := make(map[string]int, len(order))
	var candidates []string
	for _, id := range order {
		for _, depID := range sortedKeys(d.tasks[id].DependsOn) {
			if _, exists := d.tasks[depID]; exists {
				pending[id]++
			}
		}
		if pending[id] == 0 {
			candidates = append(candidates, id)
		}
	}

	for wave := 1; len(candidates) > 0; wave++ {
		sort.Strings(candidates)

		var next, released []string
		for _, id := range candidates {
			task := d.tasks[id]
			if _, _, busy := ledger.Conflict(wave, id, task.Resources); busy {
				next = append(next, id)
				continue
			}
			ledger.Claim(wave, id, task.Resources)
			assigned[id] = wave

			for _, dependent := range sortedKeys(d.dependents[id]) {
				pending[dependent]--
				if pending[dependent] == 0 {
					released = append(released, dependent)
				}
			}
		}
		candidates = append(next, released...)
	}

	return assigned
}

// MarkRunning sets task status to TaskRunning and counts the attempt.
func (d *DAG) MarkRunning(taskID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}

	task.Status = TaskRunning
	task.Attempts++
	return nil
}

// MarkSucceeded sets task status to TaskSucceeded and stores the result.
func (d *DAG) MarkSucceeded(taskID string, result string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}

	task.Status = TaskSucceeded
	task.Result = result
	return nil
}

// MarkFailed records a failed attempt. The task may still be retried.
func (d *DAG) MarkFailed(taskID string, err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}

	task.Status = TaskFailed
	task.Error = err
	return nil
}

// MarkExhausted sets the terminal failure state once no retries remain.
func (d *DAG) MarkExhausted(taskID string, err error) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}

	task.Status = TaskExhausted
	if err != nil {
		task.Error = err
	}
	return nil
}

// Get returns a copy of the task by ID.
func (d *DAG) Get(taskID string) (*Task, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	task, exists := d.tasks[taskID]
	if !exists {
		return nil, false
	}
	return d.snapshot(task), true
}

// Tasks returns copies of all tasks sorted by ID.
func (d *DAG) Tasks() []*Task {
	d.mu.RLock()
	defer d.mu.RUnlock()

	tasks := make([]*Task, 0, len(d.tasks))
	for _, id := range d.sortedIDs() {
		tasks = append(tasks, d.snapshot(d.tasks[id]))
	}
	return tasks
}

// Dependents returns the IDs of tasks that depend on taskID.
func (d *DAG) Dependents(taskID string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	return sortedKeys(d.dependents[taskID])
}

// Progress counts tasks by status.
type Progress struct {
	Total     int
	Pending   int
	Running   int
	Failed    int
	Succeeded int
	Exhausted int
}

// Progress returns a status breakdown of all tasks.
func (d *DAG) Progress() Progress {
	d.mu.RLock()
	defer d.mu.RUnlock()

	p := Progress{Total: len(d.tasks)}
	for _, task := range d.tasks {
		switch task.Status {
		case TaskPending:
			p.Pending++
		case TaskRunning:
			p.Running++
		case TaskFailed:
			p.Failed++
		case TaskSucceeded:
			p.Succeeded++
		case TaskExhausted:
			p.Exhausted++
		}
	}
	return p
}

// snapshot copies task, filling in the scheduled wave. Callers hold d.mu.
func (d *DAG) snapshot(task *Task) *Task {
	cp := cloneTask(task)
	if w, ok := d.waves[task.ID]; ok {
		cp.Wave = w
	}
	return cp
}

func (d *DAG) sortedIDs() []string {
	ids := make([]string, 0, len(d.tasks))
	for id := range d.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
