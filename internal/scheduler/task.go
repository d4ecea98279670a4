package scheduler

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus int

const (
	TaskPending   TaskStatus = iota // Waiting for its wave
	TaskRunning                     // An attempt is executing
	TaskSucceeded                   // Finished successfully
	TaskFailed                      // Last attempt failed, a retry may follow
	TaskExhausted                   // Every allowed attempt failed
)

var taskStatusNames = [...]string{
	TaskPending:   "pending",
	TaskRunning:   "running",
	TaskSucceeded: "succeeded",
	TaskFailed:    "failed",
	TaskExhausted: "exhausted",
}

func (s TaskStatus) String() string {
	if s < 0 || int(s) >= len(taskStatusNames) {
		return fmt.Sprintf("status(%d)", int(s))
	}
	return taskStatusNames[s]
}

// Terminal reports whether no further attempts will be made.
func (s TaskStatus) Terminal() bool {
	return s == TaskSucceeded || s == TaskExhausted
}

// ParseTaskStatus is the inverse of String.
func ParseTaskStatus(name string) (TaskStatus, error) {
	for s, n := range taskStatusNames {
		if n == name {
			return TaskStatus(s), nil
		}
	}
	return TaskPending, fmt.Errorf("unknown task status %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (s TaskStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *TaskStatus) UnmarshalText(text []byte) error {
	status, err := ParseTaskStatus(string(text))
	if err != nil {
		return err
	}
	*s = status
	return nil
}

// Role is the worker capability that owns a task. Every task has exactly one.
type Role int

const (
	RoleUnknown Role = iota
	RoleArchitect
	RoleDatabase
	RoleBackend
	RoleFrontend
	RoleSecurity
	RoleDevOps
	RoleTester
	RoleReviewer
	RoleDocs
)

var roleNames = [...]string{
	RoleUnknown:   "unknown",
	RoleArchitect: "architect",
	RoleDatabase:  "database",
	RoleBackend:   "backend",
	RoleFrontend:  "frontend",
	RoleSecurity:  "security",
	RoleDevOps:    "devops",
	RoleTester:    "tester",
	RoleReviewer:  "reviewer",
	RoleDocs:      "docs",
}

// Roles returns every assignable role in declaration order.
func Roles() []Role {
	roles := make([]Role, 0, len(roleNames)-1)
	for r := RoleArchitect; int(r) < len(roleNames); r++ {
		roles = append(roles, r)
	}
	return roles
}

func (r Role) String() string {
	if r < 0 || int(r) >= len(roleNames) {
		return fmt.Sprintf("role(%d)", int(r))
	}
	return roleNames[r]
}

// Valid reports whether r is one of the assignable roles.
func (r Role) Valid() bool {
	return r > RoleUnknown && int(r) < len(roleNames)
}

// ParseRole maps a role name (case-insensitive) to its Role.
func ParseRole(name string) (Role, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range roleNames {
		if i == int(RoleUnknown) {
			continue
		}
		if n == name {
			return Role(i), nil
		}
	}
	return RoleUnknown, fmt.Errorf("unknown role %q", name)
}

// MarshalText implements encoding.TextMarshaler.
func (r Role) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (r *Role) UnmarshalText(text []byte) error {
	role, err := ParseRole(string(text))
	if err != nil {
		return err
	}
	*r = role
	return nil
}

// Task represents a unit of work in the schedule.
type Task struct {
	ID        string        // Unique identifier
	Name      string        // Human-readable name
	Role      Role          // Owning worker
	Command   string        // Opaque payload handed to the executor
	DependsOn []string      // Task IDs this task depends on
	Resources []string      // Resource keys this task exclusively mutates (usually file paths)
	Wave      int           // Explicit wave number, 0 to have it computed
	Timeout   time.Duration // Per-attempt timeout override, 0 for the policy default
	Status    TaskStatus
	Attempts  int    // Attempts started so far
	Result    string // Output of the successful attempt
	Error     error  // Failure detail of the latest failed attempt
}

// DisplayName returns Name, falling back to ID.
func (t *Task) DisplayName() string {
	if t.Name != "" {
		return t.Name
	}
	return t.ID
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}

	cp := *task
	if task.DependsOn != nil {
		cp.DependsOn = append([]string(nil), task.DependsOn...)
	}
	if task.Resources != nil {
		cp.Resources = append([]string(nil), task.Resources...)
	}
	return &cp
}
