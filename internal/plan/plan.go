// Package plan loads plan files into scheduler tasks.
//
// A plan is YAML (or JSON, which YAML accepts) of the form:
//
//	name: checkout
//	defaults:
//	  timeout: 10m
//	tasks:
//	  - id: T1
//	    role: database
//	    command: make migrate
//	    resources: [db/schema.sql]
//	  - id: T2
//	    role: backend
//	    command: make api
//	    depends_on: [T1]
//	    timeout: 30s
//
// Unknown fields are rejected.
package plan

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/aristath/waverunner/internal/scheduler"
)

// ErrEmptyPlan is returned for a plan payload with no content.
var ErrEmptyPlan = errors.New("plan payload is empty")

// Plan is the decoded form of a plan file.
type Plan struct {
	Name        string     `yaml:"name"`
	Description string     `yaml:"description,omitempty"`
	Defaults    Defaults   `yaml:"defaults,omitempty"`
	Tasks       []TaskSpec `yaml:"tasks"`
}

// Defaults apply to every task that leaves the field unset.
type Defaults struct {
	Role    string   `yaml:"role,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

// TaskSpec is one task as written in a plan file.
type TaskSpec struct {
	ID        string   `yaml:"id"`
	Name      string   `yaml:"name,omitempty"`
	Role      string   `yaml:"role"`
	Command   string   `yaml:"command"`
	DependsOn []string `yaml:"depends_on,omitempty"`
	Resources []string `yaml:"resources,omitempty"`
	Wave      int      `yaml:"wave,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty"`
}

// Duration is a time.Duration written in Go syntax ("30s", "1m30s").
// A bare integer is read as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return errors.Errorf("line %d: duration must be a scalar", value.Line)
	}

	raw := strings.TrimSpace(value.Value)
	if raw == "" || value.ShortTag() == "!!null" {
		*d = 0
		return nil
	}

	if value.ShortTag() == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return errors.Wrapf(err, "line %d", value.Line)
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return errors.Wrapf(err, "line %d: invalid duration", value.Line)
	}
	if parsed < 0 {
		return errors.Errorf("line %d: negative duration %s", value.Line, raw)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Parse decodes a plan from YAML or JSON bytes.
func Parse(data []byte) (*Plan, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmptyPlan
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var p Plan
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, ErrEmptyPlan
		}
		return nil, errors.Wrap(err, "decode plan")
	}
	return &p, nil
}

// Load reads a plan from r.
func Load(r io.Reader) (*Plan, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read plan")
	}
	return Parse(data)
}

// LoadFile reads a plan file. A plan without a name is named after the file.
func LoadFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read plan %s", path)
	}

	p, err := Parse(data)
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	if p.Name == "" {
		base := filepath.Base(path)
		p.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	return p, nil
}

// SchedulerTasks converts the plan into scheduler tasks. Every unknown role
// and empty command is reported in one error; structural problems such as
// cycles and missing dependencies are left to the scheduler.
func (p *Plan) SchedulerTasks() ([]*scheduler.Task, error) {
	var result *multierror.Error
	tasks := make([]*scheduler.Task, 0, len(p.Tasks))

	for i, spec := range p.Tasks {
		label := spec.ID
		if label == "" {
			label = "#" + strconv.Itoa(i+1)
		}

		roleName := spec.Role
		if roleName == "" {
			roleName = p.Defaults.Role
		}
		role, err := scheduler.ParseRole(roleName)
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "task %s", label))
		}

		if strings.TrimSpace(spec.Command) == "" {
			result = multierror.Append(result, errors.Errorf("task %s: empty command", label))
		}

		timeout := spec.Timeout
		if timeout == 0 {
			timeout = p.Defaults.Timeout
		}

		tasks = append(tasks, &scheduler.Task{
			ID:        spec.ID,
			Name:      spec.Name,
			Role:      role,
			Command:   spec.Command,
			DependsOn: spec.DependsOn,
			Resources: spec.Resources,
			Wave:      spec.Wave,
			Timeout:   time.Duration(timeout),
		})
	}

	if err := result.ErrorOrNil(); err != nil {
		return nil, err
	}
	return tasks, nil
}

// LoadTasks reads a plan file and converts it in one step.
func LoadTasks(path string) (*Plan, []*scheduler.Task, error) {
	p, err := LoadFile(path)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := p.SchedulerTasks()
	if err != nil {
		return p, nil, errors.Wrapf(err, "plan %s", p.Name)
	}
	return p, tasks, nil
}
