package scheduler

import (
	"sort"
)

// Wave is a group of tasks that share no resource keys and no dependency
// edges, and therefore run concurrently.
type Wave struct {
	Index   int      // 1-based wave number
	TaskIDs []string // Sorted
}

// Schedule is a validated, wave-partitioned task graph.
// Waves are ordered by ascending Index.
type Schedule struct {
	Waves []Wave
	dag   *DAG
}

// BuildSchedule validates tasks and partitions them into waves. The input is
// copied, never mutated. On failure the returned error is a *ScheduleError
// listing every problem found.
func BuildSchedule(tasks []*Task) (*Schedule, error) {
	dag := NewDAG()
	for _, task := range tasks {
		// Rejections are kept by the DAG and reported by Schedule.
		_ = dag.AddTask(task)
	}
	return dag.Schedule()
}

func newSchedule(dag *DAG, assigned map[string]int) *Schedule {
	byWave := make(map[int][]string)
	for id, w := range assigned {
		byWave[w] = append(byWave[w], id)
	}

	indexes := make([]int, 0, len(byWave))
	for w := range byWave {
		indexes = append(indexes, w)
	}
	sort.Ints(indexes)

	waves := make([]Wave, 0, len(indexes))
	for _, w := range indexes {
		ids := byWave[w]
		sort.Strings(ids)
		waves = append(waves, Wave{Index: w, TaskIDs: ids})
	}

	return &Schedule{Waves: waves, dag: dag}
}

// DAG returns the graph backing the schedule. Task statuses live here.
func (s *Schedule) DAG() *DAG {
	return s.dag
}

// Len returns the number of scheduled tasks.
func (s *Schedule) Len() int {
	n := 0
	for _, w := range s.Waves {
		n += len(w.TaskIDs)
	}
	return n
}

// WaveOf returns the wave a task was placed in.
func (s *Schedule) WaveOf(taskID string) (int, bool) {
	for _, w := range s.Waves {
		for _, id := range w.TaskIDs {
			if id == taskID {
				return w.Index, true
			}
		}
	}
	return 0, false
}

// Tasks returns copies of the tasks in wave w, sorted by ID.
func (s *Schedule) Tasks(w Wave) []*Task {
	tasks := make([]*Task, 0, len(w.TaskIDs))
	for _, id := range w.TaskIDs {
		if task, ok := s.dag.Get(id); ok {
			tasks = append(tasks, task)
		}
	}
	return tasks
}
