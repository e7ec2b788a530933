package core

import (
	"fmt"
	"sort"
)

// Resolve expands a playbook into a concrete Plan against the registry.
//
// The sequence portion is partitioned with Kahn's algorithm: each batch
// of tasks whose dependencies are satisfied by earlier batches becomes
// one stage. Explicitly authored stages are validated, never reordered:
// a declared order that puts a task before its own dependency is an
// error, because silently reordering user intent is more dangerous than
// failing loudly.
//
// Dependencies on tasks that are not part of the playbook are treated
// as satisfied externally.
func Resolve(pb *Playbook, reg *Registry) (*Plan, error) {
	seq, err := sequenceCandidates(pb, reg)
	if err != nil {
		return nil, err
	}
	stageTasks, err := stageCandidates(pb, reg)
	if err != nil {
		return nil, err
	}

	// The candidate set spans both portions; dependency edges are only
	// honored between members of this set.
	inSet := make(map[TaskNumber]Task)
	for _, c := range seq {
		inSet[c.Task.Number] = c.Task
	}
	for _, st := range stageTasks {
		for _, t := range st {
			inSet[t.Number] = t
		}
	}

	if err := detectCycles(pb.Name, inSet); err != nil {
		return nil, err
	}

	plan := &Plan{Playbook: pb.Name}
	position := 0
	placed := make(map[TaskNumber]struct{})

	if len(seq) > 0 {
		stages, err := partitionSequence(pb, seq, inSet, &position, placed)
		if err != nil {
			return nil, err
		}
		plan.Stages = append(plan.Stages, stages...)
	}

	for i, members := range stageTasks {
		decl := pb.Stages[i]
		stage, err := buildExplicitStage(pb, decl, members, inSet, placed, &position)
		if err != nil {
			return nil, err
		}
		plan.Stages = append(plan.Stages, *stage)
		for _, t := range members {
			placed[t.Number] = struct{}{}
		}
	}

	return plan, nil
}

type seqCandidate struct {
	Entry SequenceEntry
	Task  Task
}

func sequenceCandidates(pb *Playbook, reg *Registry) ([]seqCandidate, error) {
	out := make([]seqCandidate, 0, len(pb.Sequence))
	seen := make(map[TaskNumber]int)
	for i, e := range pb.Sequence {
		if prev, dup := seen[e.Number]; dup {
			return nil, malformedf(pb.Name, "task %s appears at sequence positions %d and %d", e.Number, prev, i)
		}
		seen[e.Number] = i
		task, ok := reg.Lookup(e.Number)
		if !ok {
			return nil, fmt.Errorf("%w: %s referenced by playbook %q", ErrUnknownTask, e.Number, pb.Name)
		}
		out = append(out, seqCandidate{Entry: e, Task: task})
	}
	return out, nil
}

func stageCandidates(pb *Playbook, reg *Registry) ([][]Task, error) {
	out := make([][]Task, len(pb.Stages))
	for i, st := range pb.Stages {
		for _, n := range st.Tasks {
			task, ok := reg.Lookup(n)
			if !ok {
				return nil, fmt.Errorf("%w: %s referenced by playbook %q, stage %q", ErrUnknownTask, n, pb.Name, st.Name)
			}
			out[i] = append(out[i], task)
		}
	}
	return out, nil
}

// detectCycles runs Kahn's algorithm over the candidate dependency
// graph. If the ready queue empties while tasks remain unplaced, those
// tasks form (or depend on) a cycle and are reported by name. A
// self-dependency is the degenerate single-member case.
func detectCycles(playbook string, inSet map[TaskNumber]Task) error {
	for n, t := range inSet {
		for _, dep := range t.DependsOn {
			if dep == n {
				return &CycleError{Playbook: playbook, Members: []TaskNumber{n, n}}
			}
		}
	}

	indeg := make(map[TaskNumber]int, len(inSet))
	dependents := make(map[TaskNumber][]TaskNumber, len(inSet))
	for n, t := range inSet {
		indeg[n] += 0
		for _, dep := range t.DependsOn {
			if _, ok := inSet[dep]; !ok {
				continue
			}
			indeg[n]++
			dependents[dep] = append(dependents[dep], n)
		}
	}

	queue := make([]TaskNumber, 0, len(inSet))
	for n, d := range indeg {
		if d == 0 {
			queue = append(queue, n)
		}
	}
	processed := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		processed++
		for _, m := range dependents[n] {
			indeg[m]--
			if indeg[m] == 0 {
				queue = append(queue, m)
			}
		}
	}
	if processed == len(inSet) {
		return nil
	}

	var members []TaskNumber
	for n, d := range indeg {
		if d > 0 {
			members = append(members, n)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i] < members[j] })
	return &CycleError{Playbook: playbook, Members: members}
}

// partitionSequence turns the declared sequence into stages. Each pass
// extracts the maximal run of remaining tasks whose in-playbook
// dependencies are already placed, preserving declared order inside the
// batch. The graph is known acyclic here, so an empty batch means the
// declared order fights the dependency graph.
func partitionSequence(pb *Playbook, seq []seqCandidate, inSet map[TaskNumber]Task, position *int, placed map[TaskNumber]struct{}) ([]Stage, error) {
	pos := make(map[TaskNumber]int, len(seq))
	for i, c := range seq {
		pos[c.Task.Number] = i
	}
	for i, c := range seq {
		for _, dep := range c.Task.DependsOn {
			if _, ok := inSet[dep]; !ok {
				continue
			}
			if depPos, inSeq := pos[dep]; inSeq && depPos > i {
				return nil, &OrderViolationError{Playbook: pb.Name, Task: c.Task.Number, Dep: dep}
			}
			if _, inSeq := pos[dep]; !inSeq {
				// Dependency lives in a later, explicitly authored stage.
				return nil, &OrderViolationError{Playbook: pb.Name, Task: c.Task.Number, Dep: dep}
			}
		}
	}

	var stages []Stage
	remaining := seq
	for len(remaining) > 0 {
		var batch []seqCandidate
		var next []seqCandidate
		for _, c := range remaining {
			if depsPlaced(c.Task, inSet, placed) {
				batch = append(batch, c)
			} else {
				next = append(next, c)
			}
		}
		if len(batch) == 0 {
			// Unreachable once detectCycles and the order check pass.
			return nil, &CycleError{Playbook: pb.Name, Members: numbersOf(remaining)}
		}

		stage := Stage{
			Name:     fmt.Sprintf("stage-%d", len(stages)+1),
			Parallel: allParallelSafe(batch),
		}
		for _, c := range batch {
			stage.Invocations = append(stage.Invocations, TaskInvocation{
				Task:            c.Task,
				Args:            c.Entry.Args,
				Position:        *position,
				ContinueOnError: firstSet(c.Entry.ContinueOnError, pb.ContinueOnError),
				Timeout:         c.Entry.Timeout,
			})
			*position++
		}
		stages = append(stages, stage)
		for _, c := range batch {
			placed[c.Task.Number] = struct{}{}
		}
		remaining = next
	}
	return stages, nil
}

// buildExplicitStage validates one authored stage. Dependencies must be
// placed in an earlier stage, or earlier in the same stage when the
// stage runs sequentially. The declared parallel flag degrades to
// sequential when any member is not parallel-safe.
func buildExplicitStage(pb *Playbook, decl PlaybookStage, members []Task, inSet map[TaskNumber]Task, placed map[TaskNumber]struct{}, position *int) (*Stage, error) {
	inStage := make(map[TaskNumber]int, len(members))
	for i, t := range members {
		if _, dup := inStage[t.Number]; !dup {
			inStage[t.Number] = i
		}
	}

	parallel := decl.Parallel
	for _, t := range members {
		if !t.ParallelSafe {
			parallel = false
		}
	}

	for i, t := range members {
		for _, dep := range t.DependsOn {
			if _, ok := inSet[dep]; !ok {
				continue
			}
			if _, ok := placed[dep]; ok {
				continue
			}
			if depIdx, same := inStage[dep]; same && !parallel && depIdx < i {
				continue
			}
			return nil, &OrderViolationError{Playbook: pb.Name, Task: t.Number, Dep: dep}
		}
	}

	stage := &Stage{Name: decl.Name, Parallel: parallel}
	for _, t := range members {
		stage.Invocations = append(stage.Invocations, TaskInvocation{
			Task:            t,
			Position:        *position,
			ContinueOnError: pb.ContinueOnError,
		})
		*position++
	}
	return stage, nil
}

func depsPlaced(t Task, inSet map[TaskNumber]Task, placed map[TaskNumber]struct{}) bool {
	for _, dep := range t.DependsOn {
		if _, ok := inSet[dep]; !ok {
			continue
		}
		if _, ok := placed[dep]; !ok {
			return false
		}
	}
	return true
}

func allParallelSafe(batch []seqCandidate) bool {
	for _, c := range batch {
		if !c.Task.ParallelSafe {
			return false
		}
	}
	return true
}

func numbersOf(cs []seqCandidate) []TaskNumber {
	out := make([]TaskNumber, len(cs))
	for i, c := range cs {
		out[i] = c.Task.Number
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func firstSet(vals ...*bool) *bool {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}
