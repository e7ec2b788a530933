package core

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"gopkg.in/yaml.v3"
)

// taskFilePattern matches the NNNN_Verb-Noun.<ext> naming convention.
// Scripts are grouped on disk into hundred-wide range directories
// (0400-0499 and so on); discovery walks them but attaches no meaning
// to the grouping.
var taskFilePattern = regexp.MustCompile(`^(\d{4})_`)

// Registry is the immutable catalog of discovered tasks. It is built
// once per run and safely shared read-only across workers.
type Registry struct {
	tasks map[TaskNumber]Task
}

// manifestFile mirrors the on-disk dependency manifest: categories keyed
// by name, each holding features that own scripts and depend on other
// features, plus optional per-task metadata.
type manifestFile struct {
	Categories map[string]map[string]manifestFeature `yaml:"categories"`
	Tasks      map[string]manifestTask               `yaml:"tasks"`
}

type manifestFeature struct {
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required"`
	Scripts     []string `yaml:"scripts"`
	DependsOn   []string `yaml:"depends_on"`
}

type manifestTask struct {
	DependsOn     []string `yaml:"depends_on"`
	ParallelSafe  *bool    `yaml:"parallel_safe"`
	Tags          []string `yaml:"tags"`
	RequiresAdmin bool     `yaml:"requires_admin"`
	Stage         string   `yaml:"stage"`
}

// BuildRegistry scans scriptsDir for NNNN_* executables and
// cross-references the manifest at manifestPath. A duplicate task
// number or a manifest entry with no backing file is fatal. A
// discovered file with no manifest entry is warned about and kept
// runnable without feature-level dependencies.
func BuildRegistry(scriptsDir, manifestPath string, logger *slog.Logger) (*Registry, error) {
	tasks := make(map[TaskNumber]Task)
	paths := make(map[TaskNumber]string)

	err := filepath.WalkDir(scriptsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		m := taskFilePattern.FindStringSubmatch(d.Name())
		if m == nil {
			return nil
		}
		number := TaskNumber(m[1])
		if prev, exists := paths[number]; exists {
			return fmt.Errorf("%w: %s claimed by both %s and %s",
				ErrDuplicateTaskNumber, number, prev, path)
		}
		paths[number] = path
		tasks[number] = Task{Number: number, Path: path, ParallelSafe: true}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan scripts dir: %w", err)
	}

	if manifestPath != "" {
		if err := applyManifest(tasks, manifestPath, logger); err != nil {
			return nil, err
		}
	}

	for number, t := range tasks {
		if !t.Registered {
			logger.Warn("script has no manifest entry, excluded from dependency inference",
				"task", number, "path", t.Path)
		}
	}

	return &Registry{tasks: tasks}, nil
}

func applyManifest(tasks map[TaskNumber]Task, path string, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}
	var mf manifestFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return fmt.Errorf("parse manifest %s: %w", path, err)
	}

	// Feature name -> owned script numbers, for folding feature-level
	// dependencies into per-task dependency sets.
	featureScripts := make(map[string][]TaskNumber)
	for _, features := range mf.Categories {
		for name, feat := range features {
			for _, s := range feat.Scripts {
				featureScripts[name] = append(featureScripts[name], TaskNumber(s))
			}
		}
	}

	for category, features := range mf.Categories {
		for name, feat := range features {
			var featureDeps []TaskNumber
			for _, dep := range feat.DependsOn {
				owned, ok := featureScripts[dep]
				if !ok {
					return fmt.Errorf("%w: feature %q (category %q) depends on undeclared feature %q",
						ErrDanglingReference, name, category, dep)
				}
				featureDeps = append(featureDeps, owned...)
			}
			for _, s := range feat.Scripts {
				number := TaskNumber(s)
				t, ok := tasks[number]
				if !ok {
					return fmt.Errorf("%w: feature %q (category %q) lists task %s with no discovered file",
						ErrDanglingReference, name, category, number)
				}
				t.Feature = name
				t.Registered = true
				t.DependsOn = appendDeps(t.DependsOn, number, featureDeps)
				tasks[number] = t
			}
		}
	}

	for s, meta := range mf.Tasks {
		number := TaskNumber(s)
		t, ok := tasks[number]
		if !ok {
			return fmt.Errorf("%w: task metadata for %s has no discovered file", ErrDanglingReference, number)
		}
		var explicit []TaskNumber
		for _, dep := range meta.DependsOn {
			explicit = append(explicit, TaskNumber(dep))
		}
		t.DependsOn = appendDeps(t.DependsOn, number, explicit)
		if meta.ParallelSafe != nil {
			t.ParallelSafe = *meta.ParallelSafe
		}
		t.Tags = append(t.Tags, meta.Tags...)
		t.RequiresAdmin = t.RequiresAdmin || meta.RequiresAdmin
		if meta.Stage != "" {
			t.Stage = meta.Stage
		}
		tasks[number] = t
	}

	return nil
}

// appendDeps unions deps into existing, dropping duplicates. A task's
// own number is kept so that a self-dependency surfaces later as the
// degenerate cycle it is, rather than vanishing here.
func appendDeps(existing []TaskNumber, self TaskNumber, deps []TaskNumber) []TaskNumber {
	seen := make(map[TaskNumber]struct{}, len(existing))
	for _, d := range existing {
		seen[d] = struct{}{}
	}
	for _, d := range deps {
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		existing = append(existing, d)
	}
	return existing
}

// Lookup returns the task for a number.
func (r *Registry) Lookup(number TaskNumber) (Task, bool) {
	t, ok := r.tasks[number]
	return t, ok
}

// Len returns the number of registered tasks.
func (r *Registry) Len() int { return len(r.tasks) }

// Numbers returns every task number in ascending order.
func (r *Registry) Numbers() []TaskNumber {
	out := make([]TaskNumber, 0, len(r.tasks))
	for n := range r.tasks {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
