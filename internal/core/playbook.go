package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	taskNumberPattern = regexp.MustCompile(`^\d{4}$`)
	variablePattern   = regexp.MustCompile(`\{Variable\.([A-Za-z0-9_]+)\}`)
)

// Loader reads playbook definitions from a directory. A playbook named
// "nightly" is backed by nightly.yaml (or .yml) under Dir.
type Loader struct {
	Dir string
}

// playbookFile is the on-disk shape of a playbook.
type playbookFile struct {
	Name            string              `yaml:"name"`
	Description     string              `yaml:"description"`
	Version         string              `yaml:"version"`
	Author          string              `yaml:"author"`
	Sequence        *[]sequenceEntry    `yaml:"sequence"`
	Stages          *[]stageEntry       `yaml:"stages"`
	Variables       map[string]string   `yaml:"variables"`
	ContinueOnError *bool               `yaml:"continue_on_error"`
}

type stageEntry struct {
	Name     string   `yaml:"name"`
	Parallel bool     `yaml:"parallel"`
	Tasks    []string `yaml:"tasks"`
}

// sequenceEntry accepts either a bare task number or an inline task
// object. The two authoring shapes collapse into one representation at
// load time.
type sequenceEntry struct {
	Task            string
	Args            []string
	ContinueOnError *bool
	Timeout         time.Duration
}

func (e *sequenceEntry) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return node.Decode(&e.Task)
	}
	aux := struct {
		Task            string   `yaml:"task"`
		Args            []string `yaml:"args"`
		ContinueOnError *bool    `yaml:"continue_on_error"`
		Timeout         string   `yaml:"timeout"`
	}{}
	if err := node.Decode(&aux); err != nil {
		return err
	}
	e.Task = aux.Task
	e.Args = aux.Args
	e.ContinueOnError = aux.ContinueOnError
	if aux.Timeout != "" {
		d, err := time.ParseDuration(aux.Timeout)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", aux.Timeout, err)
		}
		e.Timeout = d
	}
	return nil
}

// List returns the names of every playbook under Dir, sorted.
func (l *Loader) List() ([]string, error) {
	entries, err := os.ReadDir(l.Dir)
	if err != nil {
		return nil, fmt.Errorf("read playbook dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ext))
	}
	sort.Strings(names)
	return names, nil
}

// Load reads and validates the named playbook, substituting
// {Variable.X} tokens in task arguments. Caller overrides win over the
// playbook's own variables.
func (l *Loader) Load(name string, overrides map[string]string) (*Playbook, error) {
	data, err := l.read(name)
	if err != nil {
		return nil, err
	}

	var pf playbookFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, malformedf(name, "%v", err)
	}
	if pf.Sequence == nil && pf.Stages == nil {
		return nil, malformedf(name, "either sequence or stages must be present")
	}
	if pf.Name == "" {
		pf.Name = name
	}

	vars := make(map[string]string, len(pf.Variables)+len(overrides))
	for k, v := range pf.Variables {
		vars[k] = v
	}
	for k, v := range overrides {
		vars[k] = v
	}

	pb := &Playbook{
		Name:            pf.Name,
		Description:     pf.Description,
		Version:         pf.Version,
		Author:          pf.Author,
		Variables:       vars,
		ContinueOnError: pf.ContinueOnError,
	}

	if pf.Sequence != nil {
		for i, e := range *pf.Sequence {
			if !taskNumberPattern.MatchString(e.Task) {
				return nil, malformedf(name, "sequence entry %d: invalid task number %q", i, e.Task)
			}
			args, err := substituteAll(name, TaskNumber(e.Task), e.Args, vars)
			if err != nil {
				return nil, err
			}
			pb.Sequence = append(pb.Sequence, SequenceEntry{
				Number:          TaskNumber(e.Task),
				Args:            args,
				ContinueOnError: e.ContinueOnError,
				Timeout:         e.Timeout,
			})
		}
	}

	if pf.Stages != nil {
		for i, st := range *pf.Stages {
			if st.Name == "" {
				return nil, malformedf(name, "stage %d: name is required", i)
			}
			ps := PlaybookStage{Name: st.Name, Parallel: st.Parallel}
			for _, t := range st.Tasks {
				if !taskNumberPattern.MatchString(t) {
					return nil, malformedf(name, "stage %q: invalid task number %q", st.Name, t)
				}
				ps.Tasks = append(ps.Tasks, TaskNumber(t))
			}
			pb.Stages = append(pb.Stages, ps)
		}
	}

	return pb, nil
}

func (l *Loader) read(name string) ([]byte, error) {
	for _, ext := range []string{".yaml", ".yml"} {
		data, err := os.ReadFile(filepath.Join(l.Dir, name+ext))
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read playbook %q: %w", name, err)
		}
	}
	return nil, fmt.Errorf("%w: %q under %s", ErrPlaybookNotFound, name, l.Dir)
}

func substituteAll(playbook string, task TaskNumber, args []string, vars map[string]string) ([]string, error) {
	if len(args) == 0 {
		return nil, nil
	}
	out := make([]string, len(args))
	for i, a := range args {
		var missing string
		out[i] = variablePattern.ReplaceAllStringFunc(a, func(token string) string {
			key := variablePattern.FindStringSubmatch(token)[1]
			v, ok := vars[key]
			if !ok {
				missing = key
				return token
			}
			return v
		})
		if missing != "" {
			return nil, fmt.Errorf("%w: {Variable.%s} in playbook %q, task %s has no value",
				ErrUnresolvedVariable, missing, playbook, task)
		}
	}
	return out, nil
}
