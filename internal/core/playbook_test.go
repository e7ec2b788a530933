package core

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

func writePlaybook(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestLoadBareAndInlineEntries(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "deploy.yaml", `
name: deploy
sequence:
  - "0100"
  - task: "0200"
    args: ["--target", "prod"]
    continue_on_error: true
    timeout: 90s
`)

	pb, err := (&Loader{Dir: dir}).Load("deploy", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(pb.Sequence) != 2 {
		t.Fatalf("want 2 entries, got %d", len(pb.Sequence))
	}
	first := pb.Sequence[0]
	if first.Number != "0100" || first.Args != nil || first.ContinueOnError != nil {
		t.Errorf("bare entry = %+v", first)
	}
	second := pb.Sequence[1]
	if second.Number != "0200" {
		t.Errorf("inline number = %s", second.Number)
	}
	if !reflect.DeepEqual(second.Args, []string{"--target", "prod"}) {
		t.Errorf("inline args = %v", second.Args)
	}
	if second.ContinueOnError == nil || !*second.ContinueOnError {
		t.Error("continue_on_error not parsed")
	}
	if second.Timeout != 90*time.Second {
		t.Errorf("timeout = %s", second.Timeout)
	}
}

func TestLoadNotFound(t *testing.T) {
	_, err := (&Loader{Dir: t.TempDir()}).Load("missing", nil)
	if !errors.Is(err, ErrPlaybookNotFound) {
		t.Fatalf("want ErrPlaybookNotFound, got %v", err)
	}
}

func TestLoadMalformed(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name    string
		content string
	}{
		{"invalid yaml", "sequence: [\n"},
		{"neither sequence nor stages", "name: empty\n"},
		{"bad task number", "sequence: [\"42\"]\n"},
		{"unnamed stage", "stages:\n  - tasks: [\"0100\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			writePlaybook(t, dir, "bad.yaml", tt.content)
			if _, err := (&Loader{Dir: dir}).Load("bad", nil); !errors.Is(err, ErrMalformedPlaybook) {
				t.Fatalf("want ErrMalformedPlaybook, got %v", err)
			}
		})
	}
}

func TestLoadEmptySequenceIsValid(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "noop.yaml", "sequence: []\n")
	pb, err := (&Loader{Dir: dir}).Load("noop", nil)
	if err != nil {
		t.Fatalf("empty sequence should load, got %v", err)
	}
	if len(pb.Sequence) != 0 {
		t.Errorf("want no entries, got %d", len(pb.Sequence))
	}
}

func TestLoadVariableSubstitution(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "vars.yaml", `
variables:
  Target: staging
  Region: us-east-1
sequence:
  - task: "0100"
    args: ["--target", "{Variable.Target}", "--region={Variable.Region}"]
`)

	pb, err := (&Loader{Dir: dir}).Load("vars", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	want := []string{"--target", "staging", "--region=us-east-1"}
	if !reflect.DeepEqual(pb.Sequence[0].Args, want) {
		t.Errorf("args = %v, want %v", pb.Sequence[0].Args, want)
	}
}

func TestLoadVariableOverridesWin(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "vars.yaml", `
variables:
  Target: staging
sequence:
  - task: "0100"
    args: ["{Variable.Target}"]
`)

	pb, err := (&Loader{Dir: dir}).Load("vars", map[string]string{"Target": "prod"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if pb.Sequence[0].Args[0] != "prod" {
		t.Errorf("override lost: args = %v", pb.Sequence[0].Args)
	}
}

func TestLoadUnresolvedVariable(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "vars.yaml", `
sequence:
  - task: "0100"
    args: ["{Variable.Missing}"]
`)

	_, err := (&Loader{Dir: dir}).Load("vars", nil)
	if !errors.Is(err, ErrUnresolvedVariable) {
		t.Fatalf("want ErrUnresolvedVariable, got %v", err)
	}
}

func TestLoadStages(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "staged.yml", `
stages:
  - name: prepare
    tasks: ["0100"]
  - name: apply
    parallel: true
    tasks: ["0200", "0300"]
`)

	pb, err := (&Loader{Dir: dir}).Load("staged", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(pb.Stages) != 2 {
		t.Fatalf("want 2 stages, got %d", len(pb.Stages))
	}
	if !pb.Stages[1].Parallel {
		t.Error("parallel flag lost")
	}
	if !reflect.DeepEqual(pb.Stages[1].Tasks, []TaskNumber{"0200", "0300"}) {
		t.Errorf("stage tasks = %v", pb.Stages[1].Tasks)
	}
}

func TestListPlaybooks(t *testing.T) {
	dir := t.TempDir()
	writePlaybook(t, dir, "nightly.yaml", "sequence: []\n")
	writePlaybook(t, dir, "deploy.yml", "sequence: []\n")
	writePlaybook(t, dir, "notes.txt", "not a playbook")

	names, err := (&Loader{Dir: dir}).List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"deploy", "nightly"}) {
		t.Errorf("names = %v", names)
	}
}
