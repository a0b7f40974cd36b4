package analyzer

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultTable(t *testing.T) {
	table := DefaultTable()
	if table.Version < 1 {
		t.Errorf("Version = %d, want >= 1", table.Version)
	}

	for _, m := range []string{"os", "sys", "subprocess", "socket", "ctypes", "importlib", "shutil", "pathlib", "pickle", "builtins"} {
		if _, ok := table.Lookup(RuleModule, m); !ok {
			t.Errorf("module %q missing from default table", m)
		}
	}
	for _, c := range []string{"eval", "exec", "compile", "__import__", "getattr", "setattr", "globals", "open"} {
		if _, ok := table.Lookup(RuleCall, c); !ok {
			t.Errorf("call %q missing from default table", c)
		}
	}
	for _, a := range []string{"__class__", "__bases__", "__subclasses__", "__mro__", "__globals__", "__builtins__"} {
		if _, ok := table.Lookup(RuleAttribute, a); !ok {
			t.Errorf("attribute %q missing from default table", a)
		}
	}
}

func TestParseTable_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero version", "version: 0\nentries: []\n"},
		{"missing name", "version: 1\nentries:\n  - {kind: module}\n"},
		{"unknown kind", "version: 1\nentries:\n  - {name: x, kind: keyword}\n"},
		{"unknown action", "version: 1\nentries:\n  - {name: x, kind: call, action: warn}\n"},
		{"duplicate", "version: 1\nentries:\n  - {name: os, kind: module}\n  - {name: os, kind: module}\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseTable([]byte(tt.yaml))
			if !errors.Is(err, ErrInvalidTable) {
				t.Errorf("error = %v, want ErrInvalidTable", err)
			}
		})
	}
}

func TestParseTable_Malformed(t *testing.T) {
	if _, err := ParseTable([]byte("version: [")); err == nil {
		t.Error("expected error for malformed YAML")
	}
}

func TestParseTable_Defaults(t *testing.T) {
	table, err := ParseTable([]byte("version: 1\nentries:\n  - {name: os, kind: module}\n"))
	if err != nil {
		t.Fatal(err)
	}
	r, ok := table.Lookup(RuleModule, "os")
	if !ok {
		t.Fatal("os not found")
	}
	if r.Action != ActionBlock {
		t.Errorf("Action = %q, want %q", r.Action, ActionBlock)
	}
	if r.Category != "uncategorized" {
		t.Errorf("Category = %q, want uncategorized", r.Category)
	}
}

func TestParseTable_SameNameDifferentKinds(t *testing.T) {
	_, err := ParseTable([]byte(`
version: 1
entries:
  - {name: __import__, kind: call}
  - {name: __import__, kind: attribute}
`))
	if err != nil {
		t.Errorf("same name under different kinds should be allowed: %v", err)
	}
}

func TestReferenced(t *testing.T) {
	table := DefaultTable()

	tests := []struct {
		name string
		want bool
	}{
		{"eval", true},
		{"__builtins__", true},
		{"open", false},
		{"print", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, got := table.referenced(tt.name); got != tt.want {
				t.Errorf("referenced(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestLoadTable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "denylist.yaml")
	if err := os.WriteFile(path, []byte("version: 3\nentries:\n  - {name: requests, kind: module, category: network}\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	table, err := LoadTable(path)
	if err != nil {
		t.Fatalf("LoadTable() error: %v", err)
	}
	if table.Version != 3 {
		t.Errorf("Version = %d, want 3", table.Version)
	}
	if got := table.Names(RuleModule); len(got) != 1 || got[0] != "requests" {
		t.Errorf("Names(module) = %v, want [requests]", got)
	}

	if _, err := LoadTable(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
