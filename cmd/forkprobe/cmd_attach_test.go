package main

import (
	"bytes"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

func TestAttachCmd_NoTargetIsValidationError(t *testing.T) {
	t.Setenv("FORKPROBE_HOME", t.TempDir())

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"attach"})

	err := root.Execute()
	if err == nil {
		t.Fatal("attach without a target should fail")
	}
	var valErr *protocol.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("error should be a validation error, got %T: %v", err, err)
	}
	if !strings.Contains(err.Error(), "--pid") {
		t.Errorf("error should list the target flags, got: %v", err)
	}
}

func TestAttachCmd_ListProfiles(t *testing.T) {
	t.Setenv("FORKPROBE_HOME", t.TempDir())

	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"attach", "--list"})

	if err := root.Execute(); err != nil {
		t.Fatalf("attach --list failed: %v", err)
	}

	got := buf.String()
	for _, want := range []string{"gdb", "lldb"} {
		if !strings.Contains(got, want) {
			t.Errorf("profile list should include %q, got:\n%s", want, got)
		}
	}
}

func TestAttachCmd_ListIncludesUserProfiles(t *testing.T) {
	t.Setenv("FORKPROBE_HOME", t.TempDir())

	profilesPath := filepath.Join(t.TempDir(), "debuggers.toml")
	writeFile(t, profilesPath, `
[[debugger]]
name = "udb"
command = "udb"
argv = ["--batch", "-x", "{script}"]
script = "attach {pid}\nbt\nquit\n"
`)

	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"attach", "--list", "--profiles", profilesPath})

	if err := root.Execute(); err != nil {
		t.Fatalf("attach --list failed: %v", err)
	}
	if !strings.Contains(buf.String(), "udb") {
		t.Errorf("profile list should include the TOML-defined debugger, got:\n%s", buf.String())
	}
}

func TestAttachCmd_UnknownDebugger(t *testing.T) {
	t.Setenv("FORKPROBE_HOME", t.TempDir())

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"attach", "--pid", "1", "--debugger", "windbg"})

	err := root.Execute()
	if err == nil {
		t.Fatal("unknown debugger should fail")
	}
	if !strings.Contains(err.Error(), "windbg") || !strings.Contains(err.Error(), "gdb") {
		t.Errorf("error should name the unknown debugger and the available ones, got: %v", err)
	}
}
