package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/config"
	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/pkg/protocol"
)

func TestSuiteCmd_UnknownModelInList(t *testing.T) {
	t.Setenv("FORKPROBE_HOME", t.TempDir())
	t.Setenv("FORKPROBE_CONFIG", "")

	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"suite", "--models", "forking,gevent"})

	err := root.Execute()
	if err == nil {
		t.Fatal("unknown model in the list should fail before any worker starts")
	}
	var valErr *protocol.ValidationError
	if !errors.As(err, &valErr) {
		t.Fatalf("error should be a validation error, got %T: %v", err, err)
	}
}

func TestApplySuiteFlags_Overrides(t *testing.T) {
	cfg := config.Default()
	sc := suiteConfig{hang: true, documents: 5, timeout: time.Minute}

	applySuiteFlags(cfg, &sc)

	if cfg.GuardMode != "hang" {
		t.Errorf("guard mode = %q, want hang", cfg.GuardMode)
	}
	if cfg.Documents != 5 {
		t.Errorf("documents = %d, want 5", cfg.Documents)
	}
	if cfg.ModelTimeout.Std() != time.Minute {
		t.Errorf("model timeout = %v, want 1m", cfg.ModelTimeout.Std())
	}
}
