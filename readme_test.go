package main

import (
	"os"
	"strings"
	"testing"
)

func TestREADMEContainsReferencesSection(t *testing.T) {
	content, err := os.ReadFile("README.md")
	if err != nil {
		t.Fatalf("Failed to read README.md: %v", err)
	}

	readmeText := string(content)

	// Check for References section header
	if !strings.Contains(readmeText, "## References") {
		t.Error("README.md missing ## References section")
	}

	// Check for required links
	requiredLinks := map[string]string{
		"How To Corrupt An SQLite Database File": "sqlite.org/howtocorrupt.html",
		"Celery Workers Guide":                   "docs.celeryq.dev",
		"POSIX fork()":                           "pubs.opengroup.org",
		"GDB: Debugging Forks":                   "sourceware.org/gdb",
		"go-redis":                               "github.com/redis/go-redis",
		"Chroma":                                 "github.com/chroma-core/chroma",
	}

	for name, expectedURL := range requiredLinks {
		if !strings.Contains(readmeText, name) {
			t.Errorf("README.md missing reference to %s", name)
		}
		if !strings.Contains(readmeText, expectedURL) {
			t.Errorf("README.md missing URL for %s (expected to contain: %s)", name, expectedURL)
		}
	}
}
