package buildinfo_test

import (
	"testing"

	"github.com/SpencerPresley/CeleryForkSafetyInvestigation/internal/buildinfo"
)

func TestVersionIsSet(t *testing.T) {
	t.Parallel()

	v := buildinfo.String()
	if v == "" {
		t.Fatal("version.String() must not be empty")
	}
}
