package version

import (
	"runtime/debug"
	"testing"
)

func TestResolvePrefersLdflags(t *testing.T) {
	t.Parallel()

	bi := &debug.BuildInfo{
		GoVersion: "go1.26.0",
		Main:      debug.Module{Version: "v0.3.0"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "ffffffffffffffffffff"},
			{Key: "vcs.time", Value: "2026-01-01T00:00:00Z"},
		},
	}
	got := resolve(Info{Version: "v1.2.3", Commit: "0123456789abcdef"}, bi)
	if got.Version != "v1.2.3" || got.Commit != "0123456789abcdef" {
		t.Fatalf("ldflags values were overridden: %+v", got)
	}
	if got.BuildTime != "2026-01-01T00:00:00Z" || got.GoVersion != "go1.26.0" {
		t.Fatalf("build info not applied: %+v", got)
	}
	if s := got.String(); s != "v1.2.3 (0123456789ab)" {
		t.Fatalf("unexpected string %q", s)
	}
}

func TestResolveFromBuildInfo(t *testing.T) {
	t.Parallel()

	bi := &debug.BuildInfo{
		Main: debug.Module{Version: "(devel)"},
		Settings: []debug.BuildSetting{
			{Key: "vcs.revision", Value: "abc123"},
			{Key: "vcs.modified", Value: "true"},
		},
	}
	got := resolve(Info{}, bi)
	if got.Version != devVersion {
		t.Fatalf("expected %q for devel builds, got %q", devVersion, got.Version)
	}
	if s := got.String(); s != "dev (abc123-dirty)" {
		t.Fatalf("unexpected string %q", s)
	}
}

func TestResolveWithoutBuildInfo(t *testing.T) {
	t.Parallel()

	if got := resolve(Info{}, nil); got.String() != devVersion {
		t.Fatalf("unexpected %+v", got)
	}
}
