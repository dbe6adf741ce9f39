package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestInfo_UsesLinkerValues(t *testing.T) {
	origVersion, origCommit, origTime := Version, GitCommit, BuildTime
	t.Cleanup(func() { Version, GitCommit, BuildTime = origVersion, origCommit, origTime })

	Version, GitCommit, BuildTime = "v1.4.0", "abc1234", "2026-01-02T03:04:05Z"
	info := Info()

	if info.Version != "v1.4.0" || info.GitCommit != "abc1234" || info.BuildTime != "2026-01-02T03:04:05Z" {
		t.Errorf("unexpected info %+v", info)
	}
	if info.GoVersion != runtime.Version() {
		t.Errorf("expected go version %s, got %s", runtime.Version(), info.GoVersion)
	}
}

func TestBuildInfo_String(t *testing.T) {
	s := BuildInfo{Version: "v1", GitCommit: "c0ffee", BuildTime: "now", GoVersion: "go1.24"}.String()
	if !strings.HasPrefix(s, "wheelsort v1") || !strings.Contains(s, "c0ffee") {
		t.Errorf("unexpected string %q", s)
	}
}
