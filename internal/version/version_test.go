package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetPrefersLinkerValues(t *testing.T) {
	orig := [3]string{Version, GitCommit, BuildDate}
	t.Cleanup(func() { Version, GitCommit, BuildDate = orig[0], orig[1], orig[2] })

	Version, GitCommit, BuildDate = "1.2.3", "abc1234", "2025-01-27T10:30:00Z"

	info := Get()
	if info.Version != "1.2.3" || info.GitCommit != "abc1234" || info.BuildDate != "2025-01-27T10:30:00Z" {
		t.Errorf("Get() = %+v", info)
	}
	if String() != "1.2.3" {
		t.Errorf("String() = %q", String())
	}
}

func TestGetRuntimeFields(t *testing.T) {
	info := Get()
	if info.GoVersion != runtime.Version() {
		t.Errorf("GoVersion = %q", info.GoVersion)
	}
	if !strings.Contains(info.Platform, runtime.GOOS) {
		t.Errorf("Platform = %q", info.Platform)
	}
	if info.Version == "" {
		t.Error("Version is empty")
	}
}
