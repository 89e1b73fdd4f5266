package version

import (
	"runtime"
	"strings"
	"testing"
)

func TestGetInfo(t *testing.T) {
	info := GetInfo()

	if info.Version == "" {
		t.Error("expected non-empty version")
	}
	if info.GoVersion == "" {
		t.Error("expected non-empty go version")
	}
	if !strings.Contains(info.Platform, runtime.GOOS) {
		t.Errorf("expected platform to contain %s, got %s", runtime.GOOS, info.Platform)
	}
	if !strings.Contains(info.Platform, runtime.GOARCH) {
		t.Errorf("expected platform to contain %s, got %s", runtime.GOARCH, info.Platform)
	}
}

func TestString(t *testing.T) {
	s := String()

	if !strings.Contains(s, ApplicationName) {
		t.Errorf("expected string to contain %s, got %s", ApplicationName, s)
	}
	if !strings.Contains(s, "version") {
		t.Errorf("expected string to contain 'version', got %s", s)
	}
}

func TestShort(t *testing.T) {
	originalVersion := Version
	defer func() { Version = originalVersion }()

	Version = "1.0.0"
	s := Short()

	if !strings.Contains(s, "1.0.0") {
		t.Errorf("expected short string to contain version, got %s", s)
	}
}

func TestUserAgent(t *testing.T) {
	ua := UserAgent()

	if !strings.HasPrefix(ua, ApplicationName+"/") {
		t.Errorf("expected user agent to start with %s/, got %s", ApplicationName, ua)
	}
}
