// Package killswitch is the out-of-band stop control. A run polls it once
// per bar; an engaged switch flattens all positions and ends the run.
package killswitch

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"
)

const (
	DefaultPath = "logs/KILL_SWITCH"

	EnvFile   = "ATS_KILL_SWITCH_FILE"
	EnvForce  = "ATS_KILL_SWITCH"
	EnvIgnore = "ATS_IGNORE_KILL_SWITCH"
)

// Switch reports whether trading must stop.
type Switch interface {
	Engaged() bool
}

// Func adapts a plain function to Switch.
type Func func() bool

func (f Func) Engaged() bool { return f() }

// Static is an in-memory switch for tests and embedded use.
type Static struct {
	on atomic.Bool
}

func NewStatic(engaged bool) *Static {
	s := &Static{}
	s.on.Store(engaged)
	return s
}

func (s *Static) Engaged() bool    { return s.on.Load() }
func (s *Static) Set(engaged bool) { s.on.Store(engaged) }

// Status is a point-in-time read of a File switch.
type Status struct {
	Engaged    bool   `json:"engaged"`
	Forced     bool   `json:"forced_by_env"`
	Ignored    bool   `json:"ignored_by_env"`
	FileExists bool   `json:"file_exists"`
	Path       string `json:"path"`
	EnabledAt  string `json:"enabled_at,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// File is the file-backed switch. The file's existence engages it; its
// content is informational only. The force and ignore environment
// variables are re-read on every call, ignore winning over both.
type File struct {
	override string
	now      func() time.Time
}

// NewFile builds a switch at path; an empty path resolves from
// ATS_KILL_SWITCH_FILE and then the default.
func NewFile(path string) *File {
	return &File{override: path, now: func() time.Time { return time.Now().UTC() }}
}

func truthy(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "y", "on":
		return true
	}
	return false
}

// Path resolves the switch file. When the parent exists as a regular file,
// the switch lives under "<parent>_dir" instead.
func (f *File) Path() string {
	raw := f.override
	if raw == "" {
		raw = os.Getenv(EnvFile)
	}
	if raw == "" {
		raw = DefaultPath
	}
	if strings.HasPrefix(raw, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			raw = filepath.Join(home, raw[2:])
		}
	}
	p := filepath.Clean(raw)
	parent := filepath.Dir(p)
	if info, err := os.Stat(parent); err == nil && !info.IsDir() {
		return filepath.Join(parent+"_dir", filepath.Base(p))
	}
	return p
}

// Status reads the file and environment fresh.
func (f *File) Status() Status {
	st := Status{
		Forced:  truthy(os.Getenv(EnvForce)),
		Ignored: truthy(os.Getenv(EnvIgnore)),
		Path:    f.Path(),
	}

	data, err := os.ReadFile(st.Path)
	switch {
	case err == nil:
		st.FileExists = true
		st.EnabledAt, st.Reason = parse(string(data))
	case errors.Is(err, os.ErrNotExist):
	default:
		// Present but unreadable still counts as engaged.
		st.FileExists = true
	}

	st.Engaged = !st.Ignored && (st.Forced || st.FileExists)
	return st
}

// parse reads "enabled_at=<ts> reason=<text>"; anything else yields blanks.
func parse(text string) (enabledAt, reason string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", ""
	}
	left, right, found := strings.Cut(text, "reason=")
	left = strings.TrimSpace(left)
	if strings.HasPrefix(left, "enabled_at=") {
		enabledAt = strings.TrimSpace(strings.TrimPrefix(left, "enabled_at="))
	}
	if found {
		reason = strings.TrimSpace(right)
	}
	return enabledAt, reason
}

func (f *File) Engaged() bool { return f.Status().Engaged }

// Enable writes the switch file, creating parent directories.
func (f *File) Enable(reason string) (string, error) {
	if strings.TrimSpace(reason) == "" {
		reason = "manual"
	}
	path := f.Path()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create kill switch dir: %w", err)
	}
	payload := fmt.Sprintf("enabled_at=%s reason=%s\n", f.now().Format(time.RFC3339), reason)
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		return "", fmt.Errorf("write kill switch file: %w", err)
	}
	return path, nil
}

// Disable removes the switch file. Errors are ignored.
func (f *File) Disable() {
	_ = os.Remove(f.Path())
}
