package worker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrCommandForbidden is returned when the executable is not in the
// configured allow-list.
type ErrCommandForbidden struct{ Command string }

func (e *ErrCommandForbidden) Error() string {
	return fmt.Sprintf("command %q is not allowed", e.Command)
}

// Policy is the sandbox contract every spawned subprocess runs under.
type Policy struct {
	AllowedCommands []string
	WorkspaceRoot   string
}

// CheckCommand verifies the executable against the allow-list. Matching
// is exact on the command name; paths are reduced to their base so
// "/usr/bin/git" and "git" are the same command.
func (p Policy) CheckCommand(argv []string) error {
	if len(argv) == 0 {
		return &ErrCommandForbidden{Command: ""}
	}
	name := filepath.Base(argv[0])
	for _, allowed := range p.AllowedCommands {
		if name == allowed {
			return nil
		}
	}
	return &ErrCommandForbidden{Command: argv[0]}
}

// TaskDir creates and returns the isolated workspace subdirectory for a
// task. The id is sanitized so a crafted task id cannot escape the
// workspace root.
func (p Policy) TaskDir(taskID string) (string, error) {
	clean := sanitizeID(taskID)
	if clean == "" {
		return "", fmt.Errorf("unusable task id %q", taskID)
	}
	dir := filepath.Join(p.WorkspaceRoot, clean)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating workspace: %w", err)
	}
	return dir, nil
}

func sanitizeID(id string) string {
	var b strings.Builder
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// curatedEnv is the only environment subprocesses receive. Caller
// variables never propagate.
func curatedEnv(workDir string) []string {
	env := []string{
		"HOME=" + workDir,
		"TMPDIR=" + workDir,
		"LANG=C.UTF-8",
	}
	if path := os.Getenv("PATH"); path != "" {
		env = append(env, "PATH="+path)
	} else {
		env = append(env, "PATH=/usr/local/bin:/usr/bin:/bin")
	}
	return env
}
