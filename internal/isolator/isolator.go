// Package isolator implements the Workspace Isolator: the single chokepoint
// through which every filesystem read/write and every subprocess launch that
// touches workspace-owned state executes as that workspace's POSIX uid/gid.
//
// Grounded on the teacher's execInContainer/resolveContainerForWorkspace
// pattern (internal/server/git.go, worktrees.go, agent_ws.go): the teacher
// shells into a fixed docker container as a given user; this engine shells
// into a POSIX uid via runuser in multi-user mode, or runs in-process in
// mono_user mode — same narrow execFunc-shaped abstraction either way.
package isolator

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/creack/pty"

	"github.com/vibe80/engine/internal/config"
	"github.com/vibe80/engine/internal/model"
)

// RunResult is the outcome of a command run through the isolator.
type RunResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// Isolator runs commands and filesystem operations as a workspace's uid/gid.
type Isolator struct {
	mode       config.DeploymentMode
	homeBase   string
	rootDir    string
	rootHelper string
}

// New constructs an Isolator from engine configuration.
func New(cfg *config.Config) *Isolator {
	return &Isolator{
		mode:       cfg.DeploymentMode,
		homeBase:   cfg.WorkspaceHomeBase,
		rootDir:    cfg.WorkspaceRootDir,
		rootHelper: cfg.RootHelperPath,
	}
}

// WorkspaceHome returns the home directory of a workspace.
func (iso *Isolator) WorkspaceHome(ws model.Workspace) string {
	return filepath.Join(iso.homeBase, ws.ID)
}

// CreateWorkspaceUser provisions the POSIX uid/gid for a workspace via the
// narrow setuid root helper (multi-user mode only). In mono_user mode this
// is a no-op: every workspace shares the process uid.
func (iso *Isolator) CreateWorkspaceUser(ctx context.Context, ws model.Workspace) error {
	if iso.mode == config.ModeMonoUser {
		return nil
	}
	cmd := exec.CommandContext(ctx, iso.rootHelper, "create-workspace",
		"--workspace-id", ws.ID,
		"--uid", strconv.Itoa(ws.UID),
		"--gid", strconv.Itoa(ws.GID),
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return model.NewEngineError(model.ErrKindIsolation, "WORKSPACE_USER_CREATE_FAILED",
			"failed to create workspace user", fmt.Errorf("%s: %w", stderr.String(), err))
	}
	return nil
}

// RunAs runs argv[0] with argv[1:] as arguments, as the workspace's uid/gid,
// with cwd/env honored, and returns an error carrying captured stderr on
// non-zero exit — the spec.md §4.1 `runAs` operation.
func (iso *Isolator) RunAs(ctx context.Context, ws model.Workspace, argv []string, cwd string, extraEnv map[string]string) error {
	res, err := iso.runAsOutputWithStatus(ctx, ws, argv, cwd, extraEnv)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return model.NewEngineError(model.ErrKindIsolation, "COMMAND_FAILED",
			fmt.Sprintf("command %q exited %d", strings.Join(argv, " "), res.ExitCode),
			fmt.Errorf("%s", res.Stderr))
	}
	return nil
}

// RunAsOutput is RunAs but returns captured stdout on success.
func (iso *Isolator) RunAsOutput(ctx context.Context, ws model.Workspace, argv []string, cwd string, extraEnv map[string]string) (string, error) {
	res, err := iso.runAsOutputWithStatus(ctx, ws, argv, cwd, extraEnv)
	if err != nil {
		return "", err
	}
	if res.ExitCode != 0 {
		return "", model.NewEngineError(model.ErrKindIsolation, "COMMAND_FAILED",
			fmt.Sprintf("command %q exited %d", strings.Join(argv, " "), res.ExitCode),
			fmt.Errorf("%s", res.Stderr))
	}
	return res.Stdout, nil
}

// RunAsOutputWithStatus never returns an error for a non-zero exit; callers
// that must inspect the code use this form directly.
func (iso *Isolator) RunAsOutputWithStatus(ctx context.Context, ws model.Workspace, argv []string, cwd string, extraEnv map[string]string) (RunResult, error) {
	return iso.runAsOutputWithStatus(ctx, ws, argv, cwd, extraEnv)
}

// buildCmd constructs the *exec.Cmd for argv as the workspace's uid/gid,
// shared by the captured-output and PTY-backed execution paths.
func (iso *Isolator) buildCmd(ctx context.Context, ws model.Workspace, argv []string, cwd string, extraEnv map[string]string) (*exec.Cmd, error) {
	if len(argv) == 0 {
		return nil, model.NewEngineError(model.ErrKindValidation, "EMPTY_COMMAND", "argv must not be empty", nil)
	}
	if err := iso.validatePath(ws, cwd); err != nil {
		return nil, err
	}

	var cmd *exec.Cmd
	home := iso.WorkspaceHome(ws)

	switch iso.mode {
	case config.ModeMonoUser:
		cmd = exec.CommandContext(ctx, argv[0], argv[1:]...)
	case config.ModeMultiUser:
		runuserArgs := append([]string{"-u", iso.workspaceUser(ws), "--"}, argv...)
		cmd = exec.CommandContext(ctx, "runuser", runuserArgs...)
	default:
		return nil, fmt.Errorf("unknown deployment mode %q", iso.mode)
	}

	cmd.Dir = cwd
	cmd.Env = append(os.Environ(),
		"HOME="+home,
		"USER="+iso.workspaceUser(ws),
		"LOGNAME="+iso.workspaceUser(ws),
	)
	for k, v := range extraEnv {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	return cmd, nil
}

// StartPTY launches argv as the workspace's uid/gid attached to a pseudo
// terminal, for the Turn Controller's interactive `run` action (spec.md §4.7
// step 3's `run` action request). The caller owns the returned pty file and
// must close it (which also signals the child) once the session ends.
// Grounded on the teacher's agent_ws.go pattern of pairing an exec.Cmd with a
// pty.Start for the agent's own subprocess, reused here for ad hoc commands.
func (iso *Isolator) StartPTY(ctx context.Context, ws model.Workspace, argv []string, cwd string, extraEnv map[string]string) (*os.File, *exec.Cmd, error) {
	cmd, err := iso.buildCmd(ctx, ws, argv, cwd, extraEnv)
	if err != nil {
		return nil, nil, err
	}
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, nil, model.NewEngineError(model.ErrKindIsolation, "PTY_START_FAILED", "failed to start interactive command", err)
	}
	return ptmx, cmd, nil
}

func (iso *Isolator) runAsOutputWithStatus(ctx context.Context, ws model.Workspace, argv []string, cwd string, extraEnv map[string]string) (RunResult, error) {
	cmd, err := iso.buildCmd(ctx, ws, argv, cwd, extraEnv)
	if err != nil {
		return RunResult{}, err
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	exitCode := 0
	if runErr != nil {
		var exitErr *exec.ExitError
		if isExitError(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return RunResult{}, model.NewEngineError(model.ErrKindIsolation, "EXEC_FAILED", "failed to execute command", runErr)
		}
	}

	return RunResult{Stdout: stdout.String(), Stderr: stderr.String(), ExitCode: exitCode}, nil
}

func isExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}

func (iso *Isolator) workspaceUser(ws model.Workspace) string {
	return "ws-" + ws.ID
}

// validatePath refuses any path that is not a canonical subpath of the
// workspace root, per spec.md §4.1.
func (iso *Isolator) validatePath(ws model.Workspace, path string) error {
	if path == "" {
		return nil
	}
	root := filepath.Join(iso.rootDir, ws.ID)
	clean := filepath.Clean(path)
	rel, err := filepath.Rel(root, clean)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return model.NewEngineError(model.ErrKindIsolation, "PATH_ESCAPES_WORKSPACE",
			fmt.Sprintf("path %q is not under workspace root %q", path, root), nil)
	}
	return nil
}

// EnsureDir creates a directory with the given mode, owned by the workspace.
func (iso *Isolator) EnsureDir(ctx context.Context, ws model.Workspace, path string, mode os.FileMode) error {
	if err := iso.validatePath(ws, path); err != nil {
		return err
	}
	if err := os.MkdirAll(path, mode); err != nil {
		return model.NewEngineError(model.ErrKindIsolation, "MKDIR_FAILED", "failed to create directory", err)
	}
	if iso.mode == config.ModeMultiUser {
		if err := os.Chown(path, ws.UID, ws.GID); err != nil {
			return model.NewEngineError(model.ErrKindIsolation, "CHOWN_FAILED", "failed to chown directory", err)
		}
	}
	return nil
}

// WriteFile writes content to path at the given mode, owned by the workspace.
func (iso *Isolator) WriteFile(ctx context.Context, ws model.Workspace, path string, content []byte, mode os.FileMode) error {
	if err := iso.validatePath(ws, path); err != nil {
		return err
	}
	if err := os.WriteFile(path, content, mode); err != nil {
		return model.NewEngineError(model.ErrKindIsolation, "WRITE_FILE_FAILED", "failed to write file", err)
	}
	if iso.mode == config.ModeMultiUser {
		if err := os.Chown(path, ws.UID, ws.GID); err != nil {
			return model.NewEngineError(model.ErrKindIsolation, "CHOWN_FAILED", "failed to chown file", err)
		}
	}
	return nil
}
