package main

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"

	"github.com/google/uuid"
	"github.com/ralphd/ralph/pkg/log"
	"github.com/ralphd/ralph/pkg/types"
	"github.com/ralphd/ralph/pkg/worker"
)

// ExecSessionRunner drives the agent subprocess at AgentPath, one process
// per pass (plan/build/survey/fix-ci), the same shape as a worktree-scoped
// CLI tool invocation. The agent subprocess's own prompts and behaviour are
// out of scope; this is only the boundary that launches it and reads
// back its stdout, keeping the subprocess behind the SessionRunner
// interface.
type ExecSessionRunner struct {
	AgentPath string
}

var _ worker.SessionRunner = (*ExecSessionRunner)(nil)

func (r *ExecSessionRunner) runPass(ctx context.Context, pass, sessionID, worktreePath string, task types.TaskView, extra ...string) (worker.RunOutput, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	args := append([]string{pass, "--worktree", worktreePath, "--session", sessionID,
		"--repo", string(task.Repo), "--issue", fmt.Sprintf("%d", task.Number)}, extra...)

	sessionLog := log.WithSession(sessionID)
	sessionLog.Debug().Str("pass", pass).Str("repo", string(task.Repo)).Int("number", task.Number).Msg("launching agent pass")

	cmd := exec.CommandContext(ctx, r.AgentPath, args...)
	cmd.Dir = worktreePath
	cmd.Env = append(os.Environ(), "RALPH_SESSION_ID="+sessionID)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return worker.RunOutput{}, fmt.Errorf("agent %s pass failed: %w", pass, err)
	}
	return worker.RunOutput{SessionID: sessionID, Stdout: stdout.String()}, nil
}

func (r *ExecSessionRunner) Plan(ctx context.Context, worktreePath string, task types.TaskView) (worker.RunOutput, error) {
	return r.runPass(ctx, "plan", task.SessionID, worktreePath, task)
}

func (r *ExecSessionRunner) Build(ctx context.Context, sessionID, worktreePath string, task types.TaskView) (worker.RunOutput, error) {
	return r.runPass(ctx, "build", sessionID, worktreePath, task)
}

func (r *ExecSessionRunner) Survey(ctx context.Context, sessionID, worktreePath string, task types.TaskView) (worker.RunOutput, error) {
	return r.runPass(ctx, "survey", sessionID, worktreePath, task)
}

func (r *ExecSessionRunner) FixCI(ctx context.Context, sessionID, worktreePath string, task types.TaskView, reason string) (worker.RunOutput, error) {
	return r.runPass(ctx, "fix-ci", sessionID, worktreePath, task, "--reason", reason)
}
