// Package worker provides the process-backed worker pool driven by the
// queue and resized by the auto-scaler.
package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"

	"conductor/internal/queue"
	"conductor/internal/retry"
	logx "conductor/pkg/logx"
)

// CommandPayload is the task payload a LocalWorker understands.
type CommandPayload struct {
	Name string   `json:"name"`
	Args []string `json:"args,omitempty"`
	Env  []string `json:"env,omitempty"`
	Dir  string   `json:"dir,omitempty"`
}

// LocalWorker executes command payloads as local OS processes.
type LocalWorker struct {
	id  string
	log logx.Logger
}

func NewLocal(id string, log logx.Logger) *LocalWorker {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &LocalWorker{id: id, log: log.With(logx.String("worker", id))}
}

func (w *LocalWorker) ID() string { return w.id }

// Execute runs the task's command and returns exit code plus captured
// output. Payloads the worker cannot interpret fail without retry.
func (w *LocalWorker) Execute(ctx context.Context, task *queue.Task) (map[string]any, error) {
	payload, err := decodePayload(task.Payload)
	if err != nil {
		return nil, retry.NoRetry(fmt.Errorf("task %s: %w", task.ID, err))
	}

	cmd := exec.CommandContext(ctx, payload.Name, payload.Args...)
	if payload.Dir != "" {
		cmd.Dir = payload.Dir
	}
	if len(payload.Env) > 0 {
		cmd.Env = append(os.Environ(), payload.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	var exitCode int
	switch e := runErr.(type) {
	case nil:
		exitCode = 0
	case *exec.ExitError:
		exitCode = e.ExitCode()
	default:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// binary missing or unstartable, retrying cannot help
		return nil, retry.NoRetry(fmt.Errorf("task %s: run command: %w", task.ID, runErr))
	}

	out := map[string]any{
		"exit_code": exitCode,
		"stdout":    stdout.String(),
		"stderr":    stderr.String(),
	}
	w.log.Debug("command finished",
		logx.String("task", task.ID),
		logx.String("command", payload.Name),
		logx.Int("exit_code", exitCode))

	if exitCode != 0 {
		return out, fmt.Errorf("task %s: %s exited with code %d", task.ID, payload.Name, exitCode)
	}
	return out, nil
}

// decodePayload accepts a CommandPayload directly or any JSON-shaped
// map carrying the same fields.
func decodePayload(v any) (CommandPayload, error) {
	switch p := v.(type) {
	case CommandPayload:
		if p.Name == "" {
			return CommandPayload{}, errors.New("command payload has no name")
		}
		return p, nil
	case *CommandPayload:
		if p == nil || p.Name == "" {
			return CommandPayload{}, errors.New("command payload has no name")
		}
		return *p, nil
	case map[string]any:
		data, err := json.Marshal(p)
		if err != nil {
			return CommandPayload{}, fmt.Errorf("encode payload: %w", err)
		}
		var out CommandPayload
		if err := json.Unmarshal(data, &out); err != nil {
			return CommandPayload{}, fmt.Errorf("decode payload: %w", err)
		}
		if out.Name == "" {
			return CommandPayload{}, errors.New("command payload has no name")
		}
		return out, nil
	default:
		return CommandPayload{}, fmt.Errorf("unsupported payload type %T", v)
	}
}
