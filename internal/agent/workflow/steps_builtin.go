package workflow

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/lsadehaan/controlcenter/internal/protocol"
)

// AlertFunc delivers an alert step's output to the control channel. Kept as
// a function type rather than an interface so the engine doesn't need to
// import internal/agent/client.
type AlertFunc func(alert protocol.Alert) error

func stringConfig(config map[string]any, key string) string {
	v, _ := config[key].(string)
	return v
}

func copyFileStep(_ context.Context, _ map[string]any, config map[string]any) (map[string]any, error) {
	src := stringConfig(config, "source")
	dest := stringConfig(config, "destination")
	if src == "" || dest == "" {
		return nil, fmt.Errorf("copy-file: source and destination are required")
	}
	if err := copyFile(src, dest); err != nil {
		return nil, fmt.Errorf("copy-file: %w", err)
	}
	return map[string]any{"destinationFile": dest, "success": true}, nil
}

func moveFileStep(_ context.Context, _ map[string]any, config map[string]any) (map[string]any, error) {
	src := stringConfig(config, "source")
	dest := stringConfig(config, "destination")
	if src == "" || dest == "" {
		return nil, fmt.Errorf("move-file: source and destination are required")
	}
	if err := os.Rename(src, dest); err != nil {
		return nil, fmt.Errorf("move-file: %w", err)
	}
	return map[string]any{"newFile": dest, "success": true}, nil
}

func deleteFileStep(_ context.Context, _ map[string]any, config map[string]any) (map[string]any, error) {
	path := stringConfig(config, "path")
	if path == "" {
		return nil, fmt.Errorf("delete-file: path is required")
	}
	if err := os.Remove(path); err != nil {
		return nil, fmt.Errorf("delete-file: %w", err)
	}
	return map[string]any{"success": true}, nil
}

func runCommandStep(ctx context.Context, _ map[string]any, config map[string]any) (map[string]any, error) {
	command := stringConfig(config, "command")
	if command == "" {
		return nil, fmt.Errorf("run-command: command is required")
	}
	var args []string
	if raw, ok := config["args"].([]any); ok {
		for _, a := range raw {
			if s, ok := a.(string); ok {
				args = append(args, s)
			}
		}
	}

	cmd := exec.CommandContext(ctx, command, args...)
	out, runErr := cmd.CombinedOutput()
	exitCode := 0
	success := runErr == nil
	if exitErr, ok := runErr.(*exec.ExitError); ok {
		exitCode = exitErr.ExitCode()
	} else if runErr != nil {
		exitCode = -1
	}

	outputs := map[string]any{
		"output":   string(out),
		"exitCode": exitCode,
		"success":  success,
	}
	if runErr != nil && exitCode == -1 {
		return outputs, fmt.Errorf("run-command: %w", runErr)
	}
	if !success {
		return outputs, fmt.Errorf("run-command: exit code %d", exitCode)
	}
	return outputs, nil
}

func alertStep(alerter AlertFunc) StepFunc {
	return func(_ context.Context, _ map[string]any, config map[string]any) (map[string]any, error) {
		level := protocol.AlertLevel(stringConfig(config, "level"))
		if !level.Valid() {
			level = protocol.AlertInfo
		}
		message := stringConfig(config, "message")
		if alerter == nil {
			return nil, nil
		}
		if err := alerter(protocol.NewAlert(level, message, nil)); err != nil {
			return nil, fmt.Errorf("alert: %w", err)
		}
		return nil, nil
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
