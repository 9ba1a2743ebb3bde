package workflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/lsadehaan/controlcenter/internal/protocol"
)

func TestRunCommandStep_CapturesOutputAndExitCode(t *testing.T) {
	outputs, err := runCommandStep(context.Background(), nil, map[string]any{
		"command": "/bin/echo",
		"args":    []any{"hello"},
	})
	if err != nil {
		t.Fatalf("runCommandStep: %v", err)
	}
	if outputs["exitCode"] != 0 || outputs["success"] != true {
		t.Errorf("outputs = %+v", outputs)
	}
}

func TestRunCommandStep_NonZeroExitReturnsError(t *testing.T) {
	outputs, err := runCommandStep(context.Background(), nil, map[string]any{
		"command": "false",
	})
	if err == nil {
		t.Fatal("expected an error for a non-zero exit code")
	}
	if outputs["exitCode"] != 1 || outputs["success"] != false {
		t.Errorf("outputs = %+v", outputs)
	}
}

func TestAlertStep_InvokesAlerter(t *testing.T) {
	var got protocol.Alert
	fn := alertStep(func(a protocol.Alert) error {
		got = a
		return nil
	})
	_, err := fn(context.Background(), nil, map[string]any{"level": "warning", "message": "disk low"})
	if err != nil {
		t.Fatalf("alert step: %v", err)
	}
	if got.Message != "disk low" || got.Level != protocol.AlertWarning {
		t.Errorf("got alert = %+v", got)
	}
}

func TestCopyFileStep_MissingArgsErrors(t *testing.T) {
	if _, err := copyFileStep(context.Background(), nil, map[string]any{}); err == nil {
		t.Fatal("expected an error when source/destination are missing")
	}
}

func TestDeleteFileStep_RemovesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := deleteFileStep(context.Background(), nil, map[string]any{"path": path}); err != nil {
		t.Fatalf("deleteFileStep: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected file removed, stat err = %v", err)
	}
}

func TestRegistry_UnregisteredTypeReturnsNotImplemented(t *testing.T) {
	r := NewRegistry(nil)
	_, err := r.Resolve("send-webhook")(context.Background(), nil, nil)
	var nie *NotImplementedError
	if err == nil {
		t.Fatal("expected an error")
	}
	if ok := castNotImplemented(err, &nie); !ok {
		t.Fatalf("err = %v, want *NotImplementedError", err)
	}
}

func castNotImplemented(err error, target **NotImplementedError) bool {
	if nie, ok := err.(*NotImplementedError); ok {
		*target = nie
		return true
	}
	return false
}
