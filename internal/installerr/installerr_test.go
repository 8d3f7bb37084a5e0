package installerr

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
)

func TestIsMatchesByKind(t *testing.T) {
	err := New(BackupFailed, "backup", "/opt/breeze", os.ErrPermission)
	if !errors.Is(err, ErrBackupFailed) {
		t.Fatal("backup error should match ErrBackupFailed")
	}
	if errors.Is(err, ErrReplaceFailed) {
		t.Fatal("backup error must not match ErrReplaceFailed")
	}
	if !errors.Is(err, os.ErrPermission) {
		t.Fatal("wrapped cause should still be reachable")
	}
}

func TestKindOfWrapped(t *testing.T) {
	inner := New(PathNotFound, "verify", "/missing", nil)
	wrapped := fmt.Errorf("install: %w", inner)
	if got := KindOf(wrapped); got != PathNotFound {
		t.Fatalf("KindOf = %q, want %q", got, PathNotFound)
	}
	if got := KindOf(errors.New("plain")); got != "" {
		t.Fatalf("KindOf(plain) = %q, want empty", got)
	}
}

func TestKindsOfJoinedErrors(t *testing.T) {
	err := errors.Join(
		New(InvalidArgument, "verify", "", errors.New("blank folder")),
		New(ProcessNotFound, "verify", "", nil),
		New(InvalidArgument, "verify", "", errors.New("pid")),
	)
	kinds := Kinds(err)
	if len(kinds) != 2 || kinds[0] != InvalidArgument || kinds[1] != ProcessNotFound {
		t.Fatalf("Kinds = %v, want [invalid_argument process_not_found]", kinds)
	}
}

func TestErrorMessage(t *testing.T) {
	err := New(RestoreFailed, "restore", "/opt/breeze", errors.New("disk full"))
	msg := err.Error()
	for _, want := range []string{"restore", "restore_failed", "/opt/breeze", "disk full"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message %q missing %q", msg, want)
		}
	}
}
