// Package installerr defines the error kinds reported by an install run.
package installerr

import (
	"errors"
	"strings"
)

// Kind classifies an install failure.
type Kind string

const (
	InvalidArgument Kind = "invalid_argument"
	PathNotFound    Kind = "path_not_found"
	ProcessNotFound Kind = "process_not_found"
	StopFailed      Kind = "stop_failed"
	BackupFailed    Kind = "backup_failed"
	ReplaceFailed   Kind = "replace_failed"
	RestoreFailed   Kind = "restore_failed"
	RestartFailed   Kind = "restart_failed"
)

// Sentinels for errors.Is matching. They carry only a Kind.
var (
	ErrInvalidArgument = &Error{Kind: InvalidArgument}
	ErrPathNotFound    = &Error{Kind: PathNotFound}
	ErrProcessNotFound = &Error{Kind: ProcessNotFound}
	ErrStopFailed      = &Error{Kind: StopFailed}
	ErrBackupFailed    = &Error{Kind: BackupFailed}
	ErrReplaceFailed   = &Error{Kind: ReplaceFailed}
	ErrRestoreFailed   = &Error{Kind: RestoreFailed}
	ErrRestartFailed   = &Error{Kind: RestartFailed}
)

// Error is an install failure tagged with its Kind.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Err  error
}

// New returns an *Error of the given kind.
func New(kind Kind, op, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Path != "" {
		b.WriteString(" (")
		b.WriteString(e.Path)
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so sentinels compare by kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf returns the Kind of the first *Error in err's tree, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Kinds returns every distinct Kind found in err's tree, in discovery order.
// Joined verification errors report one Kind per violated condition.
func Kinds(err error) []Kind {
	var kinds []Kind
	seen := make(map[Kind]bool)
	var walk func(error)
	walk = func(err error) {
		if err == nil {
			return
		}
		if e, ok := err.(*Error); ok && !seen[e.Kind] {
			seen[e.Kind] = true
			kinds = append(kinds, e.Kind)
		}
		switch x := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range x.Unwrap() {
				walk(inner)
			}
		case interface{ Unwrap() error }:
			walk(x.Unwrap())
		}
	}
	walk(err)
	return kinds
}
