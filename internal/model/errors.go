// Package model holds the bus-level type system shared by master, agent and
// client: the typed error taxonomy, identifier validation, and the
// declarative class/interface registry that binds container kinds to bus
// methods and properties.
package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Kind is one of the typed error kinds from spec.md §7. Unlike a plain
// sentinel error, a Kind travels across the bus as a string so a remote peer
// can recover it with errors.As without sharing Go error values.
type Kind string

const (
	PermissionDenied    Kind = "PERMISSION_DENIED"
	NameUnknown         Kind = "NAME_UNKNOWN"
	NameExists          Kind = "NAME_EXISTS"
	NameInvalid         Kind = "NAME_INVALID"
	NotCompatible       Kind = "NOT_COMPATIBLE"
	InUse               Kind = "IN_USE"
	BadSize             Kind = "BAD_SIZE"
	InvalidArgs         Kind = "INVALID_ARGS"
	MethodNotSupported  Kind = "METHOD_NOT_SUPPORTED"
	MethodCallTimedOut  Kind = "METHOD_CALL_TIMED_OUT"
	AgentOffline        Kind = "AGENT_OFFLINE"
	PropertyNotPresent  Kind = "PROPERTY_NOT_PRESENT"
)

// Error is the typed error carried over the bus for every failed call. Op
// names the failing operation (e.g. "Host.run") for logging; Path is the
// object path involved, when there is one.
type Error struct {
	Kind Kind
	Op   string
	Path string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		fmt.Fprintf(&b, " in %s", e.Op)
	}
	if e.Path != "" {
		fmt.Fprintf(&b, " (%s)", e.Path)
	}
	if e.Msg != "" {
		fmt.Fprintf(&b, ": %s", e.Msg)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is(err, &Error{Kind: NameExists}) match any Error sharing
// the same Kind, regardless of Op/Path/Msg.
func (e *Error) Is(target error) bool {
	var te *Error
	if !errors.As(target, &te) {
		return false
	}
	return e.Kind == te.Kind
}

// Errorf builds a typed Error, matching the fmt.Errorf wrapping idiom used
// throughout the teacher codebase for the message portion.
func Errorf(kind Kind, op string, path string, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a Kind to an existing error without discarding it.
func Wrap(kind Kind, op string, path string, err error) *Error {
	return &Error{Kind: kind, Op: op, Path: path, Err: err}
}

// KindOf extracts the Kind of err, if any, defaulting to "" (unknown/internal).
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const reservedEnvPrefix = "testbus_"

// ValidateIdentifier enforces the [A-Za-z_][A-Za-z0-9_]* rule from spec.md §4.1/§7.
func ValidateIdentifier(op, name string) error {
	if !identifierRE.MatchString(name) {
		return Errorf(NameInvalid, op, "", "identifier %q must match [A-Za-z_][A-Za-z0-9_]*", name)
	}
	return nil
}

// ValidatePublicEnvName additionally rejects the testbus_ reserved prefix
// that the execution pipeline uses internally (spec.md §4.1).
func ValidatePublicEnvName(op, name string) error {
	if err := ValidateIdentifier(op, name); err != nil {
		return err
	}
	if strings.HasPrefix(name, reservedEnvPrefix) {
		return Errorf(NameInvalid, op, "", "%q uses the reserved %q prefix", name, reservedEnvPrefix)
	}
	return nil
}

// ReservedEnvPrefix returns the prefix the execution pipeline rewrites every
// user-visible environment variable with before exec (spec.md §4.1).
func ReservedEnvPrefix() string { return reservedEnvPrefix }
