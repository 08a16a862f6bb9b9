package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *Error
		contains []string
	}{
		{
			name:     "unresolved import",
			err:      UnresolvedImport("env", "missing"),
			contains: []string{"[load]", "missing_import", "env.missing"},
		},
		{
			name: "minimal error",
			err: &Error{
				Phase: PhaseResolve,
				Kind:  KindNotFound,
			},
			contains: []string{"[resolve]", "not_found"},
		},
		{
			name: "path and detail",
			err: &Error{
				Phase:  PhaseCompile,
				Kind:   KindLimitExceeded,
				Path:   []string{"memory", "max"},
				Detail: "too many pages",
			},
			contains: []string{"[compile]", "limit_exceeded", "memory.max", "too many pages"},
		},
		{
			name: "error with cause",
			err: &Error{
				Phase:  PhaseLoad,
				Kind:   KindMalformed,
				Detail: "bad magic",
				Cause:  errors.New("underlying error"),
			},
			contains: []string{"[load]", "malformed", "bad magic", "caused by", "underlying error"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			for _, s := range tt.contains {
				assert.Contains(t, msg, s)
			}
		})
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := Malformed("decode", cause)

	assert.ErrorIs(t, err, cause)
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestError_Is(t *testing.T) {
	err := UnresolvedImport("env", "missing")

	assert.ErrorIs(t, err, ErrUnresolvedImport)
	assert.NotErrorIs(t, err, ErrMalformed)
	assert.NotErrorIs(t, err, ErrUnknownExport)

	wrapped := fmt.Errorf("load contract: %w", err)
	assert.ErrorIs(t, wrapped, ErrUnresolvedImport)

	var e *Error
	require.ErrorAs(t, wrapped, &e)
	assert.Equal(t, "env", e.Module)
	assert.Equal(t, "missing", e.Name)
}

func TestSentinelsDistinguishPhase(t *testing.T) {
	// same kind, different phase
	assert.NotErrorIs(t, NotFound("a.xvm", nil), ErrUnknownExport)
	assert.ErrorIs(t, UnknownExport("run"), ErrUnknownExport)
	assert.ErrorIs(t, NotFound("a.xvm", nil), ErrNotFound)
}

func TestBuilder(t *testing.T) {
	cause := errors.New("io")
	err := New(PhaseLoad, KindMalformed).
		Path("meta", "version").
		Import("env", "x").
		Value(7).
		Cause(cause).
		Detail("version %d", 7).
		Build()

	assert.Equal(t, PhaseLoad, err.Phase)
	assert.Equal(t, KindMalformed, err.Kind)
	assert.Equal(t, []string{"meta", "version"}, err.Path)
	assert.Equal(t, 7, err.Value)
	assert.Equal(t, "version 7", err.Detail)
	assert.ErrorIs(t, err, cause)
	// import location wins over path in the message
	assert.Contains(t, err.Error(), "at env.x")
}

func TestBuilder_DetailWithoutArgs(t *testing.T) {
	err := New(PhaseHost, KindUnsupported).Detail("100%% literal").Build()
	assert.Equal(t, "100%% literal", err.Detail)

	err = New(PhaseHost, KindUnsupported).Detail("%s", "100% literal").Build()
	assert.Equal(t, "100% literal", err.Detail)
}

func TestPhasePredicates(t *testing.T) {
	assert.True(t, IsLoadError(UnresolvedImport("env", "f")))
	assert.True(t, IsLoadError(fmt.Errorf("wrap: %w", Malformed("x", nil))))
	assert.False(t, IsLoadError(TypeMismatch("add", "want 2 params")))
	assert.True(t, IsResolutionError(TypeMismatch("add", "want 2 params")))
	assert.False(t, IsResolutionError(errors.New("plain")))
}

func TestConstructors(t *testing.T) {
	tests := []struct {
		err   *Error
		phase Phase
		kind  Kind
	}{
		{LimitExceeded("functions", 10, 5), PhaseCompile, KindLimitExceeded},
		{Unsupported(PhaseLoad, "multi-value host results"), PhaseLoad, KindUnsupported},
		{Released("code"), PhaseRuntime, KindReleased},
		{NotInitialized(PhaseRuntime, "context"), PhaseRuntime, KindNotInitialized},
		{InvalidInput(PhaseConfig, "bad"), PhaseConfig, KindInvalidInput},
		{Instantiation(errors.New("x")), PhaseRuntime, KindInstantiation},
		{SignatureMismatch("env", "f", "arity"), PhaseLoad, KindSignatureMismatch},
		{Wrap(PhaseCache, KindIO, errors.New("disk"), "write"), PhaseCache, KindIO},
	}
	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.phase, tt.err.Phase)
			assert.Equal(t, tt.kind, tt.err.Kind)
			assert.NotEmpty(t, tt.err.Error())
		})
	}
}
