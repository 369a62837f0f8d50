package spindleerrors

import (
	"testing"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	tests := map[string]struct {
		err  error
		want Kind
	}{
		"ErrFrameReservation":             {&ErrFrameReservation{}, Contention},
		"ErrResourceDuplication":          {&ErrResourceDuplication{}, Contention},
		"ErrResourceReservation":          {&ErrResourceReservation{}, Exhaustion},
		"ErrInvalidOperation":             {&ErrInvalidOperation{}, InvalidOperation},
		"ErrInvalidArgument":              {&ErrInvalidArgument{}, InvalidArgument},
		"ErrNotFound":                     {&ErrNotFound{}, NotFound},
		"ErrAlreadyExists":                {&ErrAlreadyExists{}, AlreadyExists},
		"pkg.Error => ErrFrameReservation": {errors.WithMessage(&ErrFrameReservation{}, "foo"), Contention},
		"pkg.Error => ErrNotFound":        {errors.Wrap(&ErrNotFound{}, "foo"), NotFound},
		"multierror => ErrResourceReservation": {
			multierror.Append(nil, &ErrResourceReservation{}),
			Exhaustion,
		},
		"pkg.Error": {errors.New("foo"), Unknown},
		"nil":       {nil, Unknown},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, Classify(tc.err))
		})
	}
}

func TestErrorMessages(t *testing.T) {
	tests := map[string]struct {
		err  error
		want string
	}{
		"not found with type": {
			&ErrNotFound{Type: "frame", Value: "f1"},
			`frame "f1" does not exist`,
		},
		"not found with message": {
			&ErrNotFound{Value: "f1", Message: "deleted"},
			`"f1" does not exist; deleted`,
		},
		"invalid operation": {
			&ErrInvalidOperation{Operation: "deactivate", Value: "d1", Message: "composite dependency"},
			`deactivate is not permitted on "d1"; composite dependency`,
		},
		"frame reservation": {
			&ErrFrameReservation{FrameId: "f1"},
			`frame "f1" was updated by another thread`,
		},
		"resource reservation": {
			&ErrResourceReservation{Resource: "host", Value: "h1", Message: "idle cores exhausted"},
			`unable to reserve resources on host "h1"; idle cores exhausted`,
		},
		"duplication": {
			&ErrResourceDuplication{FrameId: "f1", ProcId: "p1"},
			`frame "f1" is already bound to a proc, unable to create proc "p1"`,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, tc.want, tc.err.Error())
		})
	}
}

func TestIsContention(t *testing.T) {
	assert.True(t, IsContention(errors.WithStack(&ErrResourceDuplication{FrameId: "f"})))
	assert.False(t, IsContention(&ErrResourceReservation{}))
	assert.True(t, IsNotFound(errors.WithStack(&ErrNotFound{})))
}
