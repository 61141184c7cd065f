package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
)

func TestErrors_ErrorMethod(t *testing.T) {
	errs := []error{
		&TableAlreadyExistsError{Name: "t1"},
		&TableNotFoundError{Name: "t1"},
		&TwoPrimarykeysError{Total: 2},
		&PrimarykeyNotDefinedError{TableName: "t1"},
		&DuplicateKeyError{Key: "k1"},
		&IndexNotFoundError{Name: "i1"},
		&InvalidKeyTypeError{Name: "i1", TypeName: "int"},
		&SourceError{Err: fmt.Errorf("disk gone")},
		&HandlerError{Err: fmt.Errorf("index full")},
		&AllocationError{Op: "Next", State: "closed"},
		&InvariantViolation{What: "history not LSN-descending"},
	}

	for _, e := range errs {
		if e.Error() == "" {
			t.Errorf("Error() returned empty string for %T", e)
		}
	}
}

func TestErrors_Unwrap(t *testing.T) {
	cause := fmt.Errorf("short read")

	var src error = &SourceError{Err: cause}
	if !stderrors.Is(src, cause) {
		t.Error("SourceError should unwrap to its cause")
	}

	var hnd error = &HandlerError{Err: cause}
	if !stderrors.Is(hnd, cause) {
		t.Error("HandlerError should unwrap to its cause")
	}
}
