package errs

import (
	"fmt"

	pkgerr "github.com/pkg/errors"
)

const serverInternalError = 500

// ErrPanic converts a recovered panic value into a coded error with a stack.
func ErrPanic(r any) error {
	if r == nil {
		return nil
	}
	err := CodeError{
		Code:   serverInternalError,
		Kind:   Kind("INTERNAL"),
		Msg:    "internal panic",
		Detail: fmt.Sprint(r),
	}
	return pkgerr.WithStack(err)
}
