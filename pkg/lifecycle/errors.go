package lifecycle

import "errors"

func errorsAs[T error](err error, target *T) bool {
	return errors.As(err, target)
}

func errorsAsAny[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
