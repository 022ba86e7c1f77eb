package trial

import "errors"

var ErrInternal = errors.New("trial internal error")
