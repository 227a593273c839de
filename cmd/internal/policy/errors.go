package policy

import "errors"

// ErrConfig is returned when a policy table fails validation.
var ErrConfig = errors.New("invalid policy config")
