package secret

import "github.com/pkg/errors"

// ErrClosed is returned by any access made after Close has run.
var ErrClosed = errors.New("secret has already been destroyed")

// ErrMemoryLimitExceeded is returned when an allocation would push the
// locked-memory budget of the protectedmemory Factory that made it (see
// protectedmemory.WithMemoryLimit) over its configured limit.
var ErrMemoryLimitExceeded = errors.New("secret: locked memory budget exceeded")
