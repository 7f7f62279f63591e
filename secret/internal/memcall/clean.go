package memcall

import "github.com/pkg/errors"

// Cleaner groups Free and Unlock for rollback paths.
type Cleaner interface {
	Freer
	Unlocker
}

// Clean best-effort unlocks and frees b, combining any errors encountered.
func Clean(c Cleaner, b []byte) (err error) {
	if err = c.Unlock(b); err != nil {
		err = errors.WithStack(err)
	}

	if err2 := c.Free(b); err2 != nil {
		err2 = errors.WithStack(err2)

		if err == nil {
			err = err2
		} else {
			err = errors.Wrap(err, err2.Error())
		}
	}

	return
}
