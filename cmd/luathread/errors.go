package main

import (
	"errors"

	"github.com/srg/luathread/internal/rterr"
)

// FormatUserError renders err for a terminal user: the runtime's typed
// errors surface their Kind as a short prefix, everything else prints as-is.
func FormatUserError(err error) string {
	var rterrE *rterr.Error
	if errors.As(err, &rterrE) {
		return string(rterrE.Kind) + ": " + rterrE.Message
	}
	return err.Error()
}
