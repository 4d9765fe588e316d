package domain

import (
	"fmt"

	"github.com/smallbiznis/fiscal/internal/fiscalerr"
)

// LineError reports the first invalid line, 1-based.
func LineError(position int, err error) *fiscalerr.Error {
	return fiscalerr.Wrap(fiscalerr.KindValidationFailed, fmt.Sprintf("line %d: %s", position, err.Error()), err)
}
