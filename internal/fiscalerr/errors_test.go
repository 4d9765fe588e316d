package fiscalerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("issue invoice: %w", Validation("missing exemption reason"))

	assert.True(t, errors.Is(err, ErrValidationFailed))
	assert.False(t, errors.Is(err, ErrAlreadyIssued))
	assert.Equal(t, KindValidationFailed, KindOf(err))
}

func TestAsWrapsForeignErrors(t *testing.T) {
	cause := errors.New("connection reset")
	fe := As(cause)

	assert.Equal(t, KindInternal, fe.Kind)
	assert.ErrorIs(t, fe, cause)
}

func TestWithStageKeepsFirstStage(t *testing.T) {
	err := WithStage(New(KindProviderRequestFailed, "create rejected"), "creating")
	err = WithStage(err, "finalizing")

	assert.Equal(t, "creating", As(err).Stage)
}

func TestAlreadyIssuedCarriesReference(t *testing.T) {
	err := AlreadyIssued("501", "FT 501")

	assert.ErrorIs(t, err, ErrAlreadyIssued)
	assert.Equal(t, "FT 501", err.Reference)
	assert.Contains(t, err.Error(), "already_issued")
}
