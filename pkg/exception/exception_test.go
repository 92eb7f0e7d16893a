package exception

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/yanun0323/errors"
)

func TestWrappedSentinelsMatch(t *testing.T) {
	sentinels := []error{
		ErrOrderRejected, ErrUnknownOrder, ErrConnection, ErrMailboxFull,
		ErrRiskRejected, ErrStaleData, ErrInvalidArgument,
	}
	for _, target := range sentinels {
		t.Run(target.Error(), func(t *testing.T) {
			wrapped := errors.Wrap(target, "venue said no")
			assert.ErrorIs(t, wrapped, target)
			assert.ErrorIs(t, errors.Wrapf(wrapped, "place %s", "c-1"), target)
			assert.ErrorIs(t, errors.Errorf("cancel: %w", target), target)
			assert.ErrorIs(t, fmt.Errorf("outer: %w", wrapped), target)
		})
	}
}

func TestWrappedSentinelsStayDistinct(t *testing.T) {
	err := errors.Wrap(ErrOrderRejected, "insufficient margin")
	assert.False(t, stderrors.Is(err, ErrConnection))
	assert.False(t, stderrors.Is(err, ErrUnknownOrder))
}
