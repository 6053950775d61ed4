package link

import (
	"errors"
	"fmt"
	"testing"

	"github.com/neostellar/tracker/pkg/core"
	"github.com/stretchr/testify/assert"
)

func TestIsRejected(t *testing.T) {
	err := fmt.Errorf("sending: %w", &RejectedError{Command: core.CommandArm, Reason: "denied"})

	reason, ok := IsRejected(err)
	assert.True(t, ok)
	assert.Equal(t, "denied", reason)
	assert.Equal(t, "sending: arm rejected: denied", err.Error())

	_, ok = IsRejected(errors.New("boom"))
	assert.False(t, ok)

	_, ok = IsRejected(ErrAckTimeout)
	assert.False(t, ok)
}
