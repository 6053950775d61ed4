package session

import (
	"testing"

	"github.com/google/uuid"
	"github.com/neostellar/tracker/internal/flight"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestContext_Attrs(t *testing.T) {
	c := NewContext()
	_, err := uuid.Parse(c.ID())
	require.NoError(t, err)

	attrs := c.Attrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, "session", attrs[0].Key)
	assert.Equal(t, c.ID(), attrs[0].Value.String())
	assert.Equal(t, "grounded", attrs[1].Value.String())

	c.SetState(flight.Airborne)
	c.SetVehicles(1, 2)
	attrs = c.Attrs()
	require.Len(t, attrs, 4)
	assert.Equal(t, "airborne", attrs[1].Value.String())
	assert.Equal(t, int64(1), attrs[2].Value.Int64())
	assert.Equal(t, int64(2), attrs[3].Value.Int64())

	main, target, ok := c.Vehicles()
	assert.True(t, ok)
	assert.EqualValues(t, 1, main)
	assert.EqualValues(t, 2, target)
}

func TestContext_UniqueIDs(t *testing.T) {
	assert.NotEqual(t, NewContext().ID(), NewContext().ID())
}
