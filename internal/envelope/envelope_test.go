package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAndValidate(t *testing.T) {
	e, err := New("node-a", "node-b", "session_response", "up-1", "down-1", map[string]string{"response": "hi"})
	require.NoError(t, err)
	require.NoError(t, e.Validate())
	assert.NotEmpty(t, e.EventID)
	assert.Equal(t, "node-a", e.SourceID)
}

func TestValidateMissingFields(t *testing.T) {
	e := &Envelope{}
	var verr *ValidationError
	err := e.Validate()
	require.Error(t, err)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "event_id", verr.Field)
}

func TestCloneIsIndependent(t *testing.T) {
	e, err := New("a", "b", "node_message", "u", "d", map[string]string{"message": "x"})
	require.NoError(t, err)

	clone := e.Clone()
	clone.Payload[0] = 'X'

	assert.NotEqual(t, string(e.Payload), string(clone.Payload))
}

func TestToJSONFromJSONRoundTrip(t *testing.T) {
	e, err := New("a", "b", "session_start", "u", "d", map[string]string{})
	require.NoError(t, err)

	data, err := e.ToJSON()
	require.NoError(t, err)

	parsed, err := FromJSON(data)
	require.NoError(t, err)
	assert.Equal(t, e.EventID, parsed.EventID)
	assert.Equal(t, e.EventType, parsed.EventType)
}

func TestTopic(t *testing.T) {
	assert.Equal(t, "mesh-1#node-a", Topic("mesh-1", "node-a"))
}
