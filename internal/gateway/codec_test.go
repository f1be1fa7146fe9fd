package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeviceIDRoundTrip(t *testing.T) {
	assert.Equal(t, "ReturnBox1", DeviceID(1))

	id, err := BoxID("ReturnBox1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	// Firmware zero-pads single digits.
	id, err = BoxID("ReturnBox01")
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestBoxIDRejectsMalformed(t *testing.T) {
	for _, deviceID := range []string{"", "ReturnBox", "Box01", "ReturnBoxX"} {
		_, err := BoxID(deviceID)
		assert.Error(t, err, deviceID)
	}
}

func TestParseTopic(t *testing.T) {
	deviceID, channel, err := ParseTopic("ReturnBox01/Return")
	require.NoError(t, err)
	assert.Equal(t, "ReturnBox01", deviceID)
	assert.Equal(t, "Return", channel)

	_, _, err = ParseTopic("ReturnBox01")
	assert.Error(t, err)

	_, _, err = ParseTopic("Thermostat01/Return")
	assert.Error(t, err)
}

func TestDecodeTagListBareArray(t *testing.T) {
	tags, err := DecodeTagList([]byte(`["EPC1","EPC2"]`), "Return")
	require.NoError(t, err)
	assert.Equal(t, []string{"EPC1", "EPC2"}, tags)
}

func TestDecodeTagListWrappedObject(t *testing.T) {
	tags, err := DecodeTagList([]byte(`{"Return":["EPC1"]}`), "Return")
	require.NoError(t, err)
	assert.Equal(t, []string{"EPC1"}, tags)

	_, err = DecodeTagList([]byte(`{"Inventory":["EPC1"]}`), "Return")
	assert.Error(t, err)

	_, err = DecodeTagList([]byte(`not json`), "Return")
	assert.Error(t, err)
}

func TestDecodeSessionSignal(t *testing.T) {
	action, token, err := DecodeSessionSignal([]byte(`{"action":"done","token":"tok"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionDone, action)
	assert.Equal(t, "tok", token)

	action, token, err = DecodeSessionSignal([]byte(`{"action":"cancel"}`))
	require.NoError(t, err)
	assert.Equal(t, ActionCancel, action)
	assert.Empty(t, token)

	_, _, err = DecodeSessionSignal([]byte(`{"action":"open"}`))
	assert.Error(t, err)
}
