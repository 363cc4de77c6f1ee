package net

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpointBareTopicIsLocal(t *testing.T) {
	e, err := ParseEndpoint("camera")
	require.NoError(t, err)
	assert.Equal(t, Local, e.Kind)
	assert.Equal(t, "camera", e.Topic)
	assert.True(t, e.IsLocal())
	assert.Equal(t, "horus.local.camera", e.Subject())
}

func TestParseEndpointHostOnly(t *testing.T) {
	e, err := ParseEndpoint("camera@192.168.1.5")
	require.NoError(t, err)
	assert.Equal(t, Host, e.Kind)
	assert.Equal(t, "192.168.1.5", e.Host)
	assert.Equal(t, 0, e.Port)
	assert.False(t, e.IsLocal())
	assert.Equal(t, "horus.host.192_168_1_5.camera", e.Subject())
}

func TestParseEndpointHostAndPort(t *testing.T) {
	e, err := ParseEndpoint("camera@192.168.1.5:9000")
	require.NoError(t, err)
	assert.Equal(t, Host, e.Kind)
	assert.Equal(t, "192.168.1.5", e.Host)
	assert.Equal(t, 9000, e.Port)
	assert.Equal(t, "horus.host.192_168_1_5.9000.camera", e.Subject())
}

func TestParseEndpointMulticast(t *testing.T) {
	e, err := ParseEndpoint("camera@*")
	require.NoError(t, err)
	assert.Equal(t, Multicast, e.Kind)
	assert.Equal(t, "horus.mcast.camera", e.Subject())
}

func TestParseEndpointLocalhostIsLocal(t *testing.T) {
	e, err := ParseEndpoint("camera@localhost")
	require.NoError(t, err)
	assert.Equal(t, Local, e.Kind)
	assert.True(t, e.IsLocal())

	e, err = ParseEndpoint("camera@127.0.0.1")
	require.NoError(t, err)
	assert.Equal(t, Local, e.Kind)
}

func TestParseEndpointRejectsEmptyAddress(t *testing.T) {
	_, err := ParseEndpoint("")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestParseEndpointRejectsMissingTopic(t *testing.T) {
	_, err := ParseEndpoint("@host")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestParseEndpointRejectsOverflowingPort(t *testing.T) {
	_, err := ParseEndpoint("camera@host:99999999999999999999")
	assert.ErrorIs(t, err, ErrInvalidEndpoint)
}

func TestParseEndpointHostWithoutPortDigitsKeepsWholeSuffixAsHost(t *testing.T) {
	e, err := ParseEndpoint("camera@host:notaport")
	require.NoError(t, err)
	assert.Equal(t, Host, e.Kind)
	assert.Equal(t, "host:notaport", e.Host)
	assert.Equal(t, 0, e.Port)
}
