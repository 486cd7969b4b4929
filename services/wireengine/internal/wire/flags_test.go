package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPackedWordRoundTrip(t *testing.T) {
	word := PackedWord(FlagPrefix|FlagSuffix, 7)
	flags, status := UnpackWord(word)
	assert.True(t, flags.Has(FlagPrefix))
	assert.True(t, flags.Has(FlagSuffix))
	assert.False(t, flags.Has(FlagMessageData))
	assert.Equal(t, uint16(7), status)
}

func TestReservedAndStreamCodeClassification(t *testing.T) {
	assert.True(t, IsReservedCode(CodeSetupTransport))
	assert.True(t, IsReservedCode(CodePingResponse))
	assert.False(t, IsReservedCode(FirstCallId))
	assert.True(t, IsStreamCode(FirstCallId))
	assert.False(t, IsStreamCode(CodePing))
}
