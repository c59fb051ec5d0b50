package crc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChecksumCompleteCommand(t *testing.T) {
	// Body of the Katapult COMPLETE command.
	assert.EqualValues(t, 0x1b91, Checksum([]byte{0x15, 0x00}))
}

func TestUpdateSingle(t *testing.T) {
	crc := Initial
	crc.Update(0x15)
	assert.EqualValues(t, 0x48ab, crc)
	crc.Update(0x00)
	assert.EqualValues(t, 0x1b91, crc)
}

func TestChecksumEmpty(t *testing.T) {
	assert.Equal(t, Initial, Checksum(nil))
}
