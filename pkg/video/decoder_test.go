package video

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeJPEGRejectsEmptyInput(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)
	defer d.Close()

	_, err = d.DecodeJPEG(nil, 80)
	assert.Error(t, err)
}

func TestDecodeJPEGGarbageYieldsNoPicture(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)
	defer d.Close()

	_, err = d.DecodeJPEG([]byte{0x00, 0x00, 0x00, 0x01, 0x09, 0xf0}, 80)
	assert.Error(t, err, "an access unit delimiter alone carries no picture")
}

func TestDecodeAfterClose(t *testing.T) {
	d, err := NewDecoder()
	require.NoError(t, err)
	d.Close()

	_, err = d.DecodeJPEG([]byte{0x00}, 80)
	assert.Error(t, err)
}
