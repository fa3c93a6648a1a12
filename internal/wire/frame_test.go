package wire

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{TaskID: 7, BodySize: 5, SkillID: 1}
	buf, err := EncodeHeader(h)
	require.NoError(t, err)
	require.Len(t, buf, HeaderSize)

	got, err := DecodeHeader(buf)
	require.NoError(t, err)
	assert.Equal(t, h, got)
}

func TestWriteFrameThenReadFrame(t *testing.T) {
	var buf bytes.Buffer
	h := Header{TaskID: 42, BodySize: 5, SkillID: 1}
	require.NoError(t, WriteFrame(&buf, h, []byte("hello")))

	gotH, gotBody, err := ReadFrame(&buf, DefaultMaxBodyBytes)
	require.NoError(t, err)
	assert.Equal(t, h, gotH)
	assert.Equal(t, []byte("hello"), gotBody)
}

func TestWriteFrameZeroBodyIsLegal(t *testing.T) {
	var buf bytes.Buffer
	h := Header{TaskID: 1, BodySize: 0, SkillID: 9}
	require.NoError(t, WriteFrame(&buf, h, nil))

	gotH, gotBody, err := ReadFrame(&buf, DefaultMaxBodyBytes)
	require.NoError(t, err)
	assert.Equal(t, h, gotH)
	assert.Empty(t, gotBody)
}

func TestWriteFrameRejectsMismatchedBodySize(t *testing.T) {
	var buf bytes.Buffer
	h := Header{TaskID: 1, BodySize: 99, SkillID: 1}
	err := WriteFrame(&buf, h, []byte("short"))
	assert.Error(t, err)
}

func TestReadFrameEnforcesMaxBodyBytes(t *testing.T) {
	var buf bytes.Buffer
	h := Header{TaskID: 1, BodySize: 10, SkillID: 1}
	require.NoError(t, WriteFrame(&buf, h, make([]byte, 10)))

	_, _, err := ReadFrame(&buf, 4)
	assert.ErrorIs(t, err, ErrBodySizeTooLarge)
}

func TestTaskCloneIsDeep(t *testing.T) {
	orig := Task{TaskID: 1, SkillID: 1, Payload: []byte("hello")}
	clone := orig.Clone()
	clone.Payload[0] = 'X'
	assert.Equal(t, byte('h'), orig.Payload[0])
}

func TestTaskIsValid(t *testing.T) {
	assert.True(t, Task{TaskID: 1}.IsValid())
	assert.False(t, Task{TaskID: 0}.IsValid())
}
