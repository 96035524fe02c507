package clip

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeadlessIsNoop(t *testing.T) {
	var b Backend = Headless{}

	items, err := b.Read()
	require.NoError(t, err)
	assert.Nil(t, items)

	require.NoError(t, b.Write([]Item{{MIME: MIMEText, Data: []byte("x")}}))
	items, err = b.Read()
	require.NoError(t, err)
	assert.Nil(t, items, "headless backend must not retain writes")

	b.Close()
	assert.Equal(t, "headless (no-op)", b.Name())
}

func TestFind(t *testing.T) {
	items := []Item{
		{MIME: MIMEText, Data: []byte("hello")},
		{MIME: MIMEPNG, Data: []byte{0x89, 'P', 'N', 'G'}},
	}

	it, ok := Find(items, MIMEPNG)
	require.True(t, ok)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, it.Data)

	_, ok = Find(items, "text/html")
	assert.False(t, ok)

	_, ok = Find(nil, MIMEText)
	assert.False(t, ok)
}
