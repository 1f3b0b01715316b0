package redis

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseNewMessageChannel(t *testing.T) {
	mailboxID, ok := ParseNewMessageChannel("new_message:mb-1")
	assert.True(t, ok)
	assert.Equal(t, "mb-1", mailboxID)

	_, ok = ParseNewMessageChannel("new_message:")
	assert.False(t, ok)

	_, ok = ParseNewMessageChannel("directory:a@b.c")
	assert.False(t, ok)
}
