package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestEventConstructors(t *testing.T) {
	started := NewStartedEvent("gpt", "GPT-4o")
	assert.Equal(t, EventStarted, started.Type)
	assert.Equal(t, "GPT-4o", started.ProducerName)
	assert.False(t, started.IsTerminal())
	assert.False(t, started.Timestamp.IsZero())

	item := NewItemEvent("gpt", ocean)
	assert.Equal(t, ocean, item.Palette)

	completed := NewCompletedEvent("gpt", 3, 2*time.Second)
	assert.True(t, completed.IsTerminal())
	assert.Equal(t, 3, completed.ItemCount)
	assert.Empty(t, completed.ErrorMessage())

	failed := NewFailedEvent("gpt", errors.New("boom"))
	assert.True(t, failed.IsTerminal())
	assert.Equal(t, "boom", failed.ErrorMessage())

	done := NewDoneEvent(nil)
	assert.NotNil(t, done.Results)
	assert.False(t, done.IsTerminal())

	sess := NewSessionEvent("s1", 4)
	assert.Equal(t, "s1", sess.SessionID)
	assert.Equal(t, 4, sess.Version)
}

func TestNewID(t *testing.T) {
	a, b := NewID(), NewID()
	assert.Len(t, a, 36)
	assert.NotEqual(t, a, b)
}
