package stream

import (
	"sync"

	"github.com/conversate/conversate/ai-server/pkg/models"
)

// DefaultBufferSize is how many recent messages a channel keeps locally.
const DefaultBufferSize = 50

// MessageBuffer is a thread-safe ring buffer of the most recent messages
// of one channel, oldest first.
type MessageBuffer struct {
	mu       sync.RWMutex
	messages []models.Message
	max      int
}

// NewMessageBuffer creates a buffer that retains up to max messages.
func NewMessageBuffer(max int) *MessageBuffer {
	if max <= 0 {
		max = DefaultBufferSize
	}
	return &MessageBuffer{
		messages: make([]models.Message, 0, max),
		max:      max,
	}
}

// Append adds msg, or replaces the message with the same id in place.
func (b *MessageBuffer) Append(msg models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexLocked(msg.ID); i >= 0 {
		b.messages[i] = msg
		return
	}
	if len(b.messages) >= b.max {
		// Drop oldest
		b.messages = b.messages[1:]
	}
	b.messages = append(b.messages, msg)
}

// Reset replaces the contents, keeping only the newest max messages.
func (b *MessageBuffer) Reset(msgs []models.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(msgs) > b.max {
		msgs = msgs[len(msgs)-b.max:]
	}
	b.messages = append(b.messages[:0], msgs...)
}

// SetText updates a cached message's text and clears its generating flag.
func (b *MessageBuffer) SetText(id, text string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexLocked(id); i >= 0 {
		b.messages[i].Text = text
		b.messages[i].Generating = false
	}
}

// Delete drops a message.
func (b *MessageBuffer) Delete(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if i := b.indexLocked(id); i >= 0 {
		b.messages = append(b.messages[:i], b.messages[i+1:]...)
	}
}

// Recent returns the last n messages, oldest first.
func (b *MessageBuffer) Recent(n int) []models.Message {
	b.mu.RLock()
	defer b.mu.RUnlock()

	total := len(b.messages)
	if n <= 0 || n > total {
		n = total
	}
	result := make([]models.Message, n)
	copy(result, b.messages[total-n:])
	return result
}

// Len returns the number of cached messages.
func (b *MessageBuffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.messages)
}

func (b *MessageBuffer) indexLocked(id string) int {
	if id == "" {
		return -1
	}
	for i := len(b.messages) - 1; i >= 0; i-- {
		if b.messages[i].ID == id {
			return i
		}
	}
	return -1
}
