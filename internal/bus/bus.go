package bus

import (
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haricheung/adas-falsify/internal/types"
)

const tapBufSize = 256

// Bus is the observable progress bus. The search driver publishes on it;
// the display reads the primary tap, other observers register their own.
type Bus struct {
	mu   sync.RWMutex
	taps []chan types.Message
}

// New creates a new Bus.
func New() *Bus {
	return &Bus{
		taps: []chan types.Message{make(chan types.Message, tapBufSize)},
	}
}

// Publish fans out msg to every tap.
// Non-blocking: if a tap is full, the message is dropped with a warning.
// No-op on a nil *Bus.
func (b *Bus) Publish(msg types.Message) {
	if b == nil {
		return
	}
	b.mu.RLock()
	taps := b.taps
	b.mu.RUnlock()

	// A slow display must never stall the search.
	for _, ch := range taps {
		select {
		case ch <- msg:
		default:
			log.Printf("[BUS] WARNING: tap channel full, message dropped type=%s from=%s", msg.Type, msg.From)
		}
	}
}

// Tap returns the primary read-only channel that sees every published message.
// Only one consumer should call this; calling it multiple times returns the same channel.
func (b *Bus) Tap() <-chan types.Message {
	return b.taps[0]
}

// NewTap registers an additional tap for a second observer (e.g. the auditor).
func (b *Bus) NewTap() <-chan types.Message {
	ch := make(chan types.Message, tapBufSize)
	b.mu.Lock()
	b.taps = append(b.taps, ch)
	b.mu.Unlock()
	return ch
}

// NewMessage stamps a fresh ID and timestamp on a payload.
func NewMessage(from, to types.Role, t types.MessageType, payload any) types.Message {
	return types.Message{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		From:      from,
		To:        to,
		Type:      t,
		Payload:   payload,
	}
}
