package console

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/carfigures/carfigures"
	"github.com/carfigures/carfigures/spawn"
	"github.com/carfigures/carfigures/structs"
	"github.com/pkg/errors"
)

const (
	// historySize is the number of messages kept per channel and replayed
	// to members joining it.
	historySize = 32
)

var (
	ErrNoSuchChannel = errors.New("no such channel")
)

// history is a ring buffer of channel messages.
type history struct {
	messages [][]byte
	start    int
	count    int
}

func (h *history) push(msg []byte) {
	if h.messages == nil {
		h.messages = make([][]byte, historySize)
	}
	msgCopy := make([]byte, len(msg))
	copy(msgCopy, msg)

	idx := (h.start + h.count) % historySize
	if h.count < historySize {
		h.messages[idx] = msgCopy
		h.count++
	} else {
		h.messages[h.start] = msgCopy
		h.start = (h.start + 1) % historySize
	}
}

func (h *history) all() [][]byte {
	if h.count == 0 {
		return nil
	}
	result := make([][]byte, h.count)
	for i := 0; i < h.count; i++ {
		result[i] = h.messages[(h.start+i)%historySize]
	}
	return result
}

// Hub connects console sessions to named channels. It is the delivery sink
// for spawned instances.
type Hub struct {
	appearance structs.Appearance

	mu       sync.RWMutex
	members  map[string]map[io.Writer]struct{}
	buffers  map[string]*history
	channels []string
}

// NewHub creates a hub with the given channels. Channels can't be added
// later.
func NewHub(appearance structs.Appearance, channels ...string) *Hub {
	h := &Hub{
		appearance: appearance,
		members:    map[string]map[io.Writer]struct{}{},
		buffers:    map[string]*history{},
	}
	seen := map[string]bool{}
	for _, channel := range channels {
		if channel != "" && !seen[channel] {
			seen[channel] = true
			h.channels = append(h.channels, channel)
			h.buffers[channel] = &history{}
		}
	}
	sort.Strings(h.channels)
	return h
}

func (h *Hub) Channels() []string {
	return append([]string{}, h.channels...)
}

func (h *Hub) Known(channel string) bool {
	_, found := h.buffers[channel]
	return found
}

// Default returns the channel new sessions join.
func (h *Hub) Default() string {
	if len(h.channels) == 0 {
		return ""
	}
	return h.channels[0]
}

// Attach makes w receive everything written to channel.
func (h *Hub) Attach(channel string, w io.Writer) error {
	if !h.Known(channel) {
		return errors.Wrap(ErrNoSuchChannel, channel)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.members[channel] == nil {
		h.members[channel] = map[io.Writer]struct{}{}
	}
	h.members[channel][w] = struct{}{}
	return nil
}

func (h *Hub) Detach(channel string, w io.Writer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members := h.members[channel]; members != nil {
		delete(members, w)
		if len(members) == 0 {
			delete(h.members, channel)
		}
	}
}

// Members returns the number of writers attached to channel.
func (h *Hub) Members(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.members[channel])
}

// History returns the buffered messages of channel, oldest first.
func (h *Hub) History(channel string) [][]byte {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if buf := h.buffers[channel]; buf != nil {
		return buf.all()
	}
	return nil
}

// Broadcast writes b to every member of channel and buffers it. Members
// failing the write are detached.
func (h *Hub) Broadcast(channel string, b []byte) error {
	if !h.Known(channel) {
		return errors.Wrap(ErrNoSuchChannel, channel)
	}
	h.mu.Lock()
	h.buffers[channel].push(b)
	list := make([]io.Writer, 0, len(h.members[channel]))
	for w := range h.members[channel] {
		list = append(list, w)
	}
	h.mu.Unlock()

	for _, w := range list {
		if _, err := w.Write(b); err != nil {
			h.Detach(channel, w)
		}
	}
	return nil
}

// Say broadcasts a chat line from a member.
func (h *Hub) Say(channel, from, text string) error {
	return h.Broadcast(channel, []byte(fmt.Sprintf("[#%s] %s: %s\n", channel, from, text)))
}

// Deliver announces instance in its channel.
func (h *Hub) Deliver(ctx context.Context, instance *spawn.Instance) error {
	msg := fmt.Sprintf("[#%s] A wild %s appeared! %s\n", instance.Channel, h.appearance.CollectibleSingular, describe(instance))
	return carfigures.WithStack(h.Broadcast(instance.Channel, []byte(msg)))
}

func describe(instance *spawn.Instance) string {
	name := instance.Car.FullName
	if instance.Car.Emoji != "" {
		name = instance.Car.Emoji + " " + name
	}
	return fmt.Sprintf("%s (%s)", name, instance.ID)
}
