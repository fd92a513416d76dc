package eventbus

import (
	"context"
	"fmt"

	"github.com/mustafaturan/bus/v3"
	"github.com/mustafaturan/monoton/v2"
	"github.com/mustafaturan/monoton/v2/sequencer"
)

const (
	TopicLocationUpdate string = "location.update"
)

// 2020-01-01T00:00:00Z in milliseconds
const initialTime uint64 = 1577836800000

// New returns a bus with every topic of this package registered. node must be
// unique per process sharing event ids.
func New(node uint64) (*bus.Bus, error) {
	m, err := monoton.New(sequencer.NewMillisecond(), node, initialTime)
	if err != nil {
		return nil, fmt.Errorf("eventbus: id generator: %w", err)
	}
	var next bus.Next = m.Next
	b, err := bus.NewBus(next)
	if err != nil {
		return nil, fmt.Errorf("eventbus: %w", err)
	}
	b.RegisterTopics(TopicLocationUpdate)
	return b, nil
}

// Publisher is the emitting half of the bus.
type Publisher interface {
	Emit(ctx context.Context, topic string, data interface{}) error
}
