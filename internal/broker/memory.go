package broker

import "context"

// Memory delivers every message in-process, synchronously.
type Memory struct {
	deliver DeliverFunc
}

func NewMemory(deliver DeliverFunc) *Memory {
	return &Memory{deliver: deliver}
}

func (m *Memory) Publish(_ context.Context, msg Message) error {
	m.deliver(msg)
	return nil
}

func (m *Memory) Close() error {
	return nil
}
