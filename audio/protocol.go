// Package audio implements a small audio device protocol on top of the split
// virtqueue transport. Queue 0 carries fixed size commands, every further
// queue carries the raw samples of one stream.
package audio

import (
	"encoding/binary"
	"fmt"
)

// Command is a control queue command.
type Command uint32

const (
	CommandSetEndian    Command = 1
	CommandSetChannels  Command = 2
	CommandSetFormat    Command = 3
	CommandSetFrequency Command = 4
	CommandInit         Command = 5
	CommandRun          Command = 6
	CommandStop         Command = 7
)

func (c Command) String() string {
	switch c {
	case CommandSetEndian:
		return "set_endian"
	case CommandSetChannels:
		return "set_channels"
	case CommandSetFormat:
		return "set_format"
	case CommandSetFrequency:
		return "set_frequency"
	case CommandInit:
		return "init"
	case CommandRun:
		return "run"
	case CommandStop:
		return "stop"
	}
	return fmt.Sprintf("Command(%d)", uint32(c))
}

// ControlQueue is the queue commands are sent on.
const ControlQueue uint16 = 0

// DataQueue returns the queue carrying the samples of a stream.
func DataQueue(stream uint32) uint16 {
	return uint16(stream + 1)
}

// MessageSize is the wire size of a [Message].
const MessageSize = 12

// Message is one command as sent on the control queue.
type Message struct {
	Command Command
	Stream  uint32
	Arg     uint32
}

func (m Message) MarshalBinary() ([]byte, error) {
	b := make([]byte, MessageSize)
	binary.LittleEndian.PutUint32(b[0:], uint32(m.Command))
	binary.LittleEndian.PutUint32(b[4:], m.Stream)
	binary.LittleEndian.PutUint32(b[8:], m.Arg)
	return b, nil
}

func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < MessageSize {
		return fmt.Errorf("command of %d bytes is shorter than %d", len(b), MessageSize)
	}
	m.Command = Command(binary.LittleEndian.Uint32(b[0:]))
	m.Stream = binary.LittleEndian.Uint32(b[4:])
	m.Arg = binary.LittleEndian.Uint32(b[8:])
	return nil
}

// Endianness of samples, the argument of [CommandSetEndian].
const (
	LittleEndian uint32 = 0
	BigEndian    uint32 = 1
)
