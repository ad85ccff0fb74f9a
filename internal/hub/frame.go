package hub

import (
	"bytes"
	"strconv"
	"time"
)

type frameKind int

const (
	frameEvent frameKind = iota
	frameReady
	framePing
)

// Frame is one unit written to a push connection.
type Frame struct {
	kind  frameKind
	ID    uint64
	Event string
	Data  []byte
	At    time.Time
}

// SSE renders the frame in text/event-stream form.
func (f Frame) SSE() []byte {
	var b bytes.Buffer
	switch f.kind {
	case framePing:
		b.WriteString(": ping ")
		b.WriteString(strconv.FormatInt(f.At.Unix(), 10))
		b.WriteString("\n\n")
		return b.Bytes()
	case frameEvent:
		b.WriteString("id: ")
		b.WriteString(strconv.FormatUint(f.ID, 10))
		b.WriteByte('\n')
	}
	b.WriteString("event: ")
	b.WriteString(f.Event)
	b.WriteString("\ndata: ")
	b.Write(f.Data)
	b.WriteString("\n\n")
	return b.Bytes()
}

// IsHeartbeat reports whether the frame carries no event.
func (f Frame) IsHeartbeat() bool { return f.kind == framePing }
