// Package packet defines the wire envelope exchanged over the connector socket.
//
// A Packet is an immutable value. Build one with a Builder, or decode it from
// a Frame received on the socket:
//
//	p, err := packet.New().Method("query").Args(vars).Build()
package packet

import (
	"strings"

	"github.com/google/uuid"

	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
)

// Packet is the protocol message envelope.
type Packet struct {
	id            string
	correlationID string
	method        string
	event         string
	args          json.RawMessage
}

// wirePacket is the JSON form of a Packet.
type wirePacket struct {
	ID            string          `json:"id"`
	CorrelationID string          `json:"correlationId,omitempty"`
	Method        string          `json:"method,omitempty"`
	Event         string          `json:"event,omitempty"`
	Args          json.RawMessage `json:"args,omitempty"`
}

// NewID returns a fresh packet id.
func NewID() string {
	return uuid.NewString()
}

// ID returns the packet id.
func (p Packet) ID() string { return p.id }

// CorrelationID returns the correlation id, empty when no reply is involved.
func (p Packet) CorrelationID() string { return p.correlationID }

// Method returns the protocol command name.
func (p Packet) Method() string { return p.method }

// Event returns the notification name.
func (p Packet) Event() string { return p.event }

// Args returns a copy of the raw JSON arguments.
func (p Packet) Args() json.RawMessage {
	if p.args == nil {
		return nil
	}
	out := make(json.RawMessage, len(p.args))
	copy(out, p.args)
	return out
}

// HasArgs reports whether the packet carries arguments.
func (p Packet) HasArgs() bool {
	return len(p.args) > 0 && string(p.args) != "null"
}

// DecodeArgs unmarshals the arguments into v. Absent args leave v untouched.
func (p Packet) DecodeArgs(v interface{}) error {
	if !p.HasArgs() {
		return nil
	}
	if err := json.Unmarshal(p.args, v); err != nil {
		return errors.Wrap(err, errors.ErrorTypeData, "failed to decode packet args")
	}
	return nil
}

// IsReply reports whether the packet can only be a reply: it carries a
// correlation id but neither a method nor an event.
func (p Packet) IsReply() bool {
	return p.correlationID != "" && p.method == "" && p.event == ""
}

// WithCorrelation returns a copy of p bound to the given correlation key.
func (p Packet) WithCorrelation(key string) Packet {
	p.correlationID = key
	return p
}

// MarshalJSON implements json.Marshaler.
func (p Packet) MarshalJSON() ([]byte, error) {
	return json.Marshal(wirePacket{
		ID:            p.id,
		CorrelationID: p.correlationID,
		Method:        p.method,
		Event:         p.event,
		Args:          p.args,
	})
}

// UnmarshalJSON implements json.Unmarshaler. A packet without an id gets one.
func (p *Packet) UnmarshalJSON(data []byte) error {
	var w wirePacket
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.ID == "" {
		w.ID = NewID()
	}
	*p = Packet{
		id:            w.ID,
		correlationID: w.CorrelationID,
		method:        w.Method,
		event:         w.Event,
		args:          w.Args,
	}
	return nil
}

// Builder assembles a Packet.
type Builder struct {
	p   Packet
	err error
}

// New starts a packet builder.
func New() *Builder {
	return &Builder{}
}

// Reply starts a builder for the reply to p.
func Reply(p Packet) *Builder {
	return New().Correlation(p.CorrelationID())
}

// ID sets an explicit id.
func (b *Builder) ID(id string) *Builder {
	b.p.id = id
	return b
}

// Method sets the command name.
func (b *Builder) Method(method string) *Builder {
	b.p.method = method
	return b
}

// Event sets the notification name.
func (b *Builder) Event(event string) *Builder {
	b.p.event = event
	return b
}

// Correlation sets the correlation id.
func (b *Builder) Correlation(key string) *Builder {
	b.p.correlationID = key
	return b
}

// Args encodes v as the packet arguments.
func (b *Builder) Args(v interface{}) *Builder {
	if v == nil {
		b.p.args = nil
		return b
	}
	raw, err := json.Marshal(v)
	if err != nil {
		b.err = errors.Wrap(err, errors.ErrorTypeData, "failed to encode packet args")
		return b
	}
	b.p.args = raw
	return b
}

// RawArgs sets pre-encoded arguments.
func (b *Builder) RawArgs(raw json.RawMessage) *Builder {
	b.p.args = append(json.RawMessage(nil), raw...)
	return b
}

// Build validates and returns the packet, assigning an id if none was set.
func (b *Builder) Build() (Packet, error) {
	if b.err != nil {
		return Packet{}, b.err
	}
	if b.p.method != "" && b.p.event != "" {
		return Packet{}, errors.New(errors.ErrorTypeValidation, "packet cannot carry both method and event")
	}
	if strings.Contains(b.p.method, ".") {
		return Packet{}, errors.Newf(errors.ErrorTypeValidation, "method %q must not contain '.'", b.p.method)
	}
	p := b.p
	if p.id == "" {
		p.id = NewID()
	}
	return p, nil
}

// MustBuild is Build for packets known to be valid. It panics on error.
func (b *Builder) MustBuild() Packet {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}
