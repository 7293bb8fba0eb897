package packet

import (
	"github.com/ajitpratap0/nebula-connector/pkg/errors"
	"github.com/ajitpratap0/nebula-connector/pkg/json"
)

// Frame is one socket message carrying a batch of packets.
type Frame struct {
	P []Packet `json:"p"`
}

// EncodeFrame encodes packets as {"p":[...]}.
func EncodeFrame(packets []Packet) ([]byte, error) {
	if packets == nil {
		packets = []Packet{}
	}
	buf, err := json.MarshalToBuffer(Frame{P: packets})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeData, "failed to encode frame")
	}
	defer json.PutBuffer(buf)

	out := make([]byte, buf.Len())
	copy(out, buf.Bytes())
	return out, nil
}

// DecodeFrame decodes a socket message into its packets in order.
func DecodeFrame(data []byte) ([]Packet, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "malformed frame")
	}
	return f.P, nil
}
