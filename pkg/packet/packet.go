package packet

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cellguard/cellguard/pkg/ari"
	"github.com/cellguard/cellguard/pkg/qmi"
)

// Protocol tags the wire format of a captured buffer
type Protocol string

const (
	ProtocolQMI Protocol = "qmi"
	ProtocolARI Protocol = "ari"
)

// Direction of a captured packet relative to the host
type Direction string

const (
	Ingoing  Direction = "ingoing"
	Outgoing Direction = "outgoing"
)

var (
	ErrUnknownProtocol  = errors.New("packet: unknown protocol")
	ErrUnknownDirection = errors.New("packet: unknown direction")
)

// ParseProtocol accepts "qmi" or "ari" in any case
func ParseProtocol(s string) (Protocol, error) {
	switch Protocol(strings.ToLower(strings.TrimSpace(s))) {
	case ProtocolQMI:
		return ProtocolQMI, nil
	case ProtocolARI:
		return ProtocolARI, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownProtocol, s)
}

// ParseDirection accepts "ingoing"/"in" or "outgoing"/"out" in any case
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ingoing", "in", "incoming":
		return Ingoing, nil
	case "outgoing", "out":
		return Outgoing, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownDirection, s)
}

// Raw is a captured buffer as delivered by the capture layer
type Raw struct {
	Protocol  Protocol
	Direction Direction
	Data      []byte
	Collected time.Time
}

// Packet is a decoded packet of either protocol. Exactly one of the two
// payloads is set, selected by Protocol.
type Packet struct {
	Protocol  Protocol
	Direction Direction
	Collected time.Time

	qmi *qmi.Packet
	ari *ari.Packet
}

// Decode dispatches on the raw protocol tag
func Decode(raw Raw) (*Packet, error) {
	p := &Packet{Protocol: raw.Protocol, Direction: raw.Direction, Collected: raw.Collected}

	switch raw.Protocol {
	case ProtocolQMI:
		q, err := qmi.Decode(raw.Data)
		if err != nil {
			return nil, err
		}
		p.qmi = q
	case ProtocolARI:
		a, err := ari.Decode(raw.Data)
		if err != nil {
			return nil, err
		}
		p.ari = a
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProtocol, raw.Protocol)
	}

	return p, nil
}

// FromQMI wraps an already decoded QMI packet
func FromQMI(q *qmi.Packet, dir Direction, collected time.Time) *Packet {
	return &Packet{Protocol: ProtocolQMI, Direction: dir, Collected: collected, qmi: q}
}

// FromARI wraps an already decoded ARI packet
func FromARI(a *ari.Packet, dir Direction, collected time.Time) *Packet {
	return &Packet{Protocol: ProtocolARI, Direction: dir, Collected: collected, ari: a}
}

// QMI returns the QMI payload if this is a QMI packet
func (p *Packet) QMI() (*qmi.Packet, bool) {
	return p.qmi, p.qmi != nil
}

// ARI returns the ARI payload if this is an ARI packet
func (p *Packet) ARI() (*ari.Packet, bool) {
	return p.ari, p.ari != nil
}

// Encode re-serializes the payload
func (p *Packet) Encode() ([]byte, error) {
	switch {
	case p.qmi != nil:
		return p.qmi.Encode()
	case p.ari != nil:
		return p.ari.Encode()
	}
	return nil, fmt.Errorf("%w: empty packet", ErrUnknownProtocol)
}

// Summary is a short human readable identification used in logs and the CLI
func (p *Packet) Summary() string {
	switch {
	case p.qmi != nil:
		return fmt.Sprintf("QMI service=0x%02x message=0x%04x indication=%t attributes=%d",
			p.qmi.QMUX.ServiceID, p.qmi.Message.MessageID, p.qmi.Transaction.Indication, len(p.qmi.Attributes))
	case p.ari != nil:
		return fmt.Sprintf("ARI group=%d type=%d sequence=%d attributes=%d",
			p.ari.Header.Group, p.ari.Header.Type, p.ari.Header.Sequence, len(p.ari.Attributes))
	}
	return "empty packet"
}
