package ari

import (
	"bytes"
	"errors"
	"fmt"
)

// Framing
const (
	HeaderSize          = 12
	AttributeHeaderSize = 4

	MaxGroup       = 1<<6 - 1
	MaxSequence    = 1<<11 - 1
	MaxLength      = 1<<15 - 1
	MaxType        = 1<<10 - 1
	MaxTransaction = 1<<15 - 1

	MaxAttributeType    = 1<<12 - 1
	MaxAttributeVersion = 1<<3 - 1
	MaxAttributeLength  = 1<<14 - 1
)

// Magic opens every packet
var Magic = []byte{0xDE, 0xC0, 0x7E, 0xAB}

// Decode errors
var (
	ErrHeaderTooShort      = errors.New("ari: header too short")
	ErrInvalidMagicBytes   = errors.New("ari: invalid magic bytes")
	ErrInvalidPacketLength = errors.New("ari: invalid packet length")
)

// Header holds the bit-packed fields of bytes 4-11
type Header struct {
	Group           uint8
	Sequence        uint16
	Length          uint16 // total packet size minus HeaderSize
	Type            uint16
	Transaction     uint16
	Acknowledgement bool
}

// Attribute is one bit-packed TLV
type Attribute struct {
	Type    uint16
	Version uint8
	Length  uint16
	Data    []byte
}

// Packet is a fully decoded ARI message
type Packet struct {
	Header     Header
	Attributes []Attribute
}

// Attribute returns the first attribute with the given type
func (p *Packet) Attribute(t uint16) (Attribute, bool) {
	for _, a := range p.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// Decode parses an ARI packet. It returns either a complete packet or an error
// wrapping one of the package's sentinel errors.
func Decode(data []byte) (*Packet, error) {
	if len(data) < HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeaderTooShort, len(data))
	}
	if !bytes.Equal(data[0:4], Magic) {
		return nil, fmt.Errorf("%w: % x", ErrInvalidMagicBytes, data[0:4])
	}

	h := decodeHeader(data)
	if int(h.Length)+HeaderSize != len(data) {
		return nil, fmt.Errorf("%w: header says %d, buffer has %d", ErrInvalidPacketLength, h.Length, len(data)-HeaderSize)
	}

	p := &Packet{Header: h}
	offset := HeaderSize
	for offset < len(data) {
		if len(data)-offset < AttributeHeaderSize {
			return nil, fmt.Errorf("%w: truncated attribute header at offset %d", ErrInvalidPacketLength, offset)
		}
		attr := decodeAttributeHeader(data[offset : offset+AttributeHeaderSize])
		end := offset + AttributeHeaderSize + int(attr.Length)
		if end > len(data) {
			return nil, fmt.Errorf("%w: attribute %d overruns packet by %d bytes", ErrInvalidPacketLength, attr.Type, end-len(data))
		}
		attr.Data = make([]byte, attr.Length)
		copy(attr.Data, data[offset+AttributeHeaderSize:end])
		p.Attributes = append(p.Attributes, attr)
		offset = end
	}

	return p, nil
}

// Fields do not respect byte boundaries. The layout was recovered from
// captured traffic and is checked against those captures in the tests.
func decodeHeader(d []byte) Header {
	return Header{
		Group:           (d[5]&0x01)<<5 | (d[4]&0xF8)>>3,
		Sequence:        uint16(d[8]&0x07)<<8 | uint16(d[6]&0x01)<<7 | uint16(d[5]&0xFE)>>1,
		Length:          uint16(d[7])<<7 | uint16(d[6]&0xFE)>>1,
		Type:            uint16(d[9])<<2 | uint16(d[8]&0xC0)>>6,
		Transaction:     uint16(d[11])<<7 | uint16(d[10]&0xFE)>>1,
		Acknowledgement: d[8]&0x08 != 0,
	}
}

func decodeAttributeHeader(d []byte) Attribute {
	return Attribute{
		Type:    uint16(d[1]&0x1F)<<7 | uint16(d[0]&0xFE)>>1,
		Version: d[1] >> 5,
		Length:  uint16(d[3])<<6 | uint16(d[2]&0xFC)>>2,
	}
}

// Encode serializes the packet. The header length is recomputed from the
// attributes.
func (p *Packet) Encode() ([]byte, error) {
	h := p.Header
	if h.Group > MaxGroup || h.Sequence > MaxSequence || h.Type > MaxType || h.Transaction > MaxTransaction {
		return nil, fmt.Errorf("ari: header field out of range: %+v", h)
	}

	body := 0
	for _, a := range p.Attributes {
		if a.Type > MaxAttributeType || a.Version > MaxAttributeVersion || len(a.Data) > MaxAttributeLength {
			return nil, fmt.Errorf("ari: attribute %d out of range", a.Type)
		}
		if a.Length != 0 && int(a.Length) != len(a.Data) {
			return nil, fmt.Errorf("%w: attribute %d declares %d bytes, has %d", ErrInvalidPacketLength, a.Type, a.Length, len(a.Data))
		}
		body += AttributeHeaderSize + len(a.Data)
	}
	if body > MaxLength {
		return nil, fmt.Errorf("%w: body of %d bytes", ErrInvalidPacketLength, body)
	}
	h.Length = uint16(body)

	data := make([]byte, HeaderSize+body)
	copy(data[0:4], Magic)
	encodeHeader(data, h)

	offset := HeaderSize
	for _, a := range p.Attributes {
		encodeAttributeHeader(data[offset:offset+AttributeHeaderSize], a.Type, a.Version, uint16(len(a.Data)))
		copy(data[offset+AttributeHeaderSize:], a.Data)
		offset += AttributeHeaderSize + len(a.Data)
	}

	return data, nil
}

func encodeHeader(d []byte, h Header) {
	var ack byte
	if h.Acknowledgement {
		ack = 1
	}
	d[4] = 0xF8 & (h.Group << 3)
	d[5] = 0xFE&byte(h.Sequence<<1) | 0x01&(h.Group>>5)
	d[6] = 0xFE&byte(h.Length<<1) | 0x01&byte(h.Sequence>>7)
	d[7] = byte(h.Length >> 7)
	d[8] = 0xC0&byte(h.Type<<6) | ack<<3 | 0x07&byte(h.Sequence>>8)
	d[9] = byte(h.Type >> 2)
	d[10] = 0xFE & byte(h.Transaction<<1)
	d[11] = byte(h.Transaction >> 7)
}

func encodeAttributeHeader(d []byte, typ uint16, version uint8, length uint16) {
	d[0] = 0xFE & byte(typ<<1)
	d[1] = version<<5 | 0x1F&byte(typ>>7)
	d[2] = 0xFC & byte(length<<2)
	d[3] = byte(length >> 6)
}
