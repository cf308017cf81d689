package qmi

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Decode errors
var (
	ErrInvalidStartByte     = errors.New("qmi: invalid start byte")
	ErrInvalidFlag          = errors.New("qmi: invalid flag")
	ErrInvalidPacketLength  = errors.New("qmi: invalid packet length")
	ErrInvalidContentLength = errors.New("qmi: invalid content length")
	ErrEmptyAttribute       = errors.New("qmi: empty attribute")
)

// QMUXHeader is the fixed 6 byte header following the start byte
type QMUXHeader struct {
	Length    uint16 // total packet size minus the start byte
	Flag      uint8
	ServiceID uint8
	ClientID  uint8
}

// TransactionHeader carries the message kind and the transaction id.
// Compound is only representable for non-control services.
type TransactionHeader struct {
	Compound      bool
	Response      bool
	Indication    bool
	TransactionID uint16
}

// MessageHeader identifies the message and the size of its attribute block
type MessageHeader struct {
	MessageID uint16
	Length    uint16
}

// Attribute is one TLV of the message body
type Attribute struct {
	Type   uint8
	Length uint16
	Data   []byte
}

// Packet is a fully decoded QMI message
type Packet struct {
	QMUX        QMUXHeader
	Transaction TransactionHeader
	Message     MessageHeader
	Attributes  []Attribute
}

// Attribute returns the first attribute with the given type
func (p *Packet) Attribute(t uint8) (Attribute, bool) {
	for _, a := range p.Attributes {
		if a.Type == t {
			return a, true
		}
	}
	return Attribute{}, false
}

// FromService reports whether the packet was sent by the baseband
func (p *Packet) FromService() bool {
	return p.QMUX.Flag == FlagFromService
}

func transactionSize(serviceID uint8) int {
	if serviceID == ServiceControl {
		return ControlTransactionSize
	}
	return ServiceTransactionSize
}

// Decode parses a QMI packet. It returns either a complete packet or an error
// wrapping one of the package's sentinel errors.
func Decode(data []byte) (*Packet, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrInvalidPacketLength)
	}
	if data[0] != StartByte {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidStartByte, data[0])
	}
	if len(data) < QMUXHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the qmux header", ErrInvalidPacketLength, len(data))
	}

	p := &Packet{}
	p.QMUX.Length = binary.LittleEndian.Uint16(data[1:3])
	p.QMUX.Flag = data[3]
	p.QMUX.ServiceID = data[4]
	p.QMUX.ClientID = data[5]

	if int(p.QMUX.Length) != len(data)-1 {
		return nil, fmt.Errorf("%w: header says %d, buffer has %d", ErrInvalidPacketLength, p.QMUX.Length, len(data)-1)
	}
	if p.QMUX.Flag != FlagFromService && p.QMUX.Flag != FlagFromControlPoint {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidFlag, p.QMUX.Flag)
	}

	offset := QMUXHeaderSize
	txSize := transactionSize(p.QMUX.ServiceID)
	if len(data) < offset+txSize+MessageHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes cannot hold transaction and message headers", ErrInvalidPacketLength, len(data))
	}

	bits := data[offset]
	if p.QMUX.ServiceID == ServiceControl {
		p.Transaction.Response = bits&controlResponseBit != 0
		p.Transaction.Indication = bits&controlIndicationBit != 0
		p.Transaction.TransactionID = uint16(data[offset+1])
	} else {
		p.Transaction.Compound = bits&serviceCompoundBit != 0
		p.Transaction.Response = bits&serviceResponseBit != 0
		p.Transaction.Indication = bits&serviceIndicationBit != 0
		p.Transaction.TransactionID = binary.LittleEndian.Uint16(data[offset+1 : offset+3])
	}
	offset += txSize

	p.Message.MessageID = binary.LittleEndian.Uint16(data[offset : offset+2])
	p.Message.Length = binary.LittleEndian.Uint16(data[offset+2 : offset+4])
	offset += MessageHeaderSize

	if int(p.Message.Length) != len(data)-offset {
		return nil, fmt.Errorf("%w: header says %d, %d bytes remain", ErrInvalidContentLength, p.Message.Length, len(data)-offset)
	}

	for offset < len(data) {
		if len(data)-offset < AttributeHeaderSize {
			return nil, fmt.Errorf("%w: truncated attribute header at offset %d", ErrInvalidContentLength, offset)
		}
		attr := Attribute{
			Type:   data[offset],
			Length: binary.LittleEndian.Uint16(data[offset+1 : offset+3]),
		}
		if attr.Length == 0 {
			return nil, fmt.Errorf("%w: type 0x%02x at offset %d", ErrEmptyAttribute, attr.Type, offset)
		}
		end := offset + AttributeHeaderSize + int(attr.Length)
		if end > len(data) {
			return nil, fmt.Errorf("%w: attribute 0x%02x overruns message by %d bytes", ErrInvalidContentLength, attr.Type, end-len(data))
		}
		attr.Data = make([]byte, attr.Length)
		copy(attr.Data, data[offset+AttributeHeaderSize:end])
		p.Attributes = append(p.Attributes, attr)
		offset = end
	}

	return p, nil
}

// Encode serializes the packet. Length fields are recomputed from the
// attributes, so a packet built by hand does not need them filled in.
func (p *Packet) Encode() ([]byte, error) {
	if p.QMUX.Flag != FlagFromService && p.QMUX.Flag != FlagFromControlPoint {
		return nil, fmt.Errorf("%w: 0x%02x", ErrInvalidFlag, p.QMUX.Flag)
	}
	if p.QMUX.ServiceID == ServiceControl && p.Transaction.TransactionID > 0xFF {
		return nil, fmt.Errorf("qmi: control transaction id %d does not fit in one byte", p.Transaction.TransactionID)
	}

	content := 0
	for _, a := range p.Attributes {
		if len(a.Data) == 0 {
			return nil, fmt.Errorf("%w: type 0x%02x", ErrEmptyAttribute, a.Type)
		}
		if a.Length != 0 && int(a.Length) != len(a.Data) {
			return nil, fmt.Errorf("%w: attribute 0x%02x declares %d bytes, has %d", ErrInvalidContentLength, a.Type, a.Length, len(a.Data))
		}
		content += AttributeHeaderSize + len(a.Data)
	}

	txSize := transactionSize(p.QMUX.ServiceID)
	total := QMUXHeaderSize + txSize + MessageHeaderSize + content
	if total-1 > 0xFFFF {
		return nil, fmt.Errorf("%w: %d bytes", ErrInvalidPacketLength, total)
	}

	data := make([]byte, total)
	data[0] = StartByte
	binary.LittleEndian.PutUint16(data[1:3], uint16(total-1))
	data[3] = p.QMUX.Flag
	data[4] = p.QMUX.ServiceID
	data[5] = p.QMUX.ClientID

	offset := QMUXHeaderSize
	var bits byte
	if p.QMUX.ServiceID == ServiceControl {
		if p.Transaction.Response {
			bits |= controlResponseBit
		}
		if p.Transaction.Indication {
			bits |= controlIndicationBit
		}
		data[offset] = bits
		data[offset+1] = byte(p.Transaction.TransactionID)
	} else {
		if p.Transaction.Compound {
			bits |= serviceCompoundBit
		}
		if p.Transaction.Response {
			bits |= serviceResponseBit
		}
		if p.Transaction.Indication {
			bits |= serviceIndicationBit
		}
		data[offset] = bits
		binary.LittleEndian.PutUint16(data[offset+1:offset+3], p.Transaction.TransactionID)
	}
	offset += txSize

	binary.LittleEndian.PutUint16(data[offset:offset+2], p.Message.MessageID)
	binary.LittleEndian.PutUint16(data[offset+2:offset+4], uint16(content))
	offset += MessageHeaderSize

	for _, a := range p.Attributes {
		data[offset] = a.Type
		binary.LittleEndian.PutUint16(data[offset+1:offset+3], uint16(len(a.Data)))
		copy(data[offset+AttributeHeaderSize:], a.Data)
		offset += AttributeHeaderSize + len(a.Data)
	}

	return data, nil
}
