package qmi

// Framing
const (
	StartByte = 0x01

	QMUXHeaderSize         = 6
	ControlTransactionSize = 2 // service 0x00
	ServiceTransactionSize = 3
	MessageHeaderSize      = 4
	AttributeHeaderSize    = 3
)

// QMUX flag values. Anything else is rejected.
const (
	FlagFromControlPoint = 0x00
	FlagFromService      = 0x80
)

// Service identifiers
const (
	ServiceControl = 0x00
	ServiceWDS     = 0x01
	ServiceDMS     = 0x02
	ServiceNAS     = 0x03
	ServiceQOS     = 0x04
	ServiceWMS     = 0x05
	ServiceVoice   = 0x09
	ServiceUIM     = 0x0B
)

// Transaction header bits for the control service (2 byte header)
const (
	controlResponseBit   = 0x01
	controlIndicationBit = 0x02
)

// Transaction header bits for every other service (3 byte header)
const (
	serviceCompoundBit   = 0x01
	serviceResponseBit   = 0x02
	serviceIndicationBit = 0x04
)
