package testhelpers

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/cellguard/cellguard/pkg/ari"
	"github.com/cellguard/cellguard/pkg/content"
	"github.com/cellguard/cellguard/pkg/packet"
	"github.com/cellguard/cellguard/pkg/qmi"
)

// Attribute types of the indications built below
const (
	qmiSignalGSM   = 0x12
	qmiSignalLTE   = 0x14
	qmiRejectCause = 0x03

	ariStatus      = 2
	ariCause       = 3
	ariStrength    = 2
	ariQuality     = 3
	ariStrengthMax = 4
	ariQualityMax  = 5
)

func nasIndication(message uint16, collected time.Time, attrs ...qmi.Attribute) *packet.Packet {
	q := &qmi.Packet{
		QMUX:        qmi.QMUXHeader{Flag: qmi.FlagFromService, ServiceID: qmi.ServiceNAS, ClientID: 1},
		Transaction: qmi.TransactionHeader{Indication: true, TransactionID: 1},
		Message:     qmi.MessageHeader{MessageID: message},
		Attributes:  attrs,
	}
	return packet.FromQMI(q, packet.Ingoing, collected)
}

func u32(v uint32) []byte {
	return binary.LittleEndian.AppendUint32(nil, v)
}

func i32(v int32) []byte {
	return u32(uint32(v))
}

// QMIRejectPacket builds an ingoing NAS network reject indication
func QMIRejectPacket(collected time.Time) *packet.Packet {
	return nasIndication(content.QMIMessageNetworkReject, collected,
		qmi.Attribute{Type: qmiRejectCause, Data: []byte{0x0F, 0x00}})
}

// QMILTESignalPacket builds a NAS signal info indication with an LTE reading
func QMILTESignalPacket(rssi, rsrq int8, rsrp, snr int16, collected time.Time) *packet.Packet {
	data := []byte{byte(rssi), byte(rsrq)}
	data = binary.LittleEndian.AppendUint16(data, uint16(rsrp))
	data = binary.LittleEndian.AppendUint16(data, uint16(snr))
	return nasIndication(content.QMIMessageSignalInfo, collected, qmi.Attribute{Type: qmiSignalLTE, Data: data})
}

// QMIGSMSignalPacket builds a NAS signal info indication with a GSM reading
func QMIGSMSignalPacket(rssi int8, collected time.Time) *packet.Packet {
	return nasIndication(content.QMIMessageSignalInfo, collected, qmi.Attribute{Type: qmiSignalGSM, Data: []byte{byte(rssi)}})
}

// ARIRejectPacket builds an ingoing registration indication
func ARIRejectPacket(status, cause uint32, collected time.Time) *packet.Packet {
	a := &ari.Packet{
		Header: ari.Header{Group: content.ARIGroupNetRegistration, Type: content.ARITypeRegistrationInd},
		Attributes: []ari.Attribute{
			{Type: ariStatus, Version: 1, Data: u32(status)},
			{Type: ariCause, Version: 1, Data: u32(cause)},
		},
	}
	return packet.FromARI(a, packet.Ingoing, collected)
}

// ARISignalPacket builds a radio signal indication
func ARISignalPacket(strength, quality int8, strengthMax, qualityMax int32, collected time.Time) *packet.Packet {
	a := &ari.Packet{
		Header: ari.Header{Group: content.ARIGroupNetCell, Type: content.ARITypeRadioSignalInd},
		Attributes: []ari.Attribute{
			{Type: ariStrength, Version: 1, Data: []byte{byte(strength)}},
			{Type: ariQuality, Version: 1, Data: []byte{byte(quality)}},
			{Type: ariStrengthMax, Version: 1, Data: i32(strengthMax)},
			{Type: ariQualityMax, Version: 1, Data: i32(qualityMax)},
		},
	}
	return packet.FromARI(a, packet.Ingoing, collected)
}

// Raw encodes a built packet the way the capture layer delivers it
func Raw(t *testing.T, p *packet.Packet) packet.Raw {
	t.Helper()
	data, err := p.Encode()
	if err != nil {
		t.Fatalf("Failed to encode packet: %v", err)
	}
	return packet.Raw{Protocol: p.Protocol, Direction: p.Direction, Data: data, Collected: p.Collected}
}
