package content

import (
	"fmt"

	"github.com/cellguard/cellguard/pkg/packet"
	"github.com/cellguard/cellguard/pkg/qmi"
)

// NAS service messages
const (
	QMIMessageSignalInfo    = 0x0051
	QMIMessageNetworkReject = 0x0068
)

// Signal info indication attributes
const (
	qmiSignalGSM   = 0x12
	qmiSignalLTE   = 0x14
	qmiSignalNR    = 0x17
	qmiSignalNRExt = 0x18
)

// Network reject indication attributes
const (
	qmiRejectRadioInterface = 0x01
	qmiRejectCause          = 0x03
)

// nrMissing marks an absent NR measurement
const nrMissing int16 = -0x8000

// Generation of a signal reading
type Generation string

const (
	GenerationGSM Generation = "gsm"
	GenerationLTE Generation = "lte"
	GenerationNR  Generation = "nr"
)

// LTESignal in dBm / dB
type LTESignal struct {
	RSSI int8
	RSRQ int8
	RSRP int16
	SNR  int16 // tenths of dB
}

// NRSignal fields are nil when the baseband reported no value
type NRSignal struct {
	RSRP *int16
	SNR  *int16
	RSRQ *int16
}

// QMISignalInfo is a NAS signal info indication. Each reading is optional.
type QMISignalInfo struct {
	GSM *int8 // RSSI dBm
	LTE *LTESignal
	NR  *NRSignal
}

// Resolve picks the reading to trust, trying NR, then LTE, then GSM. NR only
// counts when it carries an RSRP.
func (s *QMISignalInfo) Resolve() (Generation, bool) {
	switch {
	case s.NR != nil && s.NR.RSRP != nil:
		return GenerationNR, true
	case s.LTE != nil:
		return GenerationLTE, true
	case s.GSM != nil:
		return GenerationGSM, true
	}
	return "", false
}

// QMINetworkReject is a NAS network reject indication
type QMINetworkReject struct {
	RadioInterface *int8
	Cause          *uint16
}

func qmiPayload(p *packet.Packet) (*qmi.Packet, error) {
	q, ok := p.QMI()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongProtocol, p.Protocol)
	}
	return q, nil
}

func checkNASIndication(q *qmi.Packet, message uint16) error {
	if q.QMUX.ServiceID != qmi.ServiceNAS {
		return fmt.Errorf("%w: 0x%02x", ErrWrongService, q.QMUX.ServiceID)
	}
	if !q.Transaction.Indication {
		return ErrNotIndication
	}
	if q.Message.MessageID != message {
		return fmt.Errorf("%w: 0x%04x", ErrWrongMessage, q.Message.MessageID)
	}
	return nil
}

// IsQMISignalInfo reports whether ParseQMISignalInfo applies to p
func IsQMISignalInfo(p *packet.Packet) bool {
	q, ok := p.QMI()
	return ok && checkNASIndication(q, QMIMessageSignalInfo) == nil
}

// IsQMINetworkReject reports whether ParseQMINetworkReject applies to p
func IsQMINetworkReject(p *packet.Packet) bool {
	q, ok := p.QMI()
	return ok && p.Direction == packet.Ingoing && checkNASIndication(q, QMIMessageNetworkReject) == nil
}

// ParseQMISignalInfo reads a NAS signal info indication
func ParseQMISignalInfo(p *packet.Packet) (*QMISignalInfo, error) {
	q, err := qmiPayload(p)
	if err != nil {
		return nil, err
	}
	if err := checkNASIndication(q, QMIMessageSignalInfo); err != nil {
		return nil, err
	}

	info := &QMISignalInfo{}

	if a, ok := q.Attribute(qmiSignalGSM); ok {
		v, err := int8At(a.Data, 0)
		if err != nil {
			return nil, fmt.Errorf("gsm signal: %w", err)
		}
		info.GSM = &v
	}

	if a, ok := q.Attribute(qmiSignalLTE); ok {
		lte, err := parseLTESignal(a.Data)
		if err != nil {
			return nil, fmt.Errorf("lte signal: %w", err)
		}
		info.LTE = lte
	}

	if a, ok := q.Attribute(qmiSignalNR); ok {
		nr, err := parseNRSignal(a.Data)
		if err != nil {
			return nil, fmt.Errorf("nr signal: %w", err)
		}
		if ext, ok := q.Attribute(qmiSignalNRExt); ok {
			rsrq, err := int16At(ext.Data, 0)
			if err != nil {
				return nil, fmt.Errorf("nr extended signal: %w", err)
			}
			nr.RSRQ = presentNR(rsrq)
		}
		info.NR = nr
	}

	return info, nil
}

func parseLTESignal(data []byte) (*LTESignal, error) {
	rssi, err := int8At(data, 0)
	if err != nil {
		return nil, err
	}
	rsrq, err := int8At(data, 1)
	if err != nil {
		return nil, err
	}
	rsrp, err := int16At(data, 2)
	if err != nil {
		return nil, err
	}
	snr, err := int16At(data, 4)
	if err != nil {
		return nil, err
	}
	return &LTESignal{RSSI: rssi, RSRQ: rsrq, RSRP: rsrp, SNR: snr}, nil
}

func parseNRSignal(data []byte) (*NRSignal, error) {
	rsrp, err := int16At(data, 0)
	if err != nil {
		return nil, err
	}
	snr, err := int16At(data, 2)
	if err != nil {
		return nil, err
	}
	return &NRSignal{RSRP: presentNR(rsrp), SNR: presentNR(snr)}, nil
}

func presentNR(v int16) *int16 {
	if v == nrMissing {
		return nil
	}
	return &v
}

// ParseQMINetworkReject reads an ingoing NAS network reject indication
func ParseQMINetworkReject(p *packet.Packet) (*QMINetworkReject, error) {
	q, err := qmiPayload(p)
	if err != nil {
		return nil, err
	}
	if p.Direction != packet.Ingoing {
		return nil, fmt.Errorf("%w: %s", ErrWrongDirection, p.Direction)
	}
	if err := checkNASIndication(q, QMIMessageNetworkReject); err != nil {
		return nil, err
	}

	reject := &QMINetworkReject{}
	if a, ok := q.Attribute(qmiRejectRadioInterface); ok {
		v, err := int8At(a.Data, 0)
		if err != nil {
			return nil, fmt.Errorf("radio interface: %w", err)
		}
		reject.RadioInterface = &v
	}
	if a, ok := q.Attribute(qmiRejectCause); ok {
		v, err := uintValue(a.Data)
		if err != nil {
			return nil, fmt.Errorf("reject cause: %w", err)
		}
		cause := uint16(v)
		reject.Cause = &cause
	}
	return reject, nil
}
