package content

import (
	"fmt"

	"github.com/cellguard/cellguard/pkg/ari"
	"github.com/cellguard/cellguard/pkg/packet"
)

// Radio signal indication (IBINetRadioSignalIndCb)
const (
	ARIGroupNetCell       = 9
	ARITypeRadioSignalInd = 772
	ariSignalStrength     = 2
	ariSignalQuality      = 3
	ariSignalStrengthMax  = 4
	ariSignalQualityMax   = 5
)

// Registration info indication carrying reject information
const (
	ARIGroupNetRegistration = 7
	ARITypeRegistrationInd  = 769
	ariRegistrationStatus   = 2
	ariRejectCause          = 3
)

// Registration values that mark a suspicious reject
const (
	ARIStatusLimitedService = 2
	ARICauseForbiddenPLMN   = 9
	ARICauseInternalFailure = 15
)

// ARIRadioSignal is a radio signal indication. The unit of strength and
// quality is baseband specific, the ratio to the maximum is what matters.
type ARIRadioSignal struct {
	Strength    int8
	Quality     int8
	StrengthMax int32
	QualityMax  int32
}

// Ratios returns strength/max and quality/max. It reports false when the
// maxima are zero or the quality ratio exceeds 1, which the baseband emits
// while it has no service.
func (s *ARIRadioSignal) Ratios() (strength, quality float64, ok bool) {
	if s.StrengthMax == 0 || s.QualityMax == 0 {
		return 0, 0, false
	}
	strength = float64(s.Strength) / float64(s.StrengthMax)
	quality = float64(s.Quality) / float64(s.QualityMax)
	if quality > 1 {
		return 0, 0, false
	}
	return strength, quality, true
}

// ARINetworkReject is a registration indication's status and reject cause
type ARINetworkReject struct {
	Status uint32
	Cause  uint32
}

// Suspicious reports a limited service registration caused by a forbidden
// network or an internal failure
func (r *ARINetworkReject) Suspicious() bool {
	if r.Status != ARIStatusLimitedService {
		return false
	}
	return r.Cause == ARICauseForbiddenPLMN || r.Cause == ARICauseInternalFailure
}

func ariPayload(p *packet.Packet, group uint8, typ uint16) (*ari.Packet, error) {
	a, ok := p.ARI()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWrongProtocol, p.Protocol)
	}
	if a.Header.Group != group {
		return nil, fmt.Errorf("%w: %d", ErrWrongGroup, a.Header.Group)
	}
	if a.Header.Type != typ {
		return nil, fmt.Errorf("%w: %d", ErrWrongType, a.Header.Type)
	}
	return a, nil
}

func requireAttribute(a *ari.Packet, t uint16) (ari.Attribute, error) {
	attr, ok := a.Attribute(t)
	if !ok {
		return ari.Attribute{}, fmt.Errorf("%w: %d", ErrAttributeMissing, t)
	}
	return attr, nil
}

// IsARIRadioSignal reports whether ParseARIRadioSignal applies to p
func IsARIRadioSignal(p *packet.Packet) bool {
	a, ok := p.ARI()
	return ok && a.Header.Group == ARIGroupNetCell && a.Header.Type == ARITypeRadioSignalInd
}

// IsARINetworkReject reports whether ParseARINetworkReject applies to p
func IsARINetworkReject(p *packet.Packet) bool {
	a, ok := p.ARI()
	return ok && p.Direction == packet.Ingoing &&
		a.Header.Group == ARIGroupNetRegistration && a.Header.Type == ARITypeRegistrationInd
}

// ParseARIRadioSignal reads a radio signal indication. All four attributes
// are required.
func ParseARIRadioSignal(p *packet.Packet) (*ARIRadioSignal, error) {
	a, err := ariPayload(p, ARIGroupNetCell, ARITypeRadioSignalInd)
	if err != nil {
		return nil, err
	}

	s := &ARIRadioSignal{}
	for _, f := range []struct {
		id  uint16
		dst *int8
	}{{ariSignalStrength, &s.Strength}, {ariSignalQuality, &s.Quality}} {
		attr, err := requireAttribute(a, f.id)
		if err != nil {
			return nil, err
		}
		if *f.dst, err = int8At(attr.Data, 0); err != nil {
			return nil, fmt.Errorf("attribute %d: %w", f.id, err)
		}
	}
	for _, f := range []struct {
		id  uint16
		dst *int32
	}{{ariSignalStrengthMax, &s.StrengthMax}, {ariSignalQualityMax, &s.QualityMax}} {
		attr, err := requireAttribute(a, f.id)
		if err != nil {
			return nil, err
		}
		if *f.dst, err = int32At(attr.Data, 0); err != nil {
			return nil, fmt.Errorf("attribute %d: %w", f.id, err)
		}
	}

	return s, nil
}

// ParseARINetworkReject reads the registration status and reject cause of an
// ingoing registration indication
func ParseARINetworkReject(p *packet.Packet) (*ARINetworkReject, error) {
	a, err := ariPayload(p, ARIGroupNetRegistration, ARITypeRegistrationInd)
	if err != nil {
		return nil, err
	}
	if p.Direction != packet.Ingoing {
		return nil, fmt.Errorf("%w: %s", ErrWrongDirection, p.Direction)
	}

	statusAttr, err := requireAttribute(a, ariRegistrationStatus)
	if err != nil {
		return nil, err
	}
	status, err := uintValue(statusAttr.Data)
	if err != nil {
		return nil, fmt.Errorf("registration status: %w", err)
	}

	causeAttr, err := requireAttribute(a, ariRejectCause)
	if err != nil {
		return nil, err
	}
	cause, err := uintValue(causeAttr.Data)
	if err != nil {
		return nil, fmt.Errorf("reject cause: %w", err)
	}

	return &ARINetworkReject{Status: uint32(status), Cause: uint32(cause)}, nil
}
