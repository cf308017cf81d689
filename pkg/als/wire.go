package als

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/cellguard/cellguard/pkg/cell"
)

// Field numbers of the location request and response messages. The service
// publishes no schema; these were recovered from traffic and are kept in one
// place so a correction touches only this table.
var cellFields = map[cell.Technology]protowire.Number{
	cell.GSM:   20,
	cell.CDMA:  21,
	cell.LTE:   22,
	cell.SCDMA: 23,
	cell.NR:    29,
}

const (
	requestUnknown3  protowire.Number = 3
	requestUnknown4  protowire.Number = 4
	requestUnknown31 protowire.Number = 31

	cellMCC       protowire.Number = 1
	cellMNC       protowire.Number = 2
	cellID        protowire.Number = 3
	cellArea      protowire.Number = 4
	cellLocation  protowire.Number = 5
	cellFrequency protowire.Number = 11
	cellPID       protowire.Number = 12

	locLatitude  protowire.Number = 1
	locLongitude protowire.Number = 2
	locAccuracy  protowire.Number = 3
	locReach     protowire.Number = 11
	locScore     protowire.Number = 12
)

// Coordinates travel as integers scaled by 1e8
const coordinateScale = 1e8

// responsePreamble is the number of bytes preceding the response message
const responsePreamble = 10

func technologyForField(n protowire.Number) (cell.Technology, bool) {
	for t, f := range cellFields {
		if f == n {
			return t, true
		}
	}
	return "", false
}

func appendVarintField(b []byte, n protowire.Number, v int64) []byte {
	b = protowire.AppendTag(b, n, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessageField(b []byte, n protowire.Number, msg []byte) []byte {
	b = protowire.AppendTag(b, n, protowire.BytesType)
	return protowire.AppendBytes(b, msg)
}

func marshalCell(id cell.Identity, extra func([]byte) []byte) []byte {
	var b []byte
	b = appendVarintField(b, cellMCC, int64(id.Country))
	b = appendVarintField(b, cellMNC, int64(id.Network))
	b = appendVarintField(b, cellID, id.Cell)
	b = appendVarintField(b, cellArea, int64(id.Area))
	if extra != nil {
		b = extra(b)
	}
	return b
}

// marshalRequest encodes the location request for one cell
func marshalRequest(id cell.Identity) ([]byte, error) {
	tech := id.Technology.LocationTechnology()
	field, ok := cellFields[tech]
	if !ok {
		return nil, fmt.Errorf("%w: no request field for %q", ErrEncoding, id.Technology)
	}

	var b []byte
	b = appendMessageField(b, field, marshalCell(id, nil))
	b = appendVarintField(b, requestUnknown3, 0)
	b = appendVarintField(b, requestUnknown4, 1)
	b = appendVarintField(b, requestUnknown31, 1)
	return b, nil
}

func appendLengthPrefixed(b []byte, s []byte) ([]byte, error) {
	if len(s) > 0x7FFF {
		return nil, fmt.Errorf("%w: %d bytes do not fit a length prefix", ErrEncoding, len(s))
	}
	b = binary.BigEndian.AppendUint16(b, uint16(len(s)))
	return append(b, s...), nil
}

// buildBody prepends the binary request header to the serialized request
func buildBody(locale, service, osVersion string, request []byte) ([]byte, error) {
	b := []byte{0x00, 0x01}
	var err error
	for _, s := range []string{locale, service, osVersion} {
		if s == "" {
			return nil, fmt.Errorf("%w: empty header string", ErrEncoding)
		}
		if b, err = appendLengthPrefixed(b, []byte(s)); err != nil {
			return nil, err
		}
	}
	b = append(b, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00)
	return appendLengthPrefixed(b, request)
}

type rawField struct {
	num protowire.Number
	typ protowire.Type
	v   uint64
	buf []byte
}

var errMalformed = errors.New("malformed message")

// fieldsOf splits one message level into its fields
func fieldsOf(b []byte) ([]rawField, error) {
	var out []rawField
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, fmt.Errorf("%w: %v", errMalformed, protowire.ParseError(n))
		}
		b = b[n:]

		f := rawField{num: num, typ: typ}
		switch typ {
		case protowire.VarintType:
			f.v, n = protowire.ConsumeVarint(b)
		case protowire.BytesType:
			f.buf, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return nil, fmt.Errorf("%w: field %d: %v", errMalformed, num, protowire.ParseError(n))
		}
		b = b[n:]
		out = append(out, f)
	}
	return out, nil
}

// unmarshalResponse decodes every technology-tagged cell of a response
// message (preamble already removed)
func unmarshalResponse(b []byte) ([]Candidate, error) {
	fields, err := fieldsOf(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecoding, err)
	}

	var out []Candidate
	for _, f := range fields {
		tech, ok := technologyForField(f.num)
		if !ok || f.typ != protowire.BytesType {
			continue
		}
		c, err := unmarshalCell(tech, f.buf)
		if err != nil {
			return nil, fmt.Errorf("%w: %s cell: %v", ErrDecoding, tech, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func unmarshalCell(tech cell.Technology, b []byte) (Candidate, error) {
	fields, err := fieldsOf(b)
	if err != nil {
		return Candidate{}, err
	}

	c := Candidate{Identity: cell.Identity{Technology: tech}}
	for _, f := range fields {
		switch {
		case f.num == cellMCC && f.typ == protowire.VarintType:
			c.Country = int32(f.v)
		case f.num == cellMNC && f.typ == protowire.VarintType:
			c.Network = int32(f.v)
		case f.num == cellID && f.typ == protowire.VarintType:
			c.Cell = int64(f.v)
		case f.num == cellArea && f.typ == protowire.VarintType:
			c.Area = int32(f.v)
		case f.num == cellFrequency && f.typ == protowire.VarintType:
			c.Frequency = int32(f.v)
		case f.num == cellPID && f.typ == protowire.VarintType:
			c.PhysicalCell = int32(f.v)
		case f.num == cellLocation && f.typ == protowire.BytesType:
			if err := unmarshalLocation(&c, f.buf); err != nil {
				return Candidate{}, err
			}
		}
	}
	return c, nil
}

func unmarshalLocation(c *Candidate, b []byte) error {
	fields, err := fieldsOf(b)
	if err != nil {
		return err
	}
	for _, f := range fields {
		if f.typ != protowire.VarintType {
			continue
		}
		switch f.num {
		case locLatitude:
			c.Latitude = float64(int64(f.v)) / coordinateScale
		case locLongitude:
			c.Longitude = float64(int64(f.v)) / coordinateScale
		case locAccuracy:
			c.Accuracy = int64(f.v)
		case locReach:
			c.Reach = int64(f.v)
		case locScore:
			c.Score = int64(f.v)
		}
	}
	return nil
}

// MarshalResponse encodes candidates the way the service answers, preamble
// included. It exists for fakes of the service.
func MarshalResponse(candidates []Candidate) []byte {
	b := make([]byte, responsePreamble)
	b[1] = 0x01
	for _, c := range candidates {
		field, ok := cellFields[c.Technology]
		if !ok {
			continue
		}
		var loc []byte
		loc = appendVarintField(loc, locLatitude, int64(math.Round(c.Latitude*coordinateScale)))
		loc = appendVarintField(loc, locLongitude, int64(math.Round(c.Longitude*coordinateScale)))
		loc = appendVarintField(loc, locAccuracy, c.Accuracy)
		loc = appendVarintField(loc, locReach, c.Reach)
		loc = appendVarintField(loc, locScore, c.Score)

		msg := marshalCell(c.Identity, func(b []byte) []byte {
			b = appendMessageField(b, cellLocation, loc)
			b = appendVarintField(b, cellFrequency, int64(c.Frequency))
			return appendVarintField(b, cellPID, int64(c.PhysicalCell))
		})
		b = appendMessageField(b, field, msg)
	}
	return b
}

// ParseRequestBody is the inverse of the request body encoding. It returns
// the identity asked for; fakes of the service use it.
func ParseRequestBody(body []byte) (cell.Identity, error) {
	b := body
	if len(b) < 2 || b[0] != 0x00 || b[1] != 0x01 {
		return cell.Identity{}, fmt.Errorf("%w: bad header start", ErrDecoding)
	}
	b = b[2:]
	for i := 0; i < 3; i++ {
		if len(b) < 2 {
			return cell.Identity{}, fmt.Errorf("%w: truncated header", ErrDecoding)
		}
		n := int(binary.BigEndian.Uint16(b))
		if len(b) < 2+n {
			return cell.Identity{}, fmt.Errorf("%w: truncated header string", ErrDecoding)
		}
		b = b[2+n:]
	}
	if len(b) < 8 {
		return cell.Identity{}, fmt.Errorf("%w: truncated header", ErrDecoding)
	}
	n := int(binary.BigEndian.Uint16(b[6:8]))
	b = b[8:]
	if len(b) != n {
		return cell.Identity{}, fmt.Errorf("%w: request length %d, have %d", ErrDecoding, n, len(b))
	}

	fields, err := fieldsOf(b)
	if err != nil {
		return cell.Identity{}, fmt.Errorf("%w: %v", ErrDecoding, err)
	}
	for _, f := range fields {
		tech, ok := technologyForField(f.num)
		if !ok || f.typ != protowire.BytesType {
			continue
		}
		c, err := unmarshalCell(tech, f.buf)
		if err != nil {
			return cell.Identity{}, fmt.Errorf("%w: %v", ErrDecoding, err)
		}
		return c.Identity, nil
	}
	return cell.Identity{}, fmt.Errorf("%w: no cell in request", ErrDecoding)
}
