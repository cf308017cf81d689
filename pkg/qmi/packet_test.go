package qmi

import (
	"bytes"
	"encoding/base64"
	"errors"
	"testing"
)

const controlVector = "ARcAgAAAASIiAAwAAgQAAAAAAAECADAM"

func mustBase64(t *testing.T, s string) []byte {
	t.Helper()
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		t.Fatalf("bad base64 %q: %v", s, err)
	}
	return b
}

func TestDecode_ControlVector(t *testing.T) {
	data := mustBase64(t, controlVector)

	p, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if p.QMUX.Length != 23 {
		t.Errorf("Length = %d, want 23", p.QMUX.Length)
	}
	if p.QMUX.Flag != 0x80 {
		t.Errorf("Flag = 0x%02x, want 0x80", p.QMUX.Flag)
	}
	if p.QMUX.ServiceID != 0x00 || p.QMUX.ClientID != 0x00 {
		t.Errorf("service/client = %d/%d, want 0/0", p.QMUX.ServiceID, p.QMUX.ClientID)
	}
	if p.Transaction.TransactionID != 0x22 {
		t.Errorf("TransactionID = 0x%x, want 0x22", p.Transaction.TransactionID)
	}
	if !p.Transaction.Response || p.Transaction.Indication || p.Transaction.Compound {
		t.Errorf("unexpected transaction bits: %+v", p.Transaction)
	}
	if p.Message.MessageID != 0x0022 || p.Message.Length != 12 {
		t.Errorf("message header = %+v, want id 0x22 len 12", p.Message)
	}
	if len(p.Attributes) != 2 {
		t.Fatalf("got %d attributes, want 2", len(p.Attributes))
	}
	if a := p.Attributes[0]; a.Type != 0x02 || a.Length != 4 {
		t.Errorf("attribute 0 = %+v, want type 2 len 4", a)
	}
	if a := p.Attributes[1]; a.Type != 0x01 || a.Length != 2 || !bytes.Equal(a.Data, []byte{0x30, 0x0C}) {
		t.Errorf("attribute 1 = %+v, want type 1 data 300c", a)
	}
	if !p.FromService() {
		t.Error("expected packet from service")
	}
}

func TestDecode_LengthProperties(t *testing.T) {
	data := mustBase64(t, controlVector)
	p, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if int(p.QMUX.Length) != len(data)-1 {
		t.Errorf("qmux length %d != total-1 (%d)", p.QMUX.Length, len(data)-1)
	}
	sum := 0
	for _, a := range p.Attributes {
		sum += AttributeHeaderSize + int(a.Length)
	}
	if sum != int(p.Message.Length) {
		t.Errorf("attribute bytes %d != content length %d", sum, p.Message.Length)
	}
}

func TestEncode_RoundTrip(t *testing.T) {
	data := mustBase64(t, controlVector)
	p, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	out, err := p.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if !bytes.Equal(out, data) {
		t.Errorf("round trip mismatch:\n got % x\nwant % x", out, data)
	}
}

func TestEncodeDecode_ServiceTransaction(t *testing.T) {
	in := &Packet{
		QMUX:        QMUXHeader{Flag: FlagFromService, ServiceID: ServiceNAS, ClientID: 7},
		Transaction: TransactionHeader{Indication: true, TransactionID: 0x1234},
		Message:     MessageHeader{MessageID: 0x0051},
		Attributes: []Attribute{
			{Type: 0x12, Data: []byte{0xB5}},
			{Type: 0x14, Data: []byte{0xC4, 0xF6, 0x9C, 0xFF, 0x2C, 0x01}},
		},
	}
	raw, err := in.Encode()
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if want := QMUXHeaderSize + ServiceTransactionSize + MessageHeaderSize + 4 + 9; len(raw) != want {
		t.Fatalf("encoded %d bytes, want %d", len(raw), want)
	}

	p, err := Decode(raw)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if p.QMUX.ServiceID != ServiceNAS || p.QMUX.ClientID != 7 {
		t.Errorf("qmux = %+v", p.QMUX)
	}
	if !p.Transaction.Indication || p.Transaction.Response || p.Transaction.Compound {
		t.Errorf("transaction bits = %+v", p.Transaction)
	}
	if p.Transaction.TransactionID != 0x1234 {
		t.Errorf("TransactionID = 0x%x, want 0x1234", p.Transaction.TransactionID)
	}
	a, ok := p.Attribute(0x14)
	if !ok || a.Length != 6 {
		t.Fatalf("attribute 0x14 = %+v, %v", a, ok)
	}
	if _, ok := p.Attribute(0x99); ok {
		t.Error("unexpected attribute 0x99")
	}
}

func TestDecode_Errors(t *testing.T) {
	valid := mustBase64(t, controlVector)
	mutate := func(f func(b []byte) []byte) []byte {
		c := append([]byte{}, valid...)
		return f(c)
	}

	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrInvalidPacketLength},
		{"bad start byte", mutate(func(b []byte) []byte { b[0] = 0x02; return b }), ErrInvalidStartByte},
		{"short header", []byte{0x01, 0x02, 0x00}, ErrInvalidPacketLength},
		{"truncated", mutate(func(b []byte) []byte { return b[:len(b)-1] }), ErrInvalidPacketLength},
		{"bad flag", mutate(func(b []byte) []byte { b[3] = 0x81; return b }), ErrInvalidFlag},
		{"content length too big", mutate(func(b []byte) []byte { b[10] = 13; return b }), ErrInvalidContentLength},
		{"attribute overrun", mutate(func(b []byte) []byte { b[20] = 3; return b }), ErrInvalidContentLength},
		{
			"empty attribute",
			// NAS indication carrying a single zero-length TLV
			[]byte{0x01, 0x0F, 0x00, 0x80, 0x03, 0x01, 0x04, 0x01, 0x00, 0x51, 0x00, 0x03, 0x00, 0x12, 0x00, 0x00},
			ErrEmptyAttribute,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Decode(tt.data)
			if !errors.Is(err, tt.want) {
				t.Fatalf("Decode error = %v, want %v", err, tt.want)
			}
			if p != nil {
				t.Errorf("expected nil packet on error, got %+v", p)
			}
		})
	}
}

func TestEncode_RejectsEmptyAttribute(t *testing.T) {
	p := &Packet{
		QMUX:       QMUXHeader{Flag: FlagFromControlPoint, ServiceID: ServiceNAS},
		Attributes: []Attribute{{Type: 0x01}},
	}
	if _, err := p.Encode(); !errors.Is(err, ErrEmptyAttribute) {
		t.Fatalf("Encode error = %v, want ErrEmptyAttribute", err)
	}
}
