// Command cgdecode decodes captured QMI and ARI packets and prints their
// headers, attributes and any signal or reject content they carry.
package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cellguard/cellguard/pkg/ari"
	"github.com/cellguard/cellguard/pkg/content"
	"github.com/cellguard/cellguard/pkg/packet"
	"github.com/cellguard/cellguard/pkg/qmi"
)

type options struct {
	protocol  string
	direction string
	hex       bool
	json      bool
}

func main() {
	var opts options
	flag.StringVar(&opts.protocol, "protocol", "auto", "Packet protocol: qmi, ari or auto")
	flag.StringVar(&opts.direction, "direction", "in", "Packet direction: in or out")
	flag.BoolVar(&opts.hex, "hex", false, "Input is hex instead of base64")
	flag.BoolVar(&opts.json, "json", false, "Print one JSON object per packet")
	flag.Parse()

	inputs := flag.Args()
	if len(inputs) == 0 {
		scanner := bufio.NewScanner(os.Stdin)
		scanner.Buffer(make([]byte, 64*1024), 1<<20)
		for scanner.Scan() {
			if line := strings.TrimSpace(scanner.Text()); line != "" {
				inputs = append(inputs, line)
			}
		}
		if err := scanner.Err(); err != nil {
			fmt.Fprintf(os.Stderr, "read stdin: %v\n", err)
			os.Exit(1)
		}
	}

	failed := 0
	for _, in := range inputs {
		if err := decodeOne(os.Stdout, in, opts); err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", abbreviate(in), err)
			failed++
		}
	}
	if failed > 0 {
		os.Exit(1)
	}
}

// Report is the decoded view of one packet
type Report struct {
	Summary    string      `json:"summary"`
	Protocol   string      `json:"protocol"`
	Header     interface{} `json:"header"`
	Attributes []attribute `json:"attributes"`
	Content    interface{} `json:"content,omitempty"`
	RoundTrip  bool        `json:"round_trip"`
}

type attribute struct {
	Type    uint16 `json:"type"`
	Version uint8  `json:"version,omitempty"`
	Data    string `json:"data"`
}

func parseInput(in string, useHex bool) ([]byte, error) {
	in = strings.TrimSpace(in)
	if useHex {
		return hex.DecodeString(strings.NewReplacer(" ", "", ":", "").Replace(in))
	}
	return base64.StdEncoding.DecodeString(in)
}

// guessProtocol picks ARI for buffers opening with its magic, QMI otherwise
func guessProtocol(data []byte) packet.Protocol {
	if bytes.HasPrefix(data, ari.Magic) {
		return packet.ProtocolARI
	}
	return packet.ProtocolQMI
}

func decodeOne(w io.Writer, in string, opts options) error {
	data, err := parseInput(in, opts.hex)
	if err != nil {
		return fmt.Errorf("invalid input: %w", err)
	}
	dir, err := packet.ParseDirection(opts.direction)
	if err != nil {
		return err
	}
	proto := guessProtocol(data)
	if opts.protocol != "auto" {
		if proto, err = packet.ParseProtocol(opts.protocol); err != nil {
			return err
		}
	}

	report, err := inspect(packet.Raw{Protocol: proto, Direction: dir, Data: data})
	if err != nil {
		return err
	}
	if opts.json {
		return json.NewEncoder(w).Encode(report)
	}
	printReport(w, report)
	return nil
}

func inspect(raw packet.Raw) (*Report, error) {
	p, err := packet.Decode(raw)
	if err != nil {
		return nil, err
	}
	r := &Report{Summary: p.Summary(), Protocol: string(p.Protocol)}

	if q, ok := p.QMI(); ok {
		r.Header = struct {
			QMUX        qmi.QMUXHeader
			Transaction qmi.TransactionHeader
			Message     qmi.MessageHeader
		}{q.QMUX, q.Transaction, q.Message}
		for _, a := range q.Attributes {
			r.Attributes = append(r.Attributes, attribute{Type: uint16(a.Type), Data: hex.EncodeToString(a.Data)})
		}
	}
	if a, ok := p.ARI(); ok {
		r.Header = a.Header
		for _, attr := range a.Attributes {
			r.Attributes = append(r.Attributes, attribute{Type: attr.Type, Version: attr.Version, Data: hex.EncodeToString(attr.Data)})
		}
	}

	r.Content, err = extract(p)
	if err != nil {
		return nil, err
	}

	encoded, err := p.Encode()
	r.RoundTrip = err == nil && bytes.Equal(encoded, raw.Data)
	return r, nil
}

// extract returns the first content the packet carries. Usage errors mean
// the extractor does not apply; data errors are reported.
func extract(p *packet.Packet) (interface{}, error) {
	extractors := []func(*packet.Packet) (interface{}, error){
		func(p *packet.Packet) (interface{}, error) { return content.ParseQMISignalInfo(p) },
		func(p *packet.Packet) (interface{}, error) { return content.ParseQMINetworkReject(p) },
		func(p *packet.Packet) (interface{}, error) { return content.ParseARIRadioSignal(p) },
		func(p *packet.Packet) (interface{}, error) { return content.ParseARINetworkReject(p) },
	}
	for _, fn := range extractors {
		v, err := fn(p)
		if err == nil {
			return v, nil
		}
		if !content.IsUsageError(err) {
			return nil, err
		}
	}
	return nil, nil
}

func printReport(w io.Writer, r *Report) {
	fmt.Fprintln(w, r.Summary)
	fmt.Fprintf(w, "  header: %+v\n", r.Header)
	for _, a := range r.Attributes {
		fmt.Fprintf(w, "  attribute 0x%03x v%d: %s\n", a.Type, a.Version, a.Data)
	}
	if r.Content != nil {
		fmt.Fprintf(w, "  content: %+v\n", r.Content)
	}
	if !r.RoundTrip {
		fmt.Fprintln(w, "  warning: re-encoding differs from the input")
	}
}

func abbreviate(s string) string {
	if len(s) > 24 {
		return s[:24] + "..."
	}
	return s
}
