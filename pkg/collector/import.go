package collector

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"time"

	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/logger"
	"github.com/cellguard/cellguard/pkg/packet"
)

// Record kinds of a capture export
const (
	KindPacket   = "packet"
	KindCell     = "cell"
	KindLocation = "location"
)

const maxLineSize = 4 << 20

// Record is one line of a newline delimited capture export
type Record struct {
	Kind      string  `json:"kind"`
	Timestamp float64 `json:"timestamp,omitempty"` // unix seconds

	// packet
	Protocol  string `json:"protocol,omitempty"`
	Direction string `json:"direction,omitempty"`
	Data      string `json:"data,omitempty"` // base64

	// cell, the sample carries its own timestamp
	Sample cell.Sample `json:"sample,omitempty"`

	// location
	Latitude           float64 `json:"latitude,omitempty"`
	Longitude          float64 `json:"longitude,omitempty"`
	HorizontalAccuracy float64 `json:"horizontal_accuracy,omitempty"`
	Altitude           float64 `json:"altitude,omitempty"`
	Speed              float64 `json:"speed,omitempty"`
}

// ImportStats counts what an import did
type ImportStats struct {
	Packets    int `json:"packets"`
	Cells      int `json:"cells"`
	Locations  int `json:"locations"`
	Duplicates int `json:"duplicates"`
	Skipped    int `json:"skipped"`
}

func unixTime(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// ImportRecord ingests one record
func (c *Collector) ImportRecord(ctx context.Context, rec Record) error {
	switch rec.Kind {
	case KindPacket:
		proto, err := packet.ParseProtocol(rec.Protocol)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		dir, err := packet.ParseDirection(rec.Direction)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		data, err := base64.StdEncoding.DecodeString(rec.Data)
		if err != nil {
			return fmt.Errorf("%w: packet data: %v", ErrMalformed, err)
		}
		_, err = c.AddPacket(ctx, packet.Raw{Protocol: proto, Direction: dir, Data: data, Collected: unixTime(rec.Timestamp)})
		return err
	case KindCell:
		_, err := c.AddSample(ctx, rec.Sample)
		return err
	case KindLocation:
		_, err := c.AddLocation(ctx, Location{
			Latitude:           rec.Latitude,
			Longitude:          rec.Longitude,
			HorizontalAccuracy: rec.HorizontalAccuracy,
			Altitude:           rec.Altitude,
			Speed:              rec.Speed,
			Collected:          unixTime(rec.Timestamp),
		})
		return err
	}
	return fmt.Errorf("%w: unknown record kind %q", ErrMalformed, rec.Kind)
}

// ImportJSONL ingests a newline delimited capture export. Malformed lines
// are logged and skipped; a storage failure stops the import.
func (c *Collector) ImportJSONL(ctx context.Context, r io.Reader) (ImportStats, error) {
	var stats ImportStats

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(text, &rec); err != nil {
			c.logger.Warn("Skipping unreadable import line", logger.Int("line", line), logger.Error(err))
			stats.Skipped++
			continue
		}

		err := c.ImportRecord(ctx, rec)
		switch {
		case err == nil:
			switch rec.Kind {
			case KindPacket:
				stats.Packets++
			case KindCell:
				stats.Cells++
			case KindLocation:
				stats.Locations++
			}
		case errors.Is(err, ErrDuplicateCell):
			stats.Duplicates++
		case errors.Is(err, ErrMalformed):
			c.logger.Warn("Skipping malformed import line", logger.Int("line", line), logger.Error(err))
			stats.Skipped++
		default:
			return stats, fmt.Errorf("line %d: %w", line, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("read import: %w", err)
	}

	c.logger.Info("Import completed",
		logger.Int("packets", stats.Packets),
		logger.Int("cells", stats.Cells),
		logger.Int("locations", stats.Locations),
		logger.Int("duplicates", stats.Duplicates),
		logger.Int("skipped", stats.Skipped))
	return stats, nil
}

// ImportFile ingests a capture export from disk
func (c *Collector) ImportFile(ctx context.Context, path string) (ImportStats, error) {
	f, err := os.Open(path)
	if err != nil {
		return ImportStats{}, err
	}
	defer func() { _ = f.Close() }()
	return c.ImportJSONL(ctx, f)
}
