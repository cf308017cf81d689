package collector

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/content"
	"github.com/cellguard/cellguard/pkg/database"
	"github.com/cellguard/cellguard/pkg/logger"
	"github.com/cellguard/cellguard/pkg/packet"
)

var (
	// ErrMalformed wraps decode failures of ingested data
	ErrMalformed = errors.New("collector: malformed input")
	// ErrDuplicateCell is returned for a cell equal to the previous one of
	// the same SIM slot
	ErrDuplicateCell = errors.New("collector: cell unchanged")
)

// Store is the part of the gateway ingestion writes to
type Store interface {
	SaveCell(ctx context.Context, o cell.Observed) (*database.Cell, error)
	SavePacket(ctx context.Context, p *database.Packet) error
	SaveLocation(ctx context.Context, l *database.UserLocation) error
}

// Recorder receives ingestion counts
type Recorder interface {
	PacketIngested(protocol, result string)
	CellIngested(technology, result string)
}

type nopRecorder struct{}

func (nopRecorder) PacketIngested(string, string) {}
func (nopRecorder) CellIngested(string, string)   {}

// Collector validates captured data and hands it to the store
type Collector struct {
	store    Store
	logger   *logger.Logger
	recorder Recorder

	mu   sync.Mutex
	last map[uint8]cell.Observed // by SIM slot
}

// New creates a collector
func New(store Store, log *logger.Logger) *Collector {
	return &Collector{
		store:    store,
		logger:   log.WithComponent("collector"),
		recorder: nopRecorder{},
		last:     make(map[uint8]cell.Observed),
	}
}

// SetRecorder installs a metrics recorder
func (c *Collector) SetRecorder(r Recorder) {
	if r == nil {
		r = nopRecorder{}
	}
	c.recorder = r
}

// PacketRow converts a decoded packet into its stored form. The reject and
// signal flags are derived from the content.
func PacketRow(p *packet.Packet) (*database.Packet, error) {
	data, err := p.Encode()
	if err != nil {
		return nil, err
	}
	return packetRow(p, data), nil
}

func packetRow(p *packet.Packet, data []byte) *database.Packet {
	return &database.Packet{
		Protocol:  string(p.Protocol),
		Direction: string(p.Direction),
		Data:      data,
		Collected: p.Collected,
		Reject:    content.IsQMINetworkReject(p) || content.IsARINetworkReject(p),
		Signal:    content.IsQMISignalInfo(p) || content.IsARIRadioSignal(p),
	}
}

// AddPacket decodes and stores a captured packet. Packets that do not decode
// are logged and rejected with ErrMalformed; they are never retried.
func (c *Collector) AddPacket(ctx context.Context, raw packet.Raw) (*database.Packet, error) {
	if raw.Collected.IsZero() {
		raw.Collected = time.Now()
	}

	p, err := packet.Decode(raw)
	if err != nil {
		c.logger.Warn("Skipping malformed packet",
			logger.String("protocol", string(raw.Protocol)),
			logger.Int("size", len(raw.Data)),
			logger.Error(err))
		c.recorder.PacketIngested(string(raw.Protocol), "malformed")
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	// Store the captured bytes, not a re-encoding
	stored := packetRow(p, raw.Data)
	if err := c.store.SavePacket(ctx, stored); err != nil {
		c.recorder.PacketIngested(string(p.Protocol), "error")
		return nil, fmt.Errorf("save packet: %w", err)
	}

	c.recorder.PacketIngested(string(p.Protocol), "stored")
	c.logger.Debug("Packet stored",
		logger.Uint("id", stored.ID),
		logger.String("summary", p.Summary()),
		logger.Bool("reject", stored.Reject),
		logger.Bool("signal", stored.Signal))
	return stored, nil
}

// AddCell stores an observed cell unless it equals the last cell seen on
// the same SIM slot
func (c *Collector) AddCell(ctx context.Context, o cell.Observed) (*database.Cell, error) {
	if o.Collected.IsZero() {
		o.Collected = time.Now()
	}
	if _, err := cell.ParseTechnology(string(o.Technology)); err != nil {
		c.recorder.CellIngested(string(o.Technology), "malformed")
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if prev, ok := c.last[o.SimSlot]; ok && prev.SameCell(o) {
		c.recorder.CellIngested(string(o.Technology), "duplicate")
		return nil, ErrDuplicateCell
	}

	row, err := c.store.SaveCell(ctx, o)
	if err != nil {
		c.recorder.CellIngested(string(o.Technology), "error")
		return nil, err
	}
	c.last[o.SimSlot] = o

	c.recorder.CellIngested(string(o.Technology), "stored")
	c.logger.Info("Cell stored",
		logger.Uint("id", row.ID),
		logger.String("cell_identity", o.Identity.String()),
		logger.Time("collected", row.Collected))
	return row, nil
}

// AddSample extracts the serving cell of a capture sample and stores it
func (c *Collector) AddSample(ctx context.Context, sample cell.Sample) (*database.Cell, error) {
	o, err := cell.ParseSample(sample)
	if err != nil {
		c.logger.Warn("Skipping malformed cell sample", logger.Error(err))
		c.recorder.CellIngested("unknown", "malformed")
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return c.AddCell(ctx, *o)
}

// Location is a device position fix as delivered by the capture layer
type Location struct {
	Latitude           float64
	Longitude          float64
	HorizontalAccuracy float64
	Altitude           float64
	Speed              float64
	Collected          time.Time
}

// AddLocation stores a device position fix
func (c *Collector) AddLocation(ctx context.Context, l Location) (*database.UserLocation, error) {
	if l.Latitude < -90 || l.Latitude > 90 || l.Longitude < -180 || l.Longitude > 180 {
		return nil, fmt.Errorf("%w: coordinates %f,%f", ErrMalformed, l.Latitude, l.Longitude)
	}
	if l.HorizontalAccuracy < 0 {
		return nil, fmt.Errorf("%w: negative accuracy %f", ErrMalformed, l.HorizontalAccuracy)
	}
	if l.Collected.IsZero() {
		l.Collected = time.Now()
	}

	row := &database.UserLocation{
		Latitude:           l.Latitude,
		Longitude:          l.Longitude,
		HorizontalAccuracy: l.HorizontalAccuracy,
		Altitude:           l.Altitude,
		Speed:              l.Speed,
		Collected:          l.Collected,
	}
	if err := c.store.SaveLocation(ctx, row); err != nil {
		return nil, fmt.Errorf("save location: %w", err)
	}
	return row, nil
}
