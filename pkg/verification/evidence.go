package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cellguard/cellguard/pkg/database"
	"github.com/cellguard/cellguard/pkg/logger"
	"github.com/cellguard/cellguard/pkg/packet"
)

// gather loads the evidence a stage needs. Evidence already loaded in this
// pass is reused.
func (p *Pipeline) gather(ctx context.Context, needs Need, ps *pass) error {
	if needs&(NeedCandidate|NeedLookup) != 0 && !ps.loaded.Has(NeedCandidate) {
		if err := p.loadCandidate(ctx, ps); err != nil {
			return err
		}
		ps.loaded |= NeedCandidate
	}
	if needs.Has(NeedLookup) && ps.evidence.Candidate == nil && !ps.loaded.Has(NeedLookup) {
		if err := p.lookup(ctx, ps); err != nil {
			return err
		}
		ps.loaded |= NeedLookup
	}
	if needs.Has(NeedLocation) && !ps.loaded.Has(NeedLocation) {
		if err := p.loadLocation(ctx, ps); err != nil {
			return err
		}
		ps.loaded |= NeedLocation
	}
	if needs.Has(NeedRegion) && !ps.loaded.Has(NeedRegion) {
		if err := p.loadRegion(ctx, ps); err != nil {
			return err
		}
		ps.loaded |= NeedRegion
	}
	if needs.Has(NeedRejects) {
		if !ps.loaded.Has(NeedRejects) {
			pkts, err := p.loadPackets(ctx, ps, database.PacketFilter{Reject: true})
			if err != nil {
				return err
			}
			ps.evidence.Rejects = pkts
			ps.loaded |= NeedRejects
		}
		ps.packetIDs = append(ps.packetIDs, packetIDs(ps.evidence.Rejects)...)
	}
	if needs.Has(NeedSignals) {
		if !ps.loaded.Has(NeedSignals) {
			pkts, err := p.loadPackets(ctx, ps, database.PacketFilter{Signal: true})
			if err != nil {
				return err
			}
			ps.evidence.Signals = pkts
			ps.loaded |= NeedSignals
		}
		ps.packetIDs = append(ps.packetIDs, packetIDs(ps.evidence.Signals)...)
	}
	return nil
}

func (p *Pipeline) loadCandidate(ctx context.Context, ps *pass) error {
	if ps.candidateID != nil {
		c, err := p.store.GetCandidate(ctx, *ps.candidateID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return fmt.Errorf("%w: %v", ErrIntegrity, err)
			}
			return err
		}
		ps.evidence.Candidate = c
		return nil
	}

	c, err := p.store.FindCandidate(ctx, ps.cell.Identity)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	ps.evidence.Candidate = c
	ps.candidateID = &c.ID
	return nil
}

func (p *Pipeline) lookup(ctx context.Context, ps *pass) error {
	start := time.Now()
	candidates, err := p.locator.Lookup(ctx, ps.cell.Identity)
	p.recorder.LookupCompleted(lookupResult(err, len(candidates)), time.Since(start))
	if err != nil {
		return err
	}

	if len(candidates) > 0 {
		if err := p.store.ImportLocationCandidates(ctx, candidates, ps.work.Cell.ID); err != nil {
			return fmt.Errorf("import candidates: %w", err)
		}
	}
	p.logger.Debug("Location lookup completed",
		logger.String("cell_identity", ps.cell.Identity.String()),
		logger.Int("candidates", len(candidates)))

	return p.loadCandidate(ctx, ps)
}

func lookupResult(err error, n int) string {
	switch {
	case err != nil:
		return "error"
	case n == 0:
		return "empty"
	}
	return "found"
}

func (p *Pipeline) loadLocation(ctx context.Context, ps *pass) error {
	if ps.locationID != nil {
		l, err := p.store.GetLocation(ctx, *ps.locationID)
		if err != nil {
			if errors.Is(err, database.ErrNotFound) {
				return fmt.Errorf("%w: %v", ErrIntegrity, err)
			}
			return err
		}
		ps.evidence.Location = l
		return nil
	}

	l, err := p.store.LocationNear(ctx, ps.cell.Collected, p.cfg.LocationWindow)
	switch {
	case errors.Is(err, database.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	ps.evidence.Location = l
	ps.locationID = &l.ID
	return nil
}

// loadPackets decodes the flagged packets around the capture time. Rows that
// no longer decode are skipped.
func (p *Pipeline) loadPackets(ctx context.Context, ps *pass, filter database.PacketFilter) ([]EvidencePacket, error) {
	start := ps.cell.Collected.Add(-p.cfg.PacketWindow)
	end := ps.cell.Collected.Add(p.cfg.PacketWindow)
	rows, err := p.store.PacketsBetween(ctx, start, end, filter)
	if err != nil {
		return nil, err
	}

	out := make([]EvidencePacket, 0, len(rows))
	for _, row := range rows {
		pkt, err := packet.Decode(packet.Raw{
			Protocol:  packet.Protocol(row.Protocol),
			Direction: packet.Direction(row.Direction),
			Data:      row.Data,
			Collected: row.Collected,
		})
		if err != nil {
			p.logger.Warn("Skipping stored packet that does not decode",
				logger.Uint("packet", row.ID),
				logger.String("protocol", row.Protocol),
				logger.Error(err))
			continue
		}
		out = append(out, EvidencePacket{ID: row.ID, Packet: pkt})
	}
	return out, nil
}

func packetIDs(pkts []EvidencePacket) []uint {
	ids := make([]uint, len(pkts))
	for i, p := range pkts {
		ids[i] = p.ID
	}
	return ids
}
