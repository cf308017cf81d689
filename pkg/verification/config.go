package verification

import (
	"fmt"

	"github.com/cellguard/cellguard/pkg/config"
	"github.com/cellguard/cellguard/pkg/geo"
	"github.com/cellguard/cellguard/pkg/logger"
	"github.com/cellguard/cellguard/pkg/operators"
)

// NewPipelines builds every configured pipeline
func NewPipelines(vc config.VerificationConfig, store Store, locator Locator, log *logger.Logger) ([]*Pipeline, error) {
	built := make([][]Stage, len(vc.Pipelines))
	regions := false
	for i, pc := range vc.Pipelines {
		stages, err := StagesByName(pc.Stages)
		if err != nil {
			return nil, fmt.Errorf("pipeline %d: %w", pc.ID, err)
		}
		built[i] = stages
		regions = regions || NeedsRegion(stages)
	}

	var (
		atlas Atlas
		table OperatorTable
	)
	if regions {
		var err error
		if atlas, table, err = loadRegions(vc.Regions, log); err != nil {
			return nil, err
		}
	}

	pipelines := make([]*Pipeline, 0, len(vc.Pipelines))
	for i, pc := range vc.Pipelines {
		cfg := Config{
			ID:             pc.ID,
			Name:           pc.Name,
			Stages:         built[i],
			After:          pc.After,
			Atlas:          atlas,
			Operators:      table,
			BorderRadius:   vc.Regions.BorderRadius,
			PacketWindow:   vc.PacketWindow,
			LocationWindow: vc.LocationWindow,
			MaxStages:      vc.MaxStages,
			RetryBase:      vc.RetryBase,
			RetryMax:       vc.RetryMax,
			BatchTimeout:   vc.BatchTimeout,
		}
		if pc.PointsSuspicious > 0 {
			cfg.Thresholds = Thresholds{Suspicious: pc.PointsSuspicious, Untrusted: pc.PointsUntrusted}
		}

		p, err := NewPipeline(cfg, store, locator, log)
		if err != nil {
			return nil, err
		}
		pipelines = append(pipelines, p)
	}
	return pipelines, nil
}

func loadRegions(rc config.RegionsConfig, log *logger.Logger) (Atlas, OperatorTable, error) {
	var (
		table *operators.Table
		err   error
	)
	if rc.CountriesFile != "" {
		table, err = operators.LoadFiles(rc.CountriesFile, rc.OperatorsFile)
	} else {
		table, err = operators.Default()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("operator table: %w", err)
	}
	mccs, networks := table.Len()
	log.Info("Loaded operator table", logger.Int("mccs", mccs), logger.Int("networks", networks))

	if rc.BordersFile == "" {
		log.Warn("No borders file configured, device countries stay unknown")
		return nil, table, nil
	}
	atlas, err := geo.LoadFile(rc.BordersFile)
	if err != nil {
		return nil, nil, fmt.Errorf("borders: %w", err)
	}
	log.Info("Loaded country borders",
		logger.String("file", rc.BordersFile),
		logger.Int("countries", atlas.Len()))
	return atlas, table, nil
}
