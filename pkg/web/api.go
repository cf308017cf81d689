package web

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/cellguard/cellguard/pkg/cell"
	"github.com/cellguard/cellguard/pkg/collector"
	"github.com/cellguard/cellguard/pkg/database"
	"github.com/cellguard/cellguard/pkg/logger"
	"github.com/cellguard/cellguard/pkg/packet"
	"github.com/cellguard/cellguard/pkg/verification"
)

const (
	maxBodySize    = 1 << 20
	defaultPerPage = 50
	maxPerPage     = 500
	maxEventLimit  = 1000
)

// Store is the read side of the gateway the API serves from
type Store interface {
	ListCells(ctx context.Context, page, perPage int) ([]database.Cell, int64, error)
	GetCell(ctx context.Context, id uint) (*database.Cell, error)
	StatesForCell(ctx context.Context, cellID uint) ([]database.VerificationState, error)
	LogsForState(ctx context.Context, stateID uint) ([]database.VerificationLog, error)
	ResetVerification(ctx context.Context, cellID uint) error
	ReadEvents(ctx context.Context, cursor uint, limit int) ([]database.Event, error)
	LatestEventID(ctx context.Context) (uint, error)
}

// Ingester accepts captured data
type Ingester interface {
	AddPacket(ctx context.Context, raw packet.Raw) (*database.Packet, error)
	AddSample(ctx context.Context, sample cell.Sample) (*database.Cell, error)
	AddLocation(ctx context.Context, l collector.Location) (*database.UserLocation, error)
}

// PipelineInfo is what the API needs to know about a configured pipeline
type PipelineInfo struct {
	ID         uint16
	Name       string
	MaxPoints  int
	Thresholds verification.Thresholds
}

// PipelineInfos describes running pipelines for the API
func PipelineInfos(pipelines []*verification.Pipeline) []PipelineInfo {
	infos := make([]PipelineInfo, len(pipelines))
	for i, p := range pipelines {
		infos[i] = PipelineInfo{ID: p.ID(), Name: p.Name(), MaxPoints: p.MaxPoints(), Thresholds: p.Thresholds()}
	}
	return infos
}

// API handles REST API endpoints
type API struct {
	store     Store
	ingester  Ingester
	pipelines map[uint16]PipelineInfo
	logger    *logger.Logger
}

// NewAPI creates a new API instance
func NewAPI(store Store, ingester Ingester, pipelines []PipelineInfo, log *logger.Logger) *API {
	byID := make(map[uint16]PipelineInfo, len(pipelines))
	for _, p := range pipelines {
		byID[p.ID] = p
	}
	return &API{
		store:     store,
		ingester:  ingester,
		pipelines: byID,
		logger:    log,
	}
}

func (a *API) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		a.logger.Warn("Failed to encode response", logger.Error(err))
	}
}

func (a *API) writeError(w http.ResponseWriter, status int, msg string) {
	a.writeJSON(w, status, map[string]string{"error": msg})
}

// storeError maps gateway errors to responses
func (a *API) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, database.ErrNotFound) {
		a.writeError(w, http.StatusNotFound, err.Error())
		return
	}
	a.logger.Error("Request failed", logger.Error(err))
	a.writeError(w, http.StatusInternalServerError, "internal error")
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		a.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

func pathID(r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// unixTime converts fractional unix seconds, zero meaning now
func unixTime(ts float64) time.Time {
	if ts <= 0 {
		return time.Time{}
	}
	sec, frac := math.Modf(ts)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

// PacketRequest is the body of POST /api/packets
type PacketRequest struct {
	Protocol  string  `json:"protocol"`
	Direction string  `json:"direction"`
	Data      string  `json:"data"` // base64
	Timestamp float64 `json:"timestamp,omitempty"`
}

// HandleAddPacket handles POST /api/packets
func (a *API) HandleAddPacket(w http.ResponseWriter, r *http.Request) {
	var req PacketRequest
	if !a.decode(w, r, &req) {
		return
	}
	proto, err := packet.ParseProtocol(req.Protocol)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	dir, err := packet.ParseDirection(req.Direction)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		a.writeError(w, http.StatusBadRequest, "data must be base64")
		return
	}

	row, err := a.ingester.AddPacket(r.Context(), packet.Raw{Protocol: proto, Direction: dir, Data: data, Collected: unixTime(req.Timestamp)})
	if err != nil {
		if errors.Is(err, collector.ErrMalformed) {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.storeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, row)
}

// CellRequest is the body of POST /api/cells: one capture sample, the cell
// entries followed by the meta entry
type CellRequest struct {
	Sample cell.Sample `json:"sample"`
}

// HandleAddCell handles POST /api/cells
func (a *API) HandleAddCell(w http.ResponseWriter, r *http.Request) {
	var req CellRequest
	if !a.decode(w, r, &req) {
		return
	}

	row, err := a.ingester.AddSample(r.Context(), req.Sample)
	switch {
	case errors.Is(err, collector.ErrDuplicateCell):
		a.writeJSON(w, http.StatusOK, map[string]interface{}{"duplicate": true})
	case errors.Is(err, collector.ErrMalformed):
		a.writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		a.storeError(w, err)
	default:
		a.writeJSON(w, http.StatusCreated, row)
	}
}

// LocationRequest is the body of POST /api/locations
type LocationRequest struct {
	Latitude           float64  `json:"latitude"`
	Longitude          float64  `json:"longitude"`
	HorizontalAccuracy float64  `json:"horizontal_accuracy"`
	Altitude           float64  `json:"altitude"`
	Speed              *float64 `json:"speed,omitempty"` // m/s, unknown when absent
	Timestamp          float64  `json:"timestamp,omitempty"`
}

// HandleAddLocation handles POST /api/locations
func (a *API) HandleAddLocation(w http.ResponseWriter, r *http.Request) {
	var req LocationRequest
	if !a.decode(w, r, &req) {
		return
	}
	speed := -1.0
	if req.Speed != nil {
		speed = *req.Speed
	}

	row, err := a.ingester.AddLocation(r.Context(), collector.Location{
		Latitude:           req.Latitude,
		Longitude:          req.Longitude,
		HorizontalAccuracy: req.HorizontalAccuracy,
		Altitude:           req.Altitude,
		Speed:              speed,
		Collected:          unixTime(req.Timestamp),
	})
	if err != nil {
		if errors.Is(err, collector.ErrMalformed) {
			a.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		a.storeError(w, err)
		return
	}
	a.writeJSON(w, http.StatusCreated, row)
}

// HandleListCells handles GET /api/cells
func (a *API) HandleListCells(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := min(queryInt(r, "per_page", defaultPerPage), maxPerPage)

	cells, total, err := a.store.ListCells(r.Context(), page, perPage)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if cells == nil {
		cells = []database.Cell{}
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"cells":    cells,
		"total":    total,
		"page":     page,
		"per_page": perPage,
	})
}

// Verification is one pipeline's view of a cell
type Verification struct {
	PipelineID   uint16                     `json:"pipeline_id"`
	PipelineName string                     `json:"pipeline_name"`
	MaxPoints    int                        `json:"max_points"`
	Verdict      verification.Verdict       `json:"verdict"`
	State        database.VerificationState `json:"state"`
	Logs         []database.VerificationLog `json:"logs"`
}

// CellDetail is the response of GET /api/cells/{id}
type CellDetail struct {
	Cell          database.Cell  `json:"cell"`
	Verifications []Verification `json:"verifications"`
}

// HandleGetCell handles GET /api/cells/{id}
func (a *API) HandleGetCell(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "invalid cell id")
		return
	}

	c, err := a.store.GetCell(r.Context(), id)
	if err != nil {
		a.storeError(w, err)
		return
	}
	states, err := a.store.StatesForCell(r.Context(), id)
	if err != nil {
		a.storeError(w, err)
		return
	}

	detail := CellDetail{Cell: *c, Verifications: make([]Verification, 0, len(states))}
	for _, s := range states {
		logs, err := a.store.LogsForState(r.Context(), s.ID)
		if err != nil {
			a.storeError(w, err)
			return
		}
		if logs == nil {
			logs = []database.VerificationLog{}
		}

		v := Verification{PipelineID: s.PipelineID, State: s, Logs: logs, Verdict: verification.VerdictPending}
		if p, ok := a.pipelines[s.PipelineID]; ok {
			v.PipelineName = p.Name
			v.MaxPoints = p.MaxPoints
			v.Verdict = p.Thresholds.Classify(s.Score, s.Finished)
		}
		detail.Verifications = append(detail.Verifications, v)
	}
	a.writeJSON(w, http.StatusOK, detail)
}

// HandleResetCell handles POST /api/cells/{id}/reset
func (a *API) HandleResetCell(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		a.writeError(w, http.StatusBadRequest, "invalid cell id")
		return
	}
	if err := a.store.ResetVerification(r.Context(), id); err != nil {
		a.storeError(w, err)
		return
	}
	a.logger.Info("Verification reset", logger.Uint("cell", id))
	a.writeJSON(w, http.StatusOK, map[string]interface{}{"reset": true, "cell_id": id})
}

// HandleEvents handles GET /api/events?cursor=. The returned cursor is
// passed back to continue after the last event.
func (a *API) HandleEvents(w http.ResponseWriter, r *http.Request) {
	var cursor uint
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		v, err := strconv.ParseUint(raw, 10, 32)
		if err != nil {
			a.writeError(w, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor = uint(v)
	}
	limit := min(queryInt(r, "limit", database.DefaultEventLimit), maxEventLimit)

	events, err := a.store.ReadEvents(r.Context(), cursor, limit)
	if err != nil {
		a.storeError(w, err)
		return
	}
	if events == nil {
		events = []database.Event{}
	}
	next := cursor
	if len(events) > 0 {
		next = events[len(events)-1].ID
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"cursor": next,
	})
}

// HandleHealth handles GET /api/health
func (a *API) HandleHealth(w http.ResponseWriter, r *http.Request) {
	info := GetBuildInfo()
	latest, err := a.store.LatestEventID(r.Context())
	if err != nil {
		a.logger.Error("Health check failed", logger.Error(err))
		a.writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status": "unavailable",
			"error":  err.Error(),
		})
		return
	}
	a.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "cellguard",
		"version":   info.Version,
		"commit":    info.Commit,
		"built":     info.BuildTime,
		"pipelines": len(a.pipelines),
		"cursor":    latest,
		"time":      time.Now().Unix(),
	})
}
