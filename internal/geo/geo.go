package geo

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mmcloughlin/geohash"

	"github.com/example/ride-dispatch/internal/models"
)

// Registry is the driver presence contract visible to every instance.
type Registry interface {
	Register(ctx context.Context, driverID string, lat, lng float64, connID string) error
	// Unregister returns the driver owning connID, or "" if there is none.
	Unregister(ctx context.Context, connID string) (string, error)
	Query(ctx context.Context, point models.Coord, radiusMeters float64, limit int, exclude []string) ([]models.Candidate, error)
	LookupConnection(ctx context.Context, driverID string) (string, bool, error)
	SetBlocked(ctx context.Context, driverID string, blocked bool) error
}

// cellPrecision is the geohash length drivers are bucketed under (~4.9km cells).
const cellPrecision = 5

// metersPerDegree of latitude, and of longitude at the equator.
const metersPerDegree = 111320.0

// Index is an in-process Registry bucketed by geohash cell.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.DriverPresence
	cells   map[string]map[string]struct{}
	conns   map[string]string
	blocked map[string]struct{}
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{
		drivers: make(map[string]models.DriverPresence),
		cells:   make(map[string]map[string]struct{}),
		conns:   make(map[string]string),
		blocked: make(map[string]struct{}),
		now:     time.Now,
	}
}

func cellOf(c models.Coord) string {
	return geohash.EncodeWithPrecision(c.Lat, c.Lon, cellPrecision)
}

func (g *Index) Register(ctx context.Context, driverID string, lat, lng float64, connID string) error {
	loc := models.Coord{Lat: lat, Lon: lng}
	if err := validatePresence(driverID, loc, connID); err != nil {
		return err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if prev, ok := g.drivers[driverID]; ok {
		g.dropCell(driverID, prev.Loc)
		if prev.ConnectionID != connID {
			delete(g.conns, prev.ConnectionID)
		}
	}
	g.drivers[driverID] = models.DriverPresence{DriverID: driverID, Loc: loc, Online: true, ConnectionID: connID, Updated: g.now()}
	cell := cellOf(loc)
	if g.cells[cell] == nil {
		g.cells[cell] = make(map[string]struct{})
	}
	g.cells[cell][driverID] = struct{}{}
	g.conns[connID] = driverID
	return nil
}

func (g *Index) dropCell(driverID string, loc models.Coord) {
	cell := cellOf(loc)
	delete(g.cells[cell], driverID)
	if len(g.cells[cell]) == 0 {
		delete(g.cells, cell)
	}
}

func (g *Index) Unregister(ctx context.Context, connID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	driverID, ok := g.conns[connID]
	if !ok {
		return "", nil
	}
	delete(g.conns, connID)
	if p, ok := g.drivers[driverID]; ok && p.ConnectionID == connID {
		g.dropCell(driverID, p.Loc)
		delete(g.drivers, driverID)
	}
	return driverID, nil
}

func (g *Index) Query(ctx context.Context, point models.Coord, radiusMeters float64, limit int, exclude []string) ([]models.Candidate, error) {
	if err := point.Validate(); err != nil {
		return nil, err
	}
	skip := toSet(exclude)
	prefixes := searchPrefixes(point, radiusMeters)

	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []models.Candidate
	for cell, members := range g.cells {
		if prefixes != nil && !hasAnyPrefix(cell, prefixes) {
			continue
		}
		for id := range members {
			if _, no := skip[id]; no {
				continue
			}
			if _, no := g.blocked[id]; no {
				continue
			}
			p := g.drivers[id]
			if !p.Online {
				continue
			}
			dist := Haversine(point.Lat, point.Lon, p.Loc.Lat, p.Loc.Lon)
			if dist > radiusMeters {
				continue
			}
			out = append(out, models.Candidate{DriverID: id, Loc: p.Loc, DistM: dist})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DistM < out[j].DistM })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (g *Index) LookupConnection(ctx context.Context, driverID string) (string, bool, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	p, ok := g.drivers[driverID]
	if !ok || p.ConnectionID == "" {
		return "", false, nil
	}
	return p.ConnectionID, true, nil
}

func (g *Index) SetBlocked(ctx context.Context, driverID string, blocked bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if blocked {
		g.blocked[driverID] = struct{}{}
	} else {
		delete(g.blocked, driverID)
	}
	return nil
}

// searchPrefixes picks the finest geohash length whose cell still spans the
// radius, and returns that cell with its eight neighbours. A nil result means
// no cell is wide enough and every cell has to be scanned.
func searchPrefixes(point models.Coord, radiusMeters float64) []string {
	for p := uint(cellPrecision); p >= 1; p-- {
		center := geohash.EncodeWithPrecision(point.Lat, point.Lon, p)
		if cellSpan(center, point.Lat, radiusMeters) >= radiusMeters {
			return append([]string{center}, geohash.Neighbors(center)...)
		}
	}
	return nil
}

// cellSpan is the shorter side in meters of the cell, measured at the
// latitude within radius of lat closest to a pole, where cells are narrowest.
func cellSpan(cell string, lat, radiusMeters float64) float64 {
	box := geohash.BoundingBox(cell)
	widest := math.Min(math.Abs(lat)+radiusMeters/metersPerDegree, 90)
	lonSpan := (box.MaxLng - box.MinLng) * metersPerDegree * math.Cos(widest*math.Pi/180)
	latSpan := (box.MaxLat - box.MinLat) * metersPerDegree
	return math.Min(latSpan, lonSpan)
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func validatePresence(driverID string, loc models.Coord, connID string) error {
	if driverID == "" || connID == "" {
		return models.ErrInvalidInput
	}
	return loc.Validate()
}

// Haversine distance in meters
func Haversine(lat1, lon1, lat2, lon2 float64) float64 {
	const R = 6371000.0
	dLat := (lat2 - lat1) * math.Pi / 180
	dLon := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dLat/2)*math.Sin(dLat/2) + math.Cos(lat1*math.Pi/180)*math.Cos(lat2*math.Pi/180)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return R * c
}
