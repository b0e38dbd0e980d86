package geo

import (
	"sync"

	"encroachwatch/internal/model"
)

// Registry holds geofence definitions in insertion order.
type Registry struct {
	mu        sync.RWMutex
	geofences []model.Geofence
}

type Stats struct {
	Total int      `json:"total_geofences"`
	IDs   []string `json:"geofence_ids"`
	Names []string `json:"geofence_names"`
}

func NewRegistry(geofences []model.Geofence) *Registry {
	return &Registry{geofences: cloneAll(geofences)}
}

// Add appends gf. It reports false when the id is already registered.
func (r *Registry) Add(gf model.Geofence) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.geofences {
		if existing.ID == gf.ID {
			return false
		}
	}
	r.geofences = append(r.geofences, clone(gf))
	return true
}

func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, gf := range r.geofences {
		if gf.ID == id {
			r.geofences = append(r.geofences[:i], r.geofences[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry) Get(id string) (model.Geofence, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, gf := range r.geofences {
		if gf.ID == id {
			return clone(gf), true
		}
	}
	return model.Geofence{}, false
}

// List returns a deep copy; callers may mutate it freely.
func (r *Registry) List() []model.Geofence {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneAll(r.geofences)
}

func (r *Registry) Contains(lat, lon float64) (bool, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return FirstContaining(lat, lon, r.geofences)
}

// DistanceTo returns the distance from the point to the boundary of the
// named geofence. ok is false for an unknown id or an empty polygon.
func (r *Registry) DistanceTo(lat, lon float64, id string) (float64, bool) {
	gf, ok := r.Get(id)
	if !ok || len(gf.Polygon) == 0 {
		return 0, false
	}
	return DistanceToBoundary(lat, lon, gf.Polygon), true
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{
		Total: len(r.geofences),
		IDs:   make([]string, 0, len(r.geofences)),
		Names: make([]string, 0, len(r.geofences)),
	}
	for _, gf := range r.geofences {
		s.IDs = append(s.IDs, gf.ID)
		s.Names = append(s.Names, gf.Name)
	}
	return s
}

func clone(gf model.Geofence) model.Geofence {
	out := gf
	out.Polygon = append([][2]float64(nil), gf.Polygon...)
	return out
}

func cloneAll(in []model.Geofence) []model.Geofence {
	out := make([]model.Geofence, 0, len(in))
	for _, gf := range in {
		out = append(out, clone(gf))
	}
	return out
}
