package zcl

import (
	"fmt"
	"log/slog"
	"sync"
)

// Registry holds the cluster definitions known to the hub.
type Registry struct {
	mu       sync.RWMutex
	clusters map[uint16]*ClusterDef
	logger   *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		clusters: make(map[uint16]*ClusterDef),
		logger:   logger,
	}
}

// Register adds a cluster definition. A second definition for the same
// cluster ID is merged into the first.
func (r *Registry) Register(c ClusterDef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.clusters[c.ID]; ok {
		existing.Merge(&c)
		r.logger.Debug("cluster merged", "id", fmt.Sprintf("0x%04X", c.ID), "name", existing.Name)
		return
	}
	r.clusters[c.ID] = c.DeepCopy()
	r.logger.Debug("cluster registered", "id", fmt.Sprintf("0x%04X", c.ID), "name", c.Name)
}

// Get returns a copy of the cluster definition, or nil if unknown.
func (r *Registry) Get(id uint16) *ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[id]
	if c == nil {
		return nil
	}
	return c.DeepCopy()
}

// Attribute resolves an attribute name within a cluster.
func (r *Registry) Attribute(clusterID uint16, name string) (AttributeDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[clusterID]
	if c == nil {
		return AttributeDef{}, fmt.Errorf("zcl: unknown cluster 0x%04X", clusterID)
	}
	a := c.FindAttributeByName(name)
	if a == nil {
		return AttributeDef{}, fmt.Errorf("zcl: cluster %s has no attribute %q", c.Name, name)
	}
	return *a, nil
}

// Names returns the cluster and attribute names for display, falling back to hex.
func (r *Registry) Names(clusterID, attrID uint16) (string, string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.clusters[clusterID]
	if c == nil {
		return fmt.Sprintf("0x%04X", clusterID), fmt.Sprintf("0x%04X", attrID)
	}
	if a := c.FindAttribute(attrID); a != nil {
		return c.Name, a.Name
	}
	return c.Name, fmt.Sprintf("0x%04X", attrID)
}

// All returns copies of every registered cluster.
func (r *Registry) All() []ClusterDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]ClusterDef, 0, len(r.clusters))
	for _, c := range r.clusters {
		result = append(result, *c.DeepCopy())
	}
	return result
}
