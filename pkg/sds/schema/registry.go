package schema

import (
	"fmt"
	"time"

	"github.com/pmonclus/sds/pkg/util"
)

// Defaults that NewTableMeta sets on every new entry.
const (
	DefaultSyncInterval     = time.Second
	DefaultLivenessInterval = 30 * time.Second
	DefaultMaxSlots         = 16
)

// TableMeta describes one table type: its section layouts and sync policy.
// Sections left nil are absent from the table.
type TableMeta struct {
	Type   string
	Config *Section
	State  *Section
	Status *Section

	SyncInterval     time.Duration
	LivenessInterval time.Duration // 0 disables status heartbeats
	MaxSlots         int
}

// NewTableMeta compiles a table metadata entry from section struct samples.
// Pass nil for sections the table does not carry.
func NewTableMeta(typeName string, config, state, status interface{}) (*TableMeta, error) {
	if typeName == "" {
		return nil, fmt.Errorf("%w: empty table type", util.ErrInvalidTable)
	}
	m := &TableMeta{
		Type:             typeName,
		SyncInterval:     DefaultSyncInterval,
		LivenessInterval: DefaultLivenessInterval,
		MaxSlots:         DefaultMaxSlots,
	}
	var err error
	if config != nil {
		if m.Config, err = ForType(config); err != nil {
			return nil, err
		}
	}
	if state != nil {
		if m.State, err = ForType(state); err != nil {
			return nil, err
		}
	}
	if status != nil {
		if m.Status, err = ForType(status); err != nil {
			return nil, err
		}
	}
	if m.Config == nil && m.State == nil && m.Status == nil {
		return nil, fmt.Errorf("%w: table %s has no sections", util.ErrInvalidTable, typeName)
	}
	return m, nil
}

// MustTableMeta is NewTableMeta that panics on error, for package-level
// metadata tables.
func MustTableMeta(typeName string, config, state, status interface{}) *TableMeta {
	m, err := NewTableMeta(typeName, config, state, status)
	if err != nil {
		panic(err)
	}
	return m
}

// Registry holds the metadata entries known to a node.
type Registry struct {
	metas []*TableMeta
}

// NewRegistry creates a registry from an initial metadata set.
func NewRegistry(metas ...*TableMeta) *Registry {
	r := &Registry{}
	r.metas = append(r.metas, metas...)
	return r
}

// Add appends a metadata entry, rejecting duplicates by type name.
func (r *Registry) Add(meta *TableMeta) error {
	if meta == nil || meta.Type == "" {
		return fmt.Errorf("%w: nil or unnamed metadata", util.ErrInvalidTable)
	}
	if r.Find(meta.Type) != nil {
		return fmt.Errorf("%w: metadata for %s", util.ErrTableAlreadyRegistered, meta.Type)
	}
	r.metas = append(r.metas, meta)
	return nil
}

// Find returns the metadata for a type name, or nil when absent. Lookup is
// a linear scan with string equality.
func (r *Registry) Find(typeName string) *TableMeta {
	for _, m := range r.metas {
		if m.Type == typeName {
			return m
		}
	}
	return nil
}

// Types returns the registered type names in registration order.
func (r *Registry) Types() []string {
	out := make([]string, 0, len(r.metas))
	for _, m := range r.metas {
		out = append(out, m.Type)
	}
	return out
}
