package sds

import (
	"fmt"
	"reflect"
	"time"

	"github.com/pmonclus/sds/pkg/audit"
	"github.com/pmonclus/sds/pkg/sds/jsonenc"
	"github.com/pmonclus/sds/pkg/sds/schema"
	"github.com/pmonclus/sds/pkg/util"
)

// SectionCodec serializes one table section into a flat payload object and
// back. The default codec is the compiled schema.Section; registrations may
// substitute their own.
type SectionCodec interface {
	Encode(w *jsonenc.Writer, src interface{}) error
	Decode(r *jsonenc.Reader, dst interface{}) error
}

// RegisterOptions carries the per-table knobs of the simple registration
// form.
type RegisterOptions struct {
	// SyncInterval overrides the metadata sync interval when positive.
	SyncInterval time.Duration

	// LivenessInterval overrides the metadata heartbeat interval when
	// non-zero. Negative disables heartbeats.
	LivenessInterval time.Duration

	// Per-table callbacks. Fall back to the node callbacks when nil.
	OnConfig        func(tableType string)
	OnState         func(tableType, fromNode string)
	OnStatus        func(tableType, fromNode string)
	OnDeviceEvicted func(tableType, nodeID string)
}

// Registration is the canonical, fully explicit registration form. Section
// pointers reference caller-owned structs; codecs default to the section's
// compiled schema.
type Registration struct {
	Type string
	Role Role

	// Section value pointers. A nil pointer means the registration neither
	// sends nor receives that section.
	Config interface{}
	State  interface{}
	Status interface{}

	// Section layouts. Required for each non-nil section pointer.
	ConfigSection *schema.Section
	StateSection  *schema.Section
	StatusSection *schema.Section

	// Optional codec overrides.
	ConfigCodec SectionCodec
	StateCodec  SectionCodec
	StatusCodec SectionCodec

	SyncInterval     time.Duration
	LivenessInterval time.Duration
	MaxSlots         int

	OnConfig        func(tableType string)
	OnState         func(tableType, fromNode string)
	OnStatus        func(tableType, fromNode string)
	OnDeviceEvicted func(tableType, nodeID string)
}

// sectionBinding ties one section's value pointer, layout, codec and shadow
// together inside a table context.
type sectionBinding struct {
	value   interface{}
	section *schema.Section
	codec   SectionCodec
	shadow  []byte
	scratch []byte
}

func (b *sectionBinding) present() bool { return b != nil && b.value != nil }

// tableContext is one active registration.
type tableContext struct {
	typeName string
	role     Role

	config *sectionBinding
	state  *sectionBinding
	status *sectionBinding

	syncInterval     time.Duration
	livenessInterval time.Duration

	lastSyncMs    int64
	lastPublishMs int64

	onConfig        func(string)
	onState         func(string, string)
	onStatus        func(string, string)
	onDeviceEvicted func(string, string)

	// Owner-side status slots and the layout inbound status decodes with.
	slots         []slot
	slotCount     int
	maxSlots      int
	statusSection *schema.Section
	statusCodec   SectionCodec

	active bool
}

// Register activates a table registration using process metadata. The table
// value must be a pointer to a struct embedding the section structs named
// by the metadata; sections are located by type.
func (n *Node) Register(table interface{}, typeName string, role Role, opts *RegisterOptions) error {
	if !n.initialized {
		return util.ErrNotInitialized
	}
	if typeName == "" || len(typeName) > MaxTypeLen {
		return fmt.Errorf("%w: bad type name %q", util.ErrInvalidTable, typeName)
	}
	if role != RoleOwner && role != RoleDevice {
		return fmt.Errorf("%w: %d", util.ErrInvalidRole, int(role))
	}

	meta := n.registry.Find(typeName)
	if meta == nil {
		return fmt.Errorf("%w: no metadata for %q", util.ErrTableNotFound, typeName)
	}

	rv := reflect.ValueOf(table)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("%w: table must be a non-nil struct pointer", util.ErrInvalidTable)
	}

	reg := &Registration{
		Type:             typeName,
		Role:             role,
		ConfigSection:    meta.Config,
		StateSection:     meta.State,
		StatusSection:    meta.Status,
		SyncInterval:     meta.SyncInterval,
		LivenessInterval: meta.LivenessInterval,
		MaxSlots:         meta.MaxSlots,
	}
	if opts != nil {
		if opts.SyncInterval > 0 {
			reg.SyncInterval = opts.SyncInterval
		}
		if opts.LivenessInterval != 0 {
			reg.LivenessInterval = opts.LivenessInterval
		}
		reg.OnConfig = opts.OnConfig
		reg.OnState = opts.OnState
		reg.OnStatus = opts.OnStatus
		reg.OnDeviceEvicted = opts.OnDeviceEvicted
	}

	var err error
	if meta.Config != nil {
		if reg.Config, err = findSectionField(rv, meta.Config); err != nil {
			return err
		}
	}
	if meta.State != nil {
		if reg.State, err = findSectionField(rv, meta.State); err != nil {
			return err
		}
	}
	if meta.Status != nil && role == RoleDevice {
		// Owners receive status into slots, not into their table struct.
		if reg.Status, err = findSectionField(rv, meta.Status); err != nil {
			return err
		}
	}
	return n.RegisterEx(reg)
}

// findSectionField locates the struct field whose type matches the section
// layout and returns its address.
func findSectionField(table reflect.Value, section *schema.Section) (interface{}, error) {
	sv := table.Elem()
	for i := 0; i < sv.NumField(); i++ {
		f := sv.Field(i)
		if f.Type() == section.Type() && f.CanAddr() {
			return f.Addr().Interface(), nil
		}
	}
	return nil, fmt.Errorf("%w: table struct has no %s field", util.ErrInvalidTable, section.Type())
}

// RegisterEx activates a registration with explicit sections and codecs.
func (n *Node) RegisterEx(reg *Registration) error {
	if !n.initialized {
		return util.ErrNotInitialized
	}
	if reg == nil || reg.Type == "" || len(reg.Type) > MaxTypeLen {
		return util.ErrInvalidTable
	}
	if reg.Role != RoleOwner && reg.Role != RoleDevice {
		return fmt.Errorf("%w: %d", util.ErrInvalidRole, int(reg.Role))
	}
	if n.findTable(reg.Type) != nil {
		return fmt.Errorf("%w: %s", util.ErrTableAlreadyRegistered, reg.Type)
	}
	if n.TableCount() >= MaxTables {
		return util.ErrMaxTablesReached
	}

	tc := &tableContext{
		typeName:         reg.Type,
		role:             reg.Role,
		syncInterval:     reg.SyncInterval,
		livenessInterval: reg.LivenessInterval,
		maxSlots:         reg.MaxSlots,
		onConfig:         reg.OnConfig,
		onState:          reg.OnState,
		onStatus:         reg.OnStatus,
		onDeviceEvicted:  reg.OnDeviceEvicted,
		active:           true,
	}
	if tc.syncInterval <= 0 {
		tc.syncInterval = schema.DefaultSyncInterval
	}
	if tc.livenessInterval < 0 {
		tc.livenessInterval = 0
	}

	var err error
	if tc.config, err = n.bindSection(reg.Type, reg.Config, reg.ConfigSection, reg.ConfigCodec); err != nil {
		return err
	}
	if tc.state, err = n.bindSection(reg.Type, reg.State, reg.StateSection, reg.StateCodec); err != nil {
		return err
	}
	if tc.status, err = n.bindSection(reg.Type, reg.Status, reg.StatusSection, reg.StatusCodec); err != nil {
		return err
	}
	if !tc.config.present() && !tc.state.present() && !tc.status.present() && reg.StatusSection == nil {
		return fmt.Errorf("%w: registration binds no sections", util.ErrInvalidTable)
	}

	if reg.Role == RoleOwner {
		if reg.StatusSection != nil {
			if tc.maxSlots <= 0 {
				tc.maxSlots = schema.DefaultMaxSlots
			}
			tc.slots = make([]slot, tc.maxSlots)
			tc.statusSection = reg.StatusSection
			tc.statusCodec = reg.StatusCodec
			if tc.statusCodec == nil {
				tc.statusCodec = reg.StatusSection
			}
		}
	}

	now := n.nowMs()
	tc.lastSyncMs = now
	tc.lastPublishMs = now
	n.tables = append(n.tables, tc)

	if err := n.subscribeTable(tc); err != nil {
		n.reportError(err, "subscribe on register")
	}

	// Owners with a config section emit the retained config immediately so
	// late-joining devices pick it up from broker retention.
	if tc.role == RoleOwner && tc.config.present() {
		n.publishConfig(tc, now, true)
	}

	n.audit(audit.EventRegister, reg.Type, "", reg.Role.String())
	util.WithTable(reg.Type).WithField("role", reg.Role.String()).Info("table registered")
	return nil
}

// bindSection validates the shadow capacity rule and builds the binding.
func (n *Node) bindSection(typeName string, value interface{}, section *schema.Section, codec SectionCodec) (*sectionBinding, error) {
	if value == nil {
		return &sectionBinding{}, nil
	}
	if section == nil {
		return nil, fmt.Errorf("%w: section value without layout for %s", util.ErrInvalidTable, typeName)
	}
	if section.Size > n.cfg.MaxPayload {
		return nil, fmt.Errorf("%w: %s section image %d exceeds shadow capacity %d",
			util.ErrSectionTooLarge, typeName, section.Size, n.cfg.MaxPayload)
	}
	if codec == nil {
		codec = section
	}
	return &sectionBinding{
		value:   value,
		section: section,
		codec:   codec,
		shadow:  make([]byte, section.Size),
		scratch: make([]byte, section.Size),
	}, nil
}

// Unregister deactivates a registration and drops its subscriptions.
func (n *Node) Unregister(typeName string) error {
	if !n.initialized {
		return util.ErrNotInitialized
	}
	tc := n.findTable(typeName)
	if tc == nil {
		return fmt.Errorf("%w: %s", util.ErrTableNotFound, typeName)
	}
	n.unsubscribeTable(tc)
	tc.active = false
	for i, t := range n.tables {
		if t == tc {
			n.tables = append(n.tables[:i], n.tables[i+1:]...)
			break
		}
	}
	n.audit(audit.EventUnregister, typeName, "", "")
	util.WithTable(typeName).Info("table unregistered")
	return nil
}

// findTable returns the active context for a type name.
func (n *Node) findTable(typeName string) *tableContext {
	for _, tc := range n.tables {
		if tc.active && tc.typeName == typeName {
			return tc
		}
	}
	return nil
}

// subscribeTable adds the role-appropriate subscriptions for one table.
func (n *Node) subscribeTable(tc *tableContext) error {
	if !n.tr.IsConnected() {
		return nil
	}
	for _, topic := range n.tableTopics(tc) {
		if err := n.tr.Subscribe(topic); err != nil {
			return err
		}
	}
	if tc.role == RoleOwner && !n.lwtSubscribed {
		if err := n.tr.Subscribe(lwtWildcard); err != nil {
			return err
		}
		n.lwtSubscribed = true
	}
	return nil
}

// unsubscribeTable removes a table's subscriptions. The global LWT
// subscription is left in place for other owner tables.
func (n *Node) unsubscribeTable(tc *tableContext) {
	if !n.tr.IsConnected() {
		return
	}
	topics := n.tableTopics(tc)
	if len(topics) == 0 {
		return
	}
	if err := n.tr.Unsubscribe(topics...); err != nil {
		util.WithTable(tc.typeName).Warnf("unsubscribe failed: %v", err)
	}
}

// tableTopics lists the subscriptions a role holds for one table.
func (n *Node) tableTopics(tc *tableContext) []string {
	switch tc.role {
	case RoleDevice:
		return []string{configTopic(tc.typeName)}
	case RoleOwner:
		return []string{stateTopic(tc.typeName), statusWildcard(tc.typeName)}
	}
	return nil
}
