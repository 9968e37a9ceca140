package workflow

// Channel names for the proposal-generation state. Steps read and write
// these channels; the schema below binds each one to its reducer.
const (
	ChannelMessages             = "messages"
	ChannelSections             = "sections"
	ChannelResearchStatus       = "researchStatus"
	ChannelSolutionStatus       = "solutionStatus"
	ChannelConnectionsStatus    = "connectionsStatus"
	ChannelErrors               = "errors"
	ChannelInterruptStatus      = "interruptStatus"
	ChannelInterruptMetadata    = "interruptMetadata"
	ChannelUserFeedback         = "userFeedback"
	ChannelRevisionInstructions = "revisionInstructions"
)

// Content status values for phases and sections.
const (
	StatusPending        = "pending"
	StatusGenerating     = "generating"
	StatusAwaitingReview = "awaiting_review"
	StatusApproved       = "approved"
	StatusEdited         = "edited"
	StatusStale          = "stale"
)

// DefaultReviseInstructions is used when a revise decision arrives with
// blank comments.
const DefaultReviseInstructions = "Please revise this content."

// MustSchema builds a schema and panics on an invalid definition. Intended
// for statically declared schemas.
func MustSchema(defs ...ChannelDef) *Schema {
	schema, err := NewSchema(defs...)
	if err != nil {
		panic(err)
	}
	return schema
}

// ProposalSchema returns the channel schema for proposal-generation threads:
// a message transcript deduplicated by id, a map of named content sections,
// per-phase status values, an append-only error log, and the interrupt
// bookkeeping channels.
func ProposalSchema() *Schema {
	return MustSchema(
		ChannelDef{Name: ChannelMessages, Kind: ChannelMergeByKey, MergeKey: "id"},
		ChannelDef{Name: ChannelSections, Kind: ChannelDeepMerge},
		ChannelDef{Name: ChannelResearchStatus, Kind: ChannelLastValue},
		ChannelDef{Name: ChannelSolutionStatus, Kind: ChannelLastValue},
		ChannelDef{Name: ChannelConnectionsStatus, Kind: ChannelLastValue},
		ChannelDef{Name: ChannelErrors, Kind: ChannelAppend},
		ChannelDef{Name: ChannelInterruptStatus, Kind: ChannelLastValue},
		ChannelDef{Name: ChannelInterruptMetadata, Kind: ChannelLastValue},
		ChannelDef{Name: ChannelUserFeedback, Kind: ChannelLastValue},
		ChannelDef{Name: ChannelRevisionInstructions, Kind: ChannelLastValue},
	)
}

// Phase describes a fixed reviewable phase of the proposal pipeline and the
// status channel it owns.
type Phase struct {
	Name          string
	StatusChannel string
}

// PhaseRegistry resolves interrupt content references to phases. Keeping
// this a registry (rather than special-casing each phase at the call sites)
// means new phases only need a registration here.
type PhaseRegistry struct {
	phases map[string]Phase
}

// NewPhaseRegistry creates a registry from the given phases.
func NewPhaseRegistry(phases ...Phase) *PhaseRegistry {
	r := &PhaseRegistry{phases: make(map[string]Phase, len(phases))}
	for _, p := range phases {
		r.phases[p.Name] = p
	}
	return r
}

// DefaultPhases returns the registry for the proposal pipeline's fixed
// phases.
func DefaultPhases() *PhaseRegistry {
	return NewPhaseRegistry(
		Phase{Name: "research", StatusChannel: ChannelResearchStatus},
		Phase{Name: "solution", StatusChannel: ChannelSolutionStatus},
		Phase{Name: "connections", StatusChannel: ChannelConnectionsStatus},
	)
}

// Lookup returns the phase registered under name.
func (r *PhaseRegistry) Lookup(name string) (Phase, bool) {
	p, ok := r.phases[name]
	return p, ok
}

// Register adds or replaces a phase.
func (r *PhaseRegistry) Register(p Phase) {
	r.phases[p.Name] = p
}

// sectionsFromState returns the sections channel as a map of section id to
// section fields, tolerating an absent channel.
func sectionsFromState(state State) map[string]any {
	sections, _ := state[ChannelSections].(map[string]any)
	return sections
}

// SectionField returns one field of a section, if present.
func SectionField(state State, sectionID, field string) (any, bool) {
	section, ok := sectionsFromState(state)[sectionID].(map[string]any)
	if !ok {
		return nil, false
	}
	v, ok := section[field]
	return v, ok
}
