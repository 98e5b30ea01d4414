package escrow

// State mirrors the escrow contract's state enum.
type State uint8

const (
	StateEmpty State = iota
	StateFunded
	StateReleased
	StateCancelled
	// StateUnknown quarantines values outside the known enum.
	StateUnknown State = 0xff
)

// Capabilities lists what the contract accepts in a given state.
type Capabilities struct {
	CanFund    bool `json:"canFund"`
	CanRelease bool `json:"canRelease"`
	CanCancel  bool `json:"canCancel"`
}

type stateInfo struct {
	name string
	caps Capabilities
}

var stateTable = map[State]stateInfo{
	StateEmpty:     {name: "EMPTY", caps: Capabilities{CanFund: true}},
	StateFunded:    {name: "FUNDED", caps: Capabilities{CanRelease: true, CanCancel: true}},
	StateReleased:  {name: "RELEASED"},
	StateCancelled: {name: "CANCELLED"},
}

// ParseState maps a raw on-chain value. Unknown values become StateUnknown
// rather than an error so a newer contract cannot crash the reader.
func ParseState(raw uint8) State {
	s := State(raw)
	if _, ok := stateTable[s]; ok {
		return s
	}
	return StateUnknown
}

func (s State) String() string {
	if info, ok := stateTable[s]; ok {
		return info.name
	}
	return "UNKNOWN"
}

// Capabilities returns the static capability record, all false for unknown states.
func (s State) Capabilities() Capabilities {
	return stateTable[s].caps
}

// Describe is the human-readable state name shown to payers.
func (s State) Describe() string {
	switch s {
	case StateEmpty:
		return "awaiting payment"
	case StateFunded:
		return "already funded"
	case StateReleased:
		return "released to the owner"
	case StateCancelled:
		return "cancelled"
	default:
		return "in an unrecognised state"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s == StateReleased || s == StateCancelled
}

// CapabilitiesOf is the capability record for a raw on-chain state value.
func CapabilitiesOf(raw uint8) Capabilities {
	return ParseState(raw).Capabilities()
}
