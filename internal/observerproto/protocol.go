package observerproto

// Version is the observer protocol version.
const Version = "0.1"

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Optional: only stream tasks of these kinds (empty means all).
	Kinds    []string `json:"kinds,omitempty"`
	MaxTasks int      `json:"max_tasks,omitempty"`
	// Failures opts in to per-candidate search diagnostics.
	Failures bool `json:"failures,omitempty"`
}

// HTTP response for GET /debug/v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string            `json:"protocol_version"`
	RunID           string            `json:"run_id"`
	Tick            uint64            `json:"tick"`
	Now             uint64            `json:"now"`
	Features        map[string]bool   `json:"features"`
	SubsystemOrder  string            `json:"subsystem_order"`
	TaskKinds       []string          `json:"task_kinds"`
	TaskColors      map[string]string `json:"task_colors"`
}

// Server -> Client. Sent every tick.
type TickMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`
	Now             uint64 `json:"now"`

	Engaged   bool `json:"engaged"`
	InVehicle bool `json:"in_vehicle"`
	// Paused is set while the stopped-player timeout holds yield and
	// intersection processing.
	Paused bool `json:"paused"`

	Ego          *EgoState          `json:"ego,omitempty"`
	Intersection *IntersectionState `json:"intersection,omitempty"`
	Tasks        []TaskState        `json:"tasks"`
	Events       []DecisionEvent    `json:"events,omitempty"`
	Failures     []FailureState     `json:"failures,omitempty"`
}

type EgoState struct {
	Entity    uint64     `json:"entity"`
	Pos       [3]float64 `json:"pos"`
	Heading   float64    `json:"heading"`
	Speed     float64    `json:"speed"`
	Predicted [3]float64 `json:"predicted"`
}

type IntersectionState struct {
	Kind        string     `json:"kind"`
	Center      [3]float64 `json:"center"`
	Object      uint64     `json:"object"`
	ActivatedAt uint64     `json:"activated_at"`
}

type TaskState struct {
	Entity    uint64      `json:"entity"`
	Kind      string      `json:"kind"`
	Pos       [3]float64  `json:"pos"`
	Target    *[3]float64 `json:"target,omitempty"`
	StartedAt uint64      `json:"started_at,omitempty"`
	Color     string      `json:"color"`
}

type DecisionEvent struct {
	At     uint64      `json:"at"`
	Entity uint64      `json:"entity"`
	Kind   string      `json:"kind"`
	Action string      `json:"action"`
	Reason string      `json:"reason"`
	Target *[3]float64 `json:"target,omitempty"`
}

type FailureState struct {
	Entity    uint64     `json:"entity"`
	Subsystem string     `json:"subsystem"`
	Reason    string     `json:"reason"`
	Point     [3]float64 `json:"point"`
}

// Filter returns a copy of m reduced to what sub asked for.
func (m TickMsg) Filter(sub SubscribeMsg) TickMsg {
	out := m
	if len(sub.Kinds) > 0 {
		want := make(map[string]bool, len(sub.Kinds))
		for _, k := range sub.Kinds {
			want[k] = true
		}
		out.Tasks = nil
		for _, t := range m.Tasks {
			if want[t.Kind] {
				out.Tasks = append(out.Tasks, t)
			}
		}
	}
	if sub.MaxTasks > 0 && len(out.Tasks) > sub.MaxTasks {
		out.Tasks = out.Tasks[:sub.MaxTasks]
	}
	if out.Tasks == nil {
		out.Tasks = []TaskState{}
	}
	if !sub.Failures {
		out.Failures = nil
	}
	return out
}
