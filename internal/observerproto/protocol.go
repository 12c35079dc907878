package observerproto

// Version is the observer protocol version.
const Version = "1.0"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypeFrame     = "FRAME"
)

// Client -> Server. First message on the observer WS connection, and can be
// re-sent to change the filter.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// Targets limits frames to these player ids; empty means all.
	Targets []int32 `json:"targets,omitempty"`
	// HitsOnly drops targets the shot cannot reach.
	HitsOnly bool `json:"hits_only,omitempty"`
	// Every sends one frame in N; 0 and 1 mean every frame.
	Every int `json:"every,omitempty"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string       `json:"protocol_version"`
	Map             string       `json:"map"`
	Tick            uint64       `json:"tick"`
	TickRateHz      int          `json:"tick_rate_hz"`
	Materials       []string     `json:"materials"`
	Players         []PlayerInfo `json:"players"`
}

type PlayerInfo struct {
	ID     int32  `json:"id"`
	Name   string `json:"name"`
	Team   int    `json:"team"`
	Local  bool   `json:"local,omitempty"`
	Weapon string `json:"weapon,omitempty"`
}

// Server -> Client. Sent every scanned tick.
type FrameMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Tick            uint64 `json:"tick"`

	Shooter  int32         `json:"shooter"`
	Weapon   string        `json:"weapon"`
	Wallbang bool          `json:"wallbang"`
	Targets  []TargetState `json:"targets"`
}

type TargetState struct {
	ID              int32        `json:"id"`
	Name            string       `json:"name"`
	Aim             string       `json:"aim"`
	Hitgroup        string       `json:"hitgroup"`
	DidHit          bool         `json:"did_hit"`
	Damage          int          `json:"damage"`
	PotentialDamage int          `json:"potential_damage"`
	MinDamage       int          `json:"min_damage"`
	Secure          bool         `json:"secure"`
	VerySecure      bool         `json:"very_secure"`
	Impacts         [][3]float64 `json:"impacts"`
	End             [3]float64   `json:"end"`
}
