package observerproto

// Version is the observer protocol version.
const Version = "0.1"

const (
	TypeSubscribe = "SUBSCRIBE"
	TypePoint     = "POINT"
	TypeProgress  = "PROGRESS"
	TypeDone      = "DONE"
)

// Client -> Server. First message on the observer WS connection, and can be re-sent to update settings.
type SubscribeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`

	// ProgressEvery asks for a PROGRESS message every k trials (0 disables them).
	ProgressEvery int `json:"progress_every,omitempty"`
}

// HTTP response for GET /v1/observer/bootstrap.
type BootstrapResponse struct {
	ProtocolVersion string    `json:"protocol_version"`
	RunID           string    `json:"run_id"`
	RunParams       RunParams `json:"run_params"`
}

type RunParams struct {
	LatticeDim     int    `json:"lattice_dim"`
	Occupancy      string `json:"occupancy"`
	Tries          int    `json:"tries"`
	Lengths        []int  `json:"lengths"`
	Seed           int64  `json:"seed"`
	Estimator      string `json:"estimator"`
	LegacyCoupling bool   `json:"legacy_coupling"`
}

// Server -> Client. Sent once per completed chain length.
type PointMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`

	N          int     `json:"n"`
	Bonds      int     `json:"bonds"`
	Value      float64 `json:"value"`
	MeanR2     float64 `json:"mean_r2"`
	WeightedR2 float64 `json:"weighted_r2"`
	MarkovR2   float64 `json:"markov_r2"`
	AcceptRate float64 `json:"accept_rate"`
	Restarts   int     `json:"restarts"`
}

// Server -> Client. Sampled trial progress.
type ProgressMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`

	N        int     `json:"n"`
	Try      int     `json:"try"`
	Tries    int     `json:"tries"`
	REESqr   int     `json:"r_ee_sqr"`
	LogW     float64 `json:"log_weight"`
	Accepted bool    `json:"accepted"`
}

// Server -> Client. Sent when the sweep ends.
type DoneMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RunID           string `json:"run_id"`
	Status          string `json:"status"`
}
