package protocol

// Identify binds a connection to a destination name or to the controller role.
type Identify struct {
	Name string `json:"name"`
}

// Identified confirms a successful identify.
type Identified struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

// Error represents an error message in the protocol.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Target     string `json:"target,omitempty"`
	TransferID string `json:"transfer_id,omitempty"`
	FileName   string `json:"file_name,omitempty"`
	Seq        uint64 `json:"seq,omitempty"`
}

// DestinationStatus is the online flag of one destination.
type DestinationStatus struct {
	Name   string `json:"name"`
	Online bool   `json:"online"`
}

// PresenceSnapshot lists every registered destination.
type PresenceSnapshot struct {
	Destinations []DestinationStatus `json:"destinations"`
}

// DataChunk carries one slice of a file. Seq starts at 0 and is identical for
// every destination of a transfer.
type DataChunk struct {
	TransferID string `json:"transfer_id,omitempty"`
	FileName   string `json:"file_name"`
	Seq        uint64 `json:"seq"`
	Data       []byte `json:"data"`
	IsFinal    bool   `json:"is_final"`
	FileSize   int64  `json:"file_size,omitempty"`
}

// Ack tells the controller the relay forwarded a chunk. It says nothing about
// whether the destination wrote it.
type Ack struct {
	TransferID string `json:"transfer_id,omitempty"`
	FileName   string `json:"file_name"`
	Seq        uint64 `json:"seq"`
	Target     string `json:"target"`
}

// Control is the payload of pause, resume and cancel frames.
type Control struct {
	TransferID string `json:"transfer_id,omitempty"`
	FileName   string `json:"file_name,omitempty"`
}

// TextMessage is a free-form message fanned out to a set of destinations.
type TextMessage struct {
	Targets []string `json:"targets,omitempty"`
	From    string   `json:"from,omitempty"`
	Text    string   `json:"text"`
}

// Report carries a destination-side outcome back to controllers.
type Report struct {
	TransferID  string `json:"transfer_id,omitempty"`
	FileName    string `json:"file_name"`
	Kind        string `json:"kind"`
	Seq         uint64 `json:"seq,omitempty"`
	Expected    uint64 `json:"expected,omitempty"`
	Bytes       int64  `json:"bytes,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	Detail      string `json:"detail,omitempty"`
}
