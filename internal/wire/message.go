// Package wire defines the framed message protocol spoken on both the
// multicast discovery group and node TCP sessions: a fixed binary header
// followed by a JSON payload, one frame per message.
package wire

import "fmt"

// MsgType tags the payload variant carried by a frame.
type MsgType uint8

// Frame type tags. These are wire values; never renumber.
const (
	TypeBeacon MsgType = iota + 1
	TypeConnectRequest
	TypeConnectAck
	TypeExecRequest
	TypeExecOutputChunk
	TypeExecResult
)

func (t MsgType) String() string {
	switch t {
	case TypeBeacon:
		return "beacon"
	case TypeConnectRequest:
		return "connect_request"
	case TypeConnectAck:
		return "connect_ack"
	case TypeExecRequest:
		return "exec_request"
	case TypeExecOutputChunk:
		return "exec_output_chunk"
	case TypeExecResult:
		return "exec_result"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Mode selects how a node's interpreter runs submitted code. The values are
// wire-stable; the engine side matches on the exact strings.
type Mode string

const (
	// ModeExecFile runs the code as a whole file
	ModeExecFile Mode = "MODE_EXEC_FILE"
	// ModeExecStatement executes the code as statements
	ModeExecStatement Mode = "MODE_EXEC_STATEMENT"
	// ModeEvalStatement evaluates the code as a single expression
	ModeEvalStatement Mode = "MODE_EVAL_STATEMENT"
)

// Valid reports whether m is one of the closed set of execution modes.
func (m Mode) Valid() bool {
	switch m {
	case ModeExecFile, ModeExecStatement, ModeEvalStatement:
		return true
	}
	return false
}

// Stream labels which output stream a chunk came from.
type Stream string

const (
	StreamStdout Stream = "stdout"
	StreamStderr Stream = "stderr"
)

// Status is the terminal outcome of an execution request.
type Status string

const (
	StatusOK    Status = "ok"
	StatusError Status = "error"
)

// Message is implemented by every payload variant.
type Message interface {
	// Type returns the frame tag for this variant.
	Type() MsgType
}

// Beacon is the periodic multicast self-announcement. Address is the node's
// TCP endpoint; an empty host (":7766" style) means the listener should
// substitute the datagram's source IP.
type Beacon struct {
	NodeID        string   `json:"node_id"`
	Address       string   `json:"address"`
	Capabilities  []string `json:"capabilities,omitempty"`
	EngineVersion string   `json:"engine_version,omitempty"`
	Project       string   `json:"project,omitempty"`
}

func (*Beacon) Type() MsgType { return TypeBeacon }

// ConnectRequest opens a session; the first frame on a new TCP connection.
type ConnectRequest struct {
	ClientID string `json:"client_id"`
}

func (*ConnectRequest) Type() MsgType { return TypeConnectRequest }

// ConnectAck answers a ConnectRequest. Reason is set when Accepted is false.
type ConnectAck struct {
	NodeID   string `json:"node_id"`
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

func (*ConnectAck) Type() MsgType { return TypeConnectAck }

// ExecRequest submits code for remote execution. Unattended asks the node to
// suppress interactive confirmation dialogs; enforcement is node-side policy.
type ExecRequest struct {
	CorrelationID string `json:"correlation_id"`
	Mode          Mode   `json:"mode"`
	Code          string `json:"code"`
	Unattended    bool   `json:"unattended"`
}

func (*ExecRequest) Type() MsgType { return TypeExecRequest }

// ExecOutputChunk carries a piece of captured interpreter output. Data may be
// empty; chunks for one request arrive in emission order.
type ExecOutputChunk struct {
	CorrelationID string `json:"correlation_id"`
	Stream        Stream `json:"stream"`
	Data          string `json:"data"`
}

func (*ExecOutputChunk) Type() MsgType { return TypeExecOutputChunk }

// ExecResult terminates a request. Value holds the evaluation result on
// StatusOK; Error holds the failure text on StatusError.
type ExecResult struct {
	CorrelationID string `json:"correlation_id"`
	Status        Status `json:"status"`
	Value         string `json:"value,omitempty"`
	Error         string `json:"error,omitempty"`
}

func (*ExecResult) Type() MsgType { return TypeExecResult }
