package types

import (
	"encoding/json"
	"time"
)

// Peer names used in the source/dest fields of relay messages.
const (
	PeerIndex     = "index"
	PeerIndexHTML = "index.html"
	PeerTestProc  = "test-proc"
	PeerPerfProc  = "perf-proc"
	PeerFitProc   = "fit-proc"
)

// Relay commands.
const (
	CmdReplot     = "replot"
	CmdInit       = "init"
	CmdRefresh    = "refresh"
	CmdRefreshFit = "refresh-fit"
	CmdKeyPressed = "key-pressed"
)

// Process control commands sent to /test_proc, /perf_proc and /fit_proc.
const (
	ProcStart = "start"
	ProcStop  = "stop"
)

// Message is the envelope exchanged over the relay. Payload keys are
// flattened next to source/dest/cmd on the wire.
type Message struct {
	Source  string
	Dest    string
	Cmd     string
	Payload map[string]any
}

func (m Message) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(m.Payload)+3)
	for k, v := range m.Payload {
		out[k] = v
	}
	if m.Source != "" {
		out["source"] = m.Source
	}
	if m.Dest != "" {
		out["dest"] = m.Dest
	}
	if m.Cmd != "" {
		out["cmd"] = m.Cmd
	}
	return json.Marshal(out)
}

func (m *Message) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*m = Message{}
	take := func(key string) string {
		v, ok := raw[key]
		if !ok {
			return ""
		}
		delete(raw, key)
		s, _ := v.(string)
		return s
	}
	m.Source = take("source")
	m.Dest = take("dest")
	m.Cmd = take("cmd")
	if len(raw) > 0 {
		m.Payload = raw
	}
	return nil
}

// Field returns a payload value as a string, or "" when absent.
func (m Message) Field(key string) string {
	s, _ := m.Payload[key].(string)
	return s
}

type MeasureRequest struct {
	ModelSpec     string `json:"model_spec"`
	ModelIDOrPath string `json:"model_id_or_filepath"`
	BuildDir      string `json:"build_dir"`
	DrawProfile   string `json:"draw_profile"`
}

type SimulateRequest struct {
	ModelSpec     string `json:"model_spec"`
	ModelIDOrPath string `json:"model_id_or_filepath"`
	BuildDir      string `json:"build_dir"`
	TestDir       string `json:"test_dir"`
}

type ProcRequest struct {
	Cmd string `json:"cmd"`
}

type LaunchResult struct {
	PortNum int `json:"port_num,omitempty"`
}

// RunKind names the engine command a run invoked.
type RunKind string

const (
	RunMeasure  RunKind = "measure"
	RunSimulate RunKind = "simulate"
)

type RunRecord struct {
	ID        string        `json:"id"`
	Kind      RunKind       `json:"kind"`
	Args      []string      `json:"args"`
	Dir       string        `json:"dir,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration_ns"`
	ExitCode  int           `json:"exit_code"`
	Error     string        `json:"error,omitempty"`
}

// WSEvent is emitted by the run engine for each run transition.
type WSEvent struct {
	Type      string      `json:"type"`
	Timestamp string      `json:"ts,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}
