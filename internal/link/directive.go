package link

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/dyluth/groundlink/internal/adapter"
	"github.com/dyluth/groundlink/pkg/bus"
)

// Directive is one message read from an instance's directive or command
// topics. Exactly one concrete type is produced per message.
type Directive interface {
	Kind() string
}

// Shutdown stops the instance.
type Shutdown struct{}

// Connect (re)starts connection attempts, rebuilding the adapter when
// Params is non-empty.
type Connect struct {
	Params map[string]any
}

// Disconnect drops the connection and suppresses automatic reconnects.
type Disconnect struct{}

// WriteRaw sends bytes to the adapter without identification.
type WriteRaw struct {
	Data []byte
}

// ToggleStreamLog starts or stops raw stream logging.
type ToggleStreamLog struct {
	Enabled bool
}

// AdapterCommand is an adapter-specific command (interface_cmd / router_cmd).
type AdapterCommand struct {
	Name string
	Args []string
}

// ProtocolCommand is forwarded to the adapter's protocol stack.
type ProtocolCommand struct {
	Name      string
	Args      []string
	Direction adapter.Direction
	Index     int
}

// InjectTelemetry publishes a packet as if the adapter had received it.
type InjectTelemetry struct {
	Target string         `json:"target_name"`
	Packet string         `json:"packet_name"`
	Buffer []byte         `json:"buffer,omitempty"`
	Items  map[string]any `json:"item_hash,omitempty"`
	Stored bool           `json:"stored,omitempty"`
}

// ReleaseCritical executes a previously parked critical command.
type ReleaseCritical struct {
	ID string
}

// BuildCommand builds a command without sending it and returns its encoding.
type BuildCommand struct {
	Target     string         `json:"target_name"`
	Name       string         `json:"cmd_name"`
	Params     map[string]any `json:"cmd_params"`
	RangeCheck bool           `json:"range_check"`
	Raw        bool           `json:"raw"`
}

// Command is a request to send a command to a target. Either Params (a
// structured command) or Buffer (pre-encoded bytes) is set.
type Command struct {
	Target         string
	Name           string
	Params         map[string]any
	Buffer         []byte
	RangeCheck     bool
	Raw            bool
	HazardousCheck bool
	Validate       bool
	Manual         bool
	Username       string
	CmdString      string
}

func (Shutdown) Kind() string        { return "shutdown" }
func (Connect) Kind() string         { return "connect" }
func (Disconnect) Kind() string      { return "disconnect" }
func (WriteRaw) Kind() string        { return "raw" }
func (ToggleStreamLog) Kind() string { return "log_stream" }
func (AdapterCommand) Kind() string  { return "interface_cmd" }
func (ProtocolCommand) Kind() string { return "protocol_cmd" }
func (InjectTelemetry) Kind() string { return "inject_tlm" }
func (ReleaseCritical) Kind() string { return "release_critical" }
func (BuildCommand) Kind() string    { return "build_cmd" }
func (Command) Kind() string         { return "cmd" }

// HasBuffer reports whether the command carries pre-encoded bytes.
func (c Command) HasBuffer() bool { return c.Buffer != nil }

type adapterCmdJSON struct {
	Name   string   `json:"cmd_name"`
	Params []string `json:"cmd_params"`
}

type protocolCmdJSON struct {
	Name      string   `json:"cmd_name"`
	Params    []string `json:"cmd_params"`
	ReadWrite string   `json:"read_write"`
	Index     *int     `json:"index"`
}

// ParseDirective decodes a topic message into a Directive. On directive
// topics control keys are checked first, in a fixed order; anything else
// must be a command. Messages on target command topics are only ever
// commands.
func ParseDirective(m *bus.Message) (Directive, error) {
	if !bus.IsDirectiveTopic(m.Topic) {
		return parseCommand(m.Fields)
	}

	switch {
	case m.Has("shutdown"):
		return Shutdown{}, nil

	case m.Has("connect"):
		d := Connect{}
		if s := m.String("params"); s != "" {
			if err := json.Unmarshal([]byte(s), &d.Params); err != nil {
				return nil, fmt.Errorf("invalid connect params: %w", err)
			}
		}
		return d, nil

	case m.Has("disconnect"):
		return Disconnect{}, nil

	case m.Has("raw") && !m.Has("cmd_name") && !m.Has("cmd_buffer"):
		return WriteRaw{Data: []byte(m.String("raw"))}, nil

	case m.Has("log_stream"):
		return ToggleStreamLog{Enabled: m.Bool("log_stream", false)}, nil

	case m.Has("interface_cmd") || m.Has("router_cmd"):
		raw := m.String("interface_cmd")
		if raw == "" {
			raw = m.String("router_cmd")
		}
		var p adapterCmdJSON
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			return nil, fmt.Errorf("invalid interface_cmd: %w", err)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("interface_cmd requires cmd_name")
		}
		return AdapterCommand{Name: p.Name, Args: p.Params}, nil

	case m.Has("protocol_cmd"):
		var p protocolCmdJSON
		if err := json.Unmarshal([]byte(m.String("protocol_cmd")), &p); err != nil {
			return nil, fmt.Errorf("invalid protocol_cmd: %w", err)
		}
		if p.Name == "" {
			return nil, fmt.Errorf("protocol_cmd requires cmd_name")
		}
		dir, err := adapter.ParseDirection(p.ReadWrite)
		if err != nil {
			return nil, err
		}
		index := -1
		if p.Index != nil {
			index = *p.Index
		}
		return ProtocolCommand{Name: p.Name, Args: p.Params, Direction: dir, Index: index}, nil

	case m.Has("inject_tlm"):
		var d InjectTelemetry
		if err := json.Unmarshal([]byte(m.String("inject_tlm")), &d); err != nil {
			return nil, fmt.Errorf("invalid inject_tlm: %w", err)
		}
		if d.Target == "" {
			return nil, fmt.Errorf("inject_tlm requires target_name")
		}
		return d, nil

	case m.Has("build_cmd"):
		var d BuildCommand
		if err := json.Unmarshal([]byte(m.String("build_cmd")), &d); err != nil {
			return nil, fmt.Errorf("invalid build_cmd: %w", err)
		}
		if d.Target == "" || d.Name == "" {
			return nil, fmt.Errorf("build_cmd requires target_name and cmd_name")
		}
		return d, nil

	case m.Has("release_critical"):
		id := m.String("release_critical")
		if id == "" {
			return nil, fmt.Errorf("release_critical requires an id")
		}
		return ReleaseCritical{ID: id}, nil
	}

	return parseCommand(m.Fields)
}

// parseCommand decodes the command form of a message. It also decodes
// payloads kept in the critical command ledger.
func parseCommand(fields map[string]any) (Command, error) {
	m := &bus.Message{Fields: fields}
	c := Command{
		Target:         m.String("target_name"),
		Name:           m.String("cmd_name"),
		RangeCheck:     m.Bool("range_check", true),
		Raw:            m.Bool("raw", false),
		// Absent means check, for raw buffers too; senders opt out explicitly.
		HazardousCheck: m.Bool("hazardous_check", true),
		Validate:       m.Bool("validate", true),
		Manual:         m.Bool("manual", false),
		Username:       m.String("username"),
		CmdString:      m.String("cmd_string"),
	}

	switch {
	case m.Has("cmd_params"):
		if c.Target == "" || c.Name == "" {
			return Command{}, fmt.Errorf("invalid command received: target_name and cmd_name are required")
		}
		if s := m.String("cmd_params"); s != "" {
			if err := json.Unmarshal([]byte(s), &c.Params); err != nil {
				return Command{}, fmt.Errorf("invalid cmd_params: %w", err)
			}
		}
	case m.Has("cmd_buffer"):
		c.Buffer = []byte(m.String("cmd_buffer"))
	case c.Target != "" && c.Name != "":
		// A structured command without parameters.
	default:
		return Command{}, fmt.Errorf("invalid command received: %v", fieldNames(fields))
	}
	return c, nil
}

func fieldNames(fields map[string]any) []string {
	names := make([]string, 0, len(fields))
	for k := range fields {
		names = append(names, k)
	}
	return names
}

// EncodeDirective converts a Directive into topic fields understood by
// ParseDirective.
func EncodeDirective(d Directive) (map[string]any, error) {
	switch d := d.(type) {
	case Shutdown:
		return map[string]any{"shutdown": "true"}, nil
	case Connect:
		f := map[string]any{"connect": "true"}
		if len(d.Params) > 0 {
			b, err := json.Marshal(d.Params)
			if err != nil {
				return nil, err
			}
			f["params"] = string(b)
		}
		return f, nil
	case Disconnect:
		return map[string]any{"disconnect": "true"}, nil
	case WriteRaw:
		return map[string]any{"raw": d.Data}, nil
	case ToggleStreamLog:
		return map[string]any{"log_stream": strconv.FormatBool(d.Enabled)}, nil
	case AdapterCommand:
		return jsonField("interface_cmd", adapterCmdJSON{Name: d.Name, Params: nonNil(d.Args)})
	case ProtocolCommand:
		idx := d.Index
		return jsonField("protocol_cmd", protocolCmdJSON{Name: d.Name, Params: nonNil(d.Args), ReadWrite: d.Direction.String(), Index: &idx})
	case InjectTelemetry:
		return jsonField("inject_tlm", d)
	case BuildCommand:
		return jsonField("build_cmd", d)
	case ReleaseCritical:
		return map[string]any{"release_critical": d.ID}, nil
	case Command:
		f := map[string]any{
			"target_name":     d.Target,
			"cmd_name":        d.Name,
			"range_check":     strconv.FormatBool(d.RangeCheck),
			"raw":             strconv.FormatBool(d.Raw),
			"hazardous_check": strconv.FormatBool(d.HazardousCheck),
			"validate":        strconv.FormatBool(d.Validate),
			"manual":          strconv.FormatBool(d.Manual),
		}
		if d.Username != "" {
			f["username"] = d.Username
		}
		if d.CmdString != "" {
			f["cmd_string"] = d.CmdString
		}
		if d.HasBuffer() {
			f["cmd_buffer"] = d.Buffer
		} else {
			params := d.Params
			if params == nil {
				params = map[string]any{}
			}
			b, err := json.Marshal(params)
			if err != nil {
				return nil, fmt.Errorf("failed to encode cmd_params: %w", err)
			}
			f["cmd_params"] = string(b)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown directive %T", d)
	}
}

func jsonField(key string, v any) (map[string]any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return map[string]any{key: string(b)}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
