package link

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dyluth/groundlink/internal/adapter"
	"github.com/dyluth/groundlink/pkg/bus"
)

func msg(fields map[string]any) *bus.Message {
	return &bus.Message{Topic: bus.InterfaceDirectiveTopic("DEFAULT", "INST_INT"), ID: "1-0", Fields: fields}
}

func TestParseDirective(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
		want   Directive
	}{
		{"shutdown", map[string]any{"shutdown": "true"}, Shutdown{}},
		{"connect without params", map[string]any{"connect": "true"}, Connect{}},
		{"connect with params", map[string]any{"connect": "true", "params": `{"host":"sc1","write_port":8080}`},
			Connect{Params: map[string]any{"host": "sc1", "write_port": float64(8080)}}},
		{"disconnect", map[string]any{"disconnect": "true"}, Disconnect{}},
		{"raw", map[string]any{"raw": "\x01\x02"}, WriteRaw{Data: []byte{1, 2}}},
		{"log stream on", map[string]any{"log_stream": "true"}, ToggleStreamLog{Enabled: true}},
		{"log stream off", map[string]any{"log_stream": "false"}, ToggleStreamLog{}},
		{"interface cmd", map[string]any{"interface_cmd": `{"cmd_name":"set_option","cmd_params":["a","b"]}`},
			AdapterCommand{Name: "set_option", Args: []string{"a", "b"}}},
		{"router cmd", map[string]any{"router_cmd": `{"cmd_name":"clear_counters","cmd_params":[]}`},
			AdapterCommand{Name: "clear_counters", Args: []string{}}},
		{"protocol cmd", map[string]any{"protocol_cmd": `{"cmd_name":"keep_terminator","cmd_params":["true"],"read_write":"READ","index":0}`},
			ProtocolCommand{Name: "keep_terminator", Args: []string{"true"}, Direction: adapter.DirectionRead, Index: 0}},
		{"protocol cmd without index", map[string]any{"protocol_cmd": `{"cmd_name":"x","cmd_params":[]}`},
			ProtocolCommand{Name: "x", Args: []string{}, Direction: adapter.DirectionReadWrite, Index: -1}},
		{"inject tlm", map[string]any{"inject_tlm": `{"target_name":"INST","packet_name":"HEALTH_STATUS","stored":true}`},
			InjectTelemetry{Target: "INST", Packet: "HEALTH_STATUS", Stored: true}},
		{"build cmd", map[string]any{"build_cmd": `{"target_name":"INST","cmd_name":"NOOP","range_check":true}`},
			BuildCommand{Target: "INST", Name: "NOOP", RangeCheck: true}},
		{"release critical", map[string]any{"release_critical": "abc"}, ReleaseCritical{ID: "abc"}},
		{"structured command", map[string]any{"target_name": "INST", "cmd_name": "COLLECT", "cmd_params": `{"DURATION":5}`},
			Command{Target: "INST", Name: "COLLECT", Params: map[string]any{"DURATION": float64(5)},
				RangeCheck: true, HazardousCheck: true, Validate: true}},
		{"raw buffer command", map[string]any{"target_name": "INST", "cmd_buffer": "\x10", "hazardous_check": "false"},
			Command{Target: "INST", Buffer: []byte{0x10}, RangeCheck: true, Validate: true}},
		{"raw buffer command checks hazards by default", map[string]any{"target_name": "INST", "cmd_buffer": "\x10"},
			Command{Target: "INST", Buffer: []byte{0x10}, RangeCheck: true, HazardousCheck: true, Validate: true}},
		{"command flags", map[string]any{"target_name": "INST", "cmd_name": "NOOP", "cmd_params": "{}",
			"range_check": "false", "raw": "true", "manual": "true", "username": "ops", "validate": "false"},
			Command{Target: "INST", Name: "NOOP", Params: map[string]any{}, Raw: true, HazardousCheck: true,
				Manual: true, Username: "ops"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDirective(msg(tt.fields))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseDirective_Errors(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]any
	}{
		{"bad connect params", map[string]any{"connect": "true", "params": "{"}},
		{"interface cmd without name", map[string]any{"interface_cmd": `{"cmd_params":[]}`}},
		{"bad protocol direction", map[string]any{"protocol_cmd": `{"cmd_name":"x","read_write":"SIDEWAYS"}`}},
		{"inject without target", map[string]any{"inject_tlm": `{"packet_name":"X"}`}},
		{"build without name", map[string]any{"build_cmd": `{"target_name":"INST"}`}},
		{"empty release", map[string]any{"release_critical": ""}},
		{"command without name", map[string]any{"target_name": "INST", "cmd_params": "{}"}},
		{"bad cmd params", map[string]any{"target_name": "INST", "cmd_name": "NOOP", "cmd_params": "["}},
		{"nothing recognisable", map[string]any{"foo": "bar"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseDirective(msg(tt.fields))
			assert.Error(t, err)
		})
	}
}

func TestParseDirective_TargetTopicOnlyCarriesCommands(t *testing.T) {
	topic := bus.TargetCommandTopic("DEFAULT", "INST")

	t.Run("control keys are not directives", func(t *testing.T) {
		controls := []map[string]any{
			{"shutdown": "true"},
			{"disconnect": "true"},
			{"connect": "true", "params": `{"host":"elsewhere"}`},
			{"log_stream": "true"},
			{"interface_cmd": `{"cmd_name":"clear_counters"}`},
			{"inject_tlm": `{"target_name":"INST","packet_name":"HEALTH_STATUS"}`},
			{"release_critical": "abc"},
		}
		for _, fields := range controls {
			_, err := ParseDirective(&bus.Message{Topic: topic, ID: "1-0", Fields: fields})
			assert.Error(t, err, "%v", fields)
		}
	})

	t.Run("command with a control key stays a command", func(t *testing.T) {
		got, err := ParseDirective(&bus.Message{Topic: topic, ID: "1-0", Fields: map[string]any{
			"target_name": "INST", "cmd_name": "NOOP", "shutdown": "true",
		}})
		require.NoError(t, err)
		assert.Equal(t, Command{Target: "INST", Name: "NOOP", RangeCheck: true, HazardousCheck: true, Validate: true}, got)
	})
}

func TestEncodeDirective_ParsesBack(t *testing.T) {
	directives := []Directive{
		Shutdown{},
		Connect{Params: map[string]any{"host": "sc1"}},
		Disconnect{},
		ToggleStreamLog{Enabled: true},
		AdapterCommand{Name: "clear_counters", Args: []string{}},
		ProtocolCommand{Name: "set_terminator", Args: []string{"0A"}, Direction: adapter.DirectionWrite, Index: 1},
		ReleaseCritical{ID: "abc"},
		Command{Target: "INST", Name: "NOOP", Params: map[string]any{}, RangeCheck: true, Validate: true, Manual: true, Username: "ops"},
	}

	for _, d := range directives {
		t.Run(d.Kind(), func(t *testing.T) {
			fields, err := EncodeDirective(d)
			require.NoError(t, err)
			got, err := ParseDirective(msg(stringify(fields)))
			require.NoError(t, err)
			assert.Equal(t, d, got)
		})
	}
}

func TestParseResult(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		assert.NoError(t, ParseResult(StatusSuccess))
		assert.NoError(t, ParseResult(StatusShutdown))
	})

	t.Run("typed errors round trip", func(t *testing.T) {
		errs := []error{
			&NotConnectedError{Name: "INST_INT"},
			&HazardousError{Description: "Aborts", Command: "INST ABORT"},
			&CriticalCmdError{ID: "abc"},
			&CriticalNotFoundError{ID: "abc"},
			&ValidationError{Reason: "missing DURATION"},
			&ValidationError{Post: true, Reason: "no echo"},
		}
		for _, want := range errs {
			got := ParseResult(want.Error())
			assert.Equal(t, want, got)
		}
	})

	t.Run("hazardous result layout", func(t *testing.T) {
		err := &HazardousError{Description: "Aborts the current collection", Command: "INST ABORT"}
		assert.Equal(t, "HazardousError\nAborts the current collection\nINST ABORT", err.Error())
	})

	t.Run("anything else is a plain error", func(t *testing.T) {
		err := ParseResult("INST COLLECT: parameter DURATION = 99 not in valid range of 0 to 10")
		var crit *CriticalCmdError
		assert.False(t, errors.As(err, &crit))
		assert.Contains(t, err.Error(), "not in valid range")
	})
}
