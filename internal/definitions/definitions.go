// Package definitions describes what the link knows about packets: how to
// identify raw bytes, how to build commands and which commands need
// operator interlocks.
package definitions

import (
	"context"
	"errors"

	"github.com/dyluth/groundlink/pkg/packet"
)

// ErrUnknownPacket is returned by lookups for a target/packet pair that is
// not defined.
var ErrUnknownPacket = errors.New("unknown packet")

// Definitions is the read-only packet definition service.
type Definitions interface {
	// IdentifyTelemetry finds the telemetry packet a buffer belongs to among
	// candidate targets (all targets when empty). ok is false when nothing matches.
	IdentifyTelemetry(buf []byte, targets []string) (target, name string, ok bool)
	// IdentifyCommand is IdentifyTelemetry for command definitions.
	IdentifyCommand(buf []byte, targets []string) (target, name string, ok bool)

	LookupTelemetry(target, name string) (*PacketDef, error)
	LookupCommand(target, name string) (*PacketDef, error)

	// BuildCommand encodes a command from parameters. rangeCheck enforces
	// parameter limits; raw marks the values as already converted.
	BuildCommand(target, name string, params map[string]any, rangeCheck, raw bool) (*packet.Packet, error)

	// IsHazardous reports whether a built command needs explicit operator
	// confirmation and the reason shown to the operator.
	IsHazardous(cmd *packet.Packet) (bool, string)
	// IsRestricted reports whether a built command is restricted.
	IsRestricted(cmd *packet.Packet) bool
	// Validator returns the command's validator, or nil when it has none.
	Validator(cmd *packet.Packet) Validator
	// Format renders a command the way an operator would type it.
	Format(cmd *packet.Packet) string

	// TelemetryPackets lists the telemetry packet names of a target.
	TelemetryPackets(target string) []string
}

// ValidationResult is the tri-state outcome of a validator check. Only an
// explicit Failed blocks a command.
type ValidationResult int

const (
	ValidationUnknown ValidationResult = iota
	ValidationPassed
	ValidationFailed
)

func (r ValidationResult) String() string {
	switch r {
	case ValidationPassed:
		return "PASSED"
	case ValidationFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Validator checks a command before and after it is written.
type Validator interface {
	PreCheck(ctx context.Context, cmd *packet.Packet) (ValidationResult, string)
	PostCheck(ctx context.Context, cmd *packet.Packet) (ValidationResult, string)
}

// ParamsExtraKey is the packet Extra key holding built command parameters.
const ParamsExtraKey = "params"

// CommandParams returns the parameters a command was built with.
func CommandParams(cmd *packet.Packet) map[string]any {
	if cmd.Extra == nil {
		return nil
	}
	params, _ := cmd.Extra[ParamsExtraKey].(map[string]any)
	return params
}
