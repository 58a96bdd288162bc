package bus

import (
	"fmt"
	"strings"
)

// Redis key and topic helpers
//
// Every key is namespaced by scope so several ground systems can share one
// Redis server. Topics that feed a command path use a {SCOPE__CMD} hash tag so
// that a directive topic and its ack topic hash to the same cluster slot.
//
// Directive topic pattern: {SCOPE__CMD}INTERFACE__NAME
// Telemetry topic pattern: SCOPE__TELEMETRY__{TARGET}__PACKET

// InterfaceDirectiveTopic returns the topic an interface instance reads its
// control directives from.
// Pattern: {scope__CMD}INTERFACE__{name}
func InterfaceDirectiveTopic(scope, interfaceName string) string {
	return fmt.Sprintf("{%s__CMD}INTERFACE__%s", scope, interfaceName)
}

// RouterDirectiveTopic returns the topic a router instance reads its control
// directives from.
// Pattern: {scope__CMD}ROUTER__{name}
func RouterDirectiveTopic(scope, routerName string) string {
	return fmt.Sprintf("{%s__CMD}ROUTER__%s", scope, routerName)
}

// IsDirectiveTopic reports whether topic is an interface or router
// directive topic. Control directives are only honoured on these topics.
func IsDirectiveTopic(topic string) bool {
	return strings.Contains(topic, "__CMD}INTERFACE__") || strings.Contains(topic, "__CMD}ROUTER__")
}

// TargetCommandTopic returns the topic commands for a target are queued on.
// Pattern: {scope__CMD}TARGET__{target}
func TargetCommandTopic(scope, targetName string) string {
	return fmt.Sprintf("{%s__CMD}TARGET__%s", scope, targetName)
}

// AckTopic returns the acknowledgement topic paired with a command or
// directive topic. Topics without a __CMD} tag are returned with an __ACK
// suffix so that acks never land on the source topic.
// Pattern: {scope__ACKCMD}...
func AckTopic(topic string) string {
	if strings.Contains(topic, "__CMD}") {
		return strings.Replace(topic, "__CMD}", "__ACKCMD}", 1)
	}
	return topic + "__ACK"
}

// TelemetryTopic returns the topic identified telemetry packets are published on.
// Pattern: {scope}__TELEMETRY__{target}__{packet}
func TelemetryTopic(scope, targetName, packetName string) string {
	return fmt.Sprintf("%s__TELEMETRY__{%s}__%s", scope, targetName, packetName)
}

// CommandTopic returns the topic every written command is logged to.
// Pattern: {scope}__COMMAND__{target}__{packet}
func CommandTopic(scope, targetName, packetName string) string {
	return fmt.Sprintf("%s__COMMAND__{%s}__%s", scope, targetName, packetName)
}

// DecomCommandTopic returns the topic carrying the decommutated form of each
// written command (parameters rather than raw bytes).
// Pattern: {scope}__DECOMCMD__{target}__{packet}
func DecomCommandTopic(scope, targetName, packetName string) string {
	return fmt.Sprintf("%s__DECOMCMD__{%s}__%s", scope, targetName, packetName)
}

// InterfaceStatusKey returns the hash holding one JSON status record per interface.
// Pattern: {scope}__groundlink_interfaces
func InterfaceStatusKey(scope string) string {
	return fmt.Sprintf("%s__groundlink_interfaces", scope)
}

// RouterStatusKey returns the hash holding one JSON status record per router.
// Pattern: {scope}__groundlink_routers
func RouterStatusKey(scope string) string {
	return fmt.Sprintf("%s__groundlink_routers", scope)
}

// SettingsKey returns the hash of scope-wide runtime settings.
// Pattern: {scope}__groundlink_settings
func SettingsKey(scope string) string {
	return fmt.Sprintf("%s__groundlink_settings", scope)
}

// PacketCountKey returns the hash of shared received counts for one target.
// kind is "TLMCNTS" for telemetry or "CMDCNTS" for commands; fields are packet names.
// Pattern: {scope}__{kind}__{target}
func PacketCountKey(scope, kind, targetName string) string {
	return fmt.Sprintf("%s__%s__{%s}", scope, kind, targetName)
}

// CriticalCommandKey returns the hash of pending critical commands, keyed by id.
// Pattern: {scope}__groundlink__critical_cmds
func CriticalCommandKey(scope string) string {
	return fmt.Sprintf("%s__groundlink__critical_cmds", scope)
}

// CriticalCommandIndexKey returns the ZSET indexing pending critical commands
// by creation time (unix milliseconds).
// Pattern: {scope}__groundlink__critical_cmds:index
func CriticalCommandIndexKey(scope string) string {
	return CriticalCommandKey(scope) + ":index"
}
