// Package bus provides the Redis stream topics, acknowledgements and status
// records that connect groundlink instances to the rest of the ground system.
//
// # Overview
//
// Every interface or router instance talks to the outside world exclusively
// through Redis. Commands and control directives arrive on stream topics,
// each processed message is acknowledged on a paired ack topic, telemetry and
// written commands are published to per-packet topics, and a JSON status
// record per instance is kept in a scope-wide hash.
//
// # Topics
//
// Command-path topics carry a {SCOPE__CMD} hash tag:
//
//	{DEFAULT__CMD}INTERFACE__INST_INT   control directives for interface INST_INT
//	{DEFAULT__CMD}TARGET__INST          commands for target INST
//	{DEFAULT__ACKCMD}TARGET__INST       results for messages read from the above
//
// Data topics are named per packet:
//
//	DEFAULT__TELEMETRY__{INST}__HEALTH_STATUS
//	DEFAULT__COMMAND__{INST}__ABORT
//
// # Multi-Scope Support
//
// All keys are namespaced by scope so several ground systems can share one
// Redis server without interference.
//
// # Usage Example
//
//	client, err := bus.NewClient(&redis.Options{Addr: "localhost:6379"}, "DEFAULT")
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
//	result, err := client.SendAndWait(ctx, bus.TargetCommandTopic("DEFAULT", "INST"),
//		map[string]any{"target_name": "INST", "cmd_name": "NOOP"}, 5*time.Second)
//
// # Thread Safety
//
// Client, QueuedWriter and PacketSink are safe for concurrent use.
package bus
