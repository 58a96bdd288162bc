// Package critical decides which commands must be parked for a second
// operator's approval and keeps the ledger of parked commands.
package critical

import (
	"fmt"
	"strings"
)

// Policy is the scope-wide critical commanding mode.
type Policy string

const (
	// PolicyOff disables critical commanding entirely.
	PolicyOff Policy = "OFF"
	// PolicyNormal parks hazardous and restricted commands.
	PolicyNormal Policy = "NORMAL"
	// PolicyAll additionally parks every manually issued command.
	PolicyAll Policy = "ALL"
)

// ParsePolicy accepts OFF, NORMAL or ALL (case-insensitive). An empty
// string means OFF.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToUpper(strings.TrimSpace(s))) {
	case PolicyOff, "":
		return PolicyOff, nil
	case PolicyNormal:
		return PolicyNormal, nil
	case PolicyAll:
		return PolicyAll, nil
	default:
		return PolicyOff, fmt.Errorf("unknown critical commanding policy %q (want OFF, NORMAL or ALL)", s)
	}
}

// Classification is the reason a command was gated.
type Classification string

const (
	None       Classification = "NONE"
	Hazardous  Classification = "HAZARDOUS"
	Restricted Classification = "RESTRICTED"
	Normal     Classification = "NORMAL"
)

// Traits are the properties of a built command the gate looks at.
type Traits struct {
	Hazardous  bool
	Restricted bool
	// Manual is true when an operator issued the command by hand rather
	// than a script or procedure.
	Manual bool
}

// ShouldGate classifies a command under policy. NONE means the command may
// proceed without approval.
func ShouldGate(t Traits, policy Policy) Classification {
	switch {
	case policy == PolicyOff || policy == "":
		return None
	case t.Hazardous:
		return Hazardous
	case t.Restricted:
		return Restricted
	case policy == PolicyAll && t.Manual:
		return Normal
	default:
		return None
	}
}
