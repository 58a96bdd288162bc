package definitions

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dyluth/groundlink/pkg/packet"
)

// PacketDef describes one command or telemetry packet.
type PacketDef struct {
	TargetName  string        `yaml:"-"`
	PacketName  string        `yaml:"-"`
	ID          string        `yaml:"id"`
	Description string        `yaml:"description,omitempty"`
	Hazardous   bool          `yaml:"hazardous,omitempty"`
	Restricted  bool          `yaml:"restricted,omitempty"`
	Params      []ParamDef    `yaml:"params,omitempty"`
	Validator   *ValidatorDef `yaml:"validator,omitempty"`

	id []byte
}

// ParamDef describes one command parameter.
type ParamDef struct {
	Name            string   `yaml:"name"`
	Min             *float64 `yaml:"min,omitempty"`
	Max             *float64 `yaml:"max,omitempty"`
	Default         any      `yaml:"default,omitempty"`
	Required        bool     `yaml:"required,omitempty"`
	HazardousValues []string `yaml:"hazardous_values,omitempty"`
}

// ValidatorDef configures the built-in parameter presence validator.
type ValidatorDef struct {
	Require []string `yaml:"require"`
}

// TargetDef groups the packets of one target.
type TargetDef struct {
	Commands  map[string]*PacketDef `yaml:"commands"`
	Telemetry map[string]*PacketDef `yaml:"telemetry"`
}

// Catalog is a Definitions implementation loaded from YAML. Packets are
// identified by a hex id prefix; the longest matching prefix wins.
//
// Built commands are the id bytes followed by NAME=VALUE; pairs in
// parameter definition order.
type Catalog struct {
	Targets map[string]*TargetDef `yaml:"targets"`
}

// LoadCatalog reads and parses a catalog file.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read definitions %s: %w", path, err)
	}
	return ParseCatalog(data)
}

// ParseCatalog parses catalog YAML and validates every packet id.
func ParseCatalog(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse definitions: %w", err)
	}
	if err := c.prepare(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) prepare() error {
	if c.Targets == nil {
		c.Targets = make(map[string]*TargetDef)
	}
	for targetName, t := range c.Targets {
		if t == nil {
			t = &TargetDef{}
			c.Targets[targetName] = t
		}
		for _, group := range []map[string]*PacketDef{t.Commands, t.Telemetry} {
			for name, def := range group {
				if def == nil {
					return fmt.Errorf("packet %s %s has no definition", targetName, name)
				}
				def.TargetName = targetName
				def.PacketName = name
				id, err := hex.DecodeString(def.ID)
				if err != nil {
					return fmt.Errorf("packet %s %s: invalid id %q: %w", targetName, name, def.ID, err)
				}
				def.id = id
				for _, p := range def.Params {
					if p.Min != nil && p.Max != nil && *p.Min > *p.Max {
						return fmt.Errorf("packet %s %s: parameter %s has min > max", targetName, name, p.Name)
					}
				}
			}
		}
	}
	return nil
}

func (c *Catalog) candidates(targets []string) []string {
	if len(targets) > 0 {
		return targets
	}
	names := make([]string, 0, len(c.Targets))
	for name := range c.Targets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Catalog) identify(buf []byte, targets []string, pick func(*TargetDef) map[string]*PacketDef) (string, string, bool) {
	var best *PacketDef
	for _, targetName := range c.candidates(targets) {
		t, ok := c.Targets[targetName]
		if !ok {
			continue
		}
		for _, def := range pick(t) {
			if len(def.id) == 0 || !bytes.HasPrefix(buf, def.id) {
				continue
			}
			if best == nil || len(def.id) > len(best.id) ||
				(len(def.id) == len(best.id) && def.TargetName+def.PacketName < best.TargetName+best.PacketName) {
				best = def
			}
		}
	}
	if best == nil {
		return "", "", false
	}
	return best.TargetName, best.PacketName, true
}

func commands(t *TargetDef) map[string]*PacketDef  { return t.Commands }
func telemetry(t *TargetDef) map[string]*PacketDef { return t.Telemetry }

func (c *Catalog) IdentifyTelemetry(buf []byte, targets []string) (string, string, bool) {
	return c.identify(buf, targets, telemetry)
}

func (c *Catalog) IdentifyCommand(buf []byte, targets []string) (string, string, bool) {
	return c.identify(buf, targets, commands)
}

func (c *Catalog) lookup(target, name string, pick func(*TargetDef) map[string]*PacketDef) (*PacketDef, error) {
	t, ok := c.Targets[target]
	if !ok {
		return nil, fmt.Errorf("target %s: %w", target, ErrUnknownPacket)
	}
	def, ok := pick(t)[name]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", target, name, ErrUnknownPacket)
	}
	return def, nil
}

func (c *Catalog) LookupTelemetry(target, name string) (*PacketDef, error) {
	return c.lookup(target, name, telemetry)
}

func (c *Catalog) LookupCommand(target, name string) (*PacketDef, error) {
	return c.lookup(target, name, commands)
}

// TelemetryPackets lists the telemetry packet names of a target, sorted.
func (c *Catalog) TelemetryPackets(target string) []string {
	t, ok := c.Targets[target]
	if !ok {
		return nil
	}
	names := make([]string, 0, len(t.Telemetry))
	for name := range t.Telemetry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// BuildCommand validates params against the definition and encodes the command.
func (c *Catalog) BuildCommand(target, name string, params map[string]any, rangeCheck, raw bool) (*packet.Packet, error) {
	def, err := c.LookupCommand(target, name)
	if err != nil {
		return nil, err
	}

	known := make(map[string]bool, len(def.Params))
	for _, p := range def.Params {
		known[p.Name] = true
	}
	for k := range params {
		if !known[k] {
			return nil, fmt.Errorf("%s %s: unknown parameter %s", target, name, k)
		}
	}

	values := make(map[string]any, len(def.Params))
	buf := append([]byte(nil), def.id...)
	for _, p := range def.Params {
		v, ok := params[p.Name]
		if !ok {
			if p.Required {
				return nil, fmt.Errorf("%s %s: missing required parameter %s", target, name, p.Name)
			}
			if p.Default == nil {
				continue
			}
			v = p.Default
		}
		if rangeCheck && (p.Min != nil || p.Max != nil) {
			f, err := toFloat(v)
			if err != nil {
				return nil, fmt.Errorf("%s %s: parameter %s: %w", target, name, p.Name, err)
			}
			if (p.Min != nil && f < *p.Min) || (p.Max != nil && f > *p.Max) {
				return nil, fmt.Errorf("%s %s: parameter %s = %v not in valid range of %s to %s",
					target, name, p.Name, v, bound(p.Min), bound(p.Max))
			}
		}
		values[p.Name] = v
		buf = append(buf, fmt.Sprintf("%s=%v;", p.Name, v)...)
	}

	pkt := packet.New(target, name, buf)
	pkt.SetExtra(ParamsExtraKey, values)
	if raw {
		pkt.SetExtra("raw", true)
	}
	return pkt, nil
}

func bound(f *float64) string {
	if f == nil {
		return "unbounded"
	}
	return strconv.FormatFloat(*f, 'g', -1, 64)
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case int8:
		return float64(n), nil
	case int16:
		return float64(n), nil
	case int32:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case uint8:
		return float64(n), nil
	case uint16:
		return float64(n), nil
	case uint32:
		return float64(n), nil
	case uint64:
		return float64(n), nil
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("value %q is not numeric", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("value %v is not numeric", v)
	}
}

// IsHazardous checks the packet-level flag and then per-parameter hazardous values.
func (c *Catalog) IsHazardous(cmd *packet.Packet) (bool, string) {
	def, err := c.LookupCommand(cmd.TargetName, cmd.PacketName)
	if err != nil {
		return false, ""
	}
	if def.Hazardous {
		return true, def.Description
	}
	params := CommandParams(cmd)
	for _, p := range def.Params {
		v, ok := params[p.Name]
		if !ok {
			continue
		}
		s := fmt.Sprint(v)
		for _, hv := range p.HazardousValues {
			if s == hv {
				return true, fmt.Sprintf("%s = %s is hazardous", p.Name, hv)
			}
		}
	}
	return false, ""
}

func (c *Catalog) IsRestricted(cmd *packet.Packet) bool {
	def, err := c.LookupCommand(cmd.TargetName, cmd.PacketName)
	if err != nil {
		return false
	}
	return def.Restricted
}

func (c *Catalog) Validator(cmd *packet.Packet) Validator {
	def, err := c.LookupCommand(cmd.TargetName, cmd.PacketName)
	if err != nil || def.Validator == nil {
		return nil
	}
	return &requireValidator{require: def.Validator.Require}
}

// Format renders `TARGET PACKET with P1 v1, P2 v2` in parameter order.
func (c *Catalog) Format(cmd *packet.Packet) string {
	params := CommandParams(cmd)
	if len(params) == 0 {
		return cmd.TargetName + " " + cmd.PacketName
	}

	var order []string
	if def, err := c.LookupCommand(cmd.TargetName, cmd.PacketName); err == nil {
		for _, p := range def.Params {
			if _, ok := params[p.Name]; ok {
				order = append(order, p.Name)
			}
		}
	} else {
		for k := range params {
			order = append(order, k)
		}
		sort.Strings(order)
	}

	parts := make([]string, 0, len(order))
	for _, k := range order {
		v := params[k]
		if s, ok := v.(string); ok {
			v = "'" + s + "'"
		}
		parts = append(parts, fmt.Sprintf("%s %v", k, v))
	}
	return cmd.TargetName + " " + cmd.PacketName + " with " + strings.Join(parts, ", ")
}

// requireValidator fails the pre-check when a listed parameter is absent.
// It has no opinion after the write.
type requireValidator struct {
	require []string
}

func (v *requireValidator) PreCheck(_ context.Context, cmd *packet.Packet) (ValidationResult, string) {
	params := CommandParams(cmd)
	var missing []string
	for _, name := range v.require {
		if _, ok := params[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return ValidationFailed, "missing " + strings.Join(missing, ", ")
	}
	return ValidationPassed, ""
}

func (v *requireValidator) PostCheck(context.Context, *packet.Packet) (ValidationResult, string) {
	return ValidationUnknown, ""
}
