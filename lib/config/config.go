// Package config loads the JSON rule/VM configuration (spec.md §3, §6)
// and the env-var daemon-tuning layer, grounded on
// cmd/api/config/config.go's Load() shape.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/tiiuae/vhotplug/lib/rules"
	"github.com/tiiuae/vhotplug/lib/vherr"
)

// VmSpec names a target VM and how to reach its control socket
// (spec.md §3).
type VmSpec struct {
	Name   string `json:"name"`
	Type   string `json:"type"` // "qemu" | "crosvm"
	Socket string `json:"socket"`
}

// EvdevPassthrough is the single evdev target, when enabled
// (spec.md §3).
type EvdevPassthrough struct {
	TargetVm string `json:"targetVm"`
	Disable  bool   `json:"disable"`
}

// ApiConfig configures the control-plane listeners (spec.md §6).
type ApiConfig struct {
	Enable      bool     `json:"enable"`
	Host        string   `json:"host"`
	Port        int      `json:"port"`
	UnixSocket  string   `json:"unixSocket"`
	Transports  []string `json:"transports"`
	AllowedCids []uint32 `json:"allowedCids"`
}

// GeneralConfig is the Config.general section.
type GeneralConfig struct {
	Api ApiConfig `json:"api"`
}

// Config is the top-level JSON configuration document (spec.md §3).
// Unknown top-level fields are ignored at load time (spec.md §6); only
// the nested rule objects reject unknown fields, enforced by
// rules.Rule's own UnmarshalJSON.
type Config struct {
	UsbPassthrough   []rules.RuleSet   `json:"usbPassthrough"`
	PciPassthrough   []rules.RuleSet   `json:"pciPassthrough"`
	EvdevPassthrough *EvdevPassthrough `json:"evdevPassthrough"`
	Vms              []VmSpec          `json:"vms"`
	General          GeneralConfig     `json:"general"`
}

// Load parses and validates a configuration file. A malformed document,
// an unknown field inside a rule, or an invalid regex surfaces as
// vherr.ConfigInvalid, per spec.md §7 ("rejected at startup, process
// exits non-zero").
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", vherr.ConfigInvalid, path, err)
	}
	return Parse(data)
}

// Parse validates a configuration document already read into memory.
func Parse(data []byte) (*Config, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", vherr.ConfigInvalid, err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	names := make(map[string]bool, len(c.Vms))
	for _, vm := range c.Vms {
		if vm.Name == "" {
			return fmt.Errorf("%w: vm entry missing name", vherr.ConfigInvalid)
		}
		if vm.Type != "qemu" && vm.Type != "crosvm" {
			return fmt.Errorf("%w: vm %q has unknown type %q", vherr.ConfigInvalid, vm.Name, vm.Type)
		}
		if names[vm.Name] {
			return fmt.Errorf("%w: duplicate vm name %q", vherr.ConfigInvalid, vm.Name)
		}
		names[vm.Name] = true
	}
	for _, rs := range c.UsbPassthrough {
		if rs.TargetVm != "" && !names[rs.TargetVm] {
			return fmt.Errorf("%w: usbPassthrough targets unknown vm %q", vherr.ConfigInvalid, rs.TargetVm)
		}
	}
	for _, rs := range c.PciPassthrough {
		if rs.TargetVm != "" && !names[rs.TargetVm] {
			return fmt.Errorf("%w: pciPassthrough targets unknown vm %q", vherr.ConfigInvalid, rs.TargetVm)
		}
	}
	if c.EvdevPassthrough != nil && c.EvdevPassthrough.TargetVm != "" && !names[c.EvdevPassthrough.TargetVm] {
		return fmt.Errorf("%w: evdevPassthrough targets unknown vm %q", vherr.ConfigInvalid, c.EvdevPassthrough.TargetVm)
	}
	return nil
}

// VM looks up a VmSpec by name.
func (c *Config) VM(name string) (VmSpec, bool) {
	for _, vm := range c.Vms {
		if vm.Name == name {
			return vm, true
		}
	}
	return VmSpec{}, false
}
