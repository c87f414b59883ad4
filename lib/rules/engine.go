// Package rules implements the Rule Engine (spec.md §4.3): it matches a
// normalized device against an ordered list of RuleSets and produces a
// Verdict the Orchestrator acts on. Matching uses the standard library's
// RE2 regexp engine — no third-party regex/rule engine appears anywhere
// in the retrieval pack, so this is a documented stdlib exception
// (DESIGN.md).
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"github.com/tiiuae/vhotplug/lib/device"
	"github.com/tiiuae/vhotplug/lib/vherr"
)

// InterfacePredicate constrains a single USB interface tuple; absent
// fields are wildcards.
type InterfacePredicate struct {
	Class    *uint8
	Subclass *uint8
	Protocol *uint8
}

func (p InterfacePredicate) matches(i device.Interface) bool {
	if p.Class != nil && *p.Class != i.Class {
		return false
	}
	if p.Subclass != nil && *p.Subclass != i.Subclass {
		return false
	}
	if p.Protocol != nil && *p.Protocol != i.Protocol {
		return false
	}
	return true
}

// Rule is an unordered set of predicates; it matches a device iff every
// present predicate is satisfied (spec.md §3).
type Rule struct {
	VendorName     *regexp.Regexp
	ProductName    *regexp.Regexp
	VID            *string
	PID            *string
	DID            *string
	Address        *string
	DeviceClass    *uint8
	DeviceSubclass *uint8
	DeviceProtocol *uint8
	Interface      *InterfacePredicate
	Disable        bool
	SkipOnSuspend  bool
	Description    string
}

// Matches reports whether the rule's predicates are jointly satisfied by
// cand. Interface predicates match if any of cand.Interfaces satisfies
// them jointly, per spec.md §4.3.
func (r Rule) Matches(cand Candidate) bool {
	if r.VendorName != nil && !r.VendorName.MatchString(cand.VendorName) {
		return false
	}
	if r.ProductName != nil && !r.ProductName.MatchString(cand.ProductName) {
		return false
	}
	if r.VID != nil && !strings.EqualFold(*r.VID, cand.VID) {
		return false
	}
	if r.PID != nil && !strings.EqualFold(*r.PID, cand.PID) {
		return false
	}
	if r.DID != nil && !strings.EqualFold(*r.DID, cand.DID) {
		return false
	}
	if r.Address != nil && !strings.EqualFold(*r.Address, cand.Address) {
		return false
	}
	if r.DeviceClass != nil && *r.DeviceClass != cand.DeviceClass {
		return false
	}
	if r.DeviceSubclass != nil && *r.DeviceSubclass != cand.DeviceSubclass {
		return false
	}
	if r.DeviceProtocol != nil && *r.DeviceProtocol != cand.DeviceProtocol {
		return false
	}
	if r.Interface != nil {
		if !lo.SomeBy(cand.Interfaces, r.Interface.matches) {
			return false
		}
	}
	return true
}

// RuleSet is an ordered { targetVm, allow, deny } group (spec.md §3).
type RuleSet struct {
	TargetVm    string `json:"targetVm"`
	Allow       []Rule `json:"allow"`
	Deny        []Rule `json:"deny"`
	Description string `json:"description"`
}

// ruleJSON is the wire shape of a Rule; every field is a wildcard when
// absent, per spec.md §3. UnmarshalJSON rejects unknown fields (spec.md
// §6: "unknown fields inside rules are rejected at load time") even
// though the surrounding Config tolerates unknown top-level fields.
type ruleJSON struct {
	VendorName        *string `json:"vendorName"`
	ProductName       *string `json:"productName"`
	VID               *string `json:"vid"`
	PID               *string `json:"pid"`
	DID               *string `json:"did"`
	Address           *string `json:"address"`
	DeviceClass       *uint8  `json:"deviceClass"`
	DeviceSubclass    *uint8  `json:"deviceSubclass"`
	DeviceProtocol    *uint8  `json:"deviceProtocol"`
	InterfaceClass    *uint8  `json:"interfaceClass"`
	InterfaceSubclass *uint8  `json:"interfaceSubclass"`
	InterfaceProtocol *uint8  `json:"interfaceProtocol"`
	Disable           bool    `json:"disable"`
	SkipOnSuspend     bool    `json:"skipOnSuspend"`
	Description       string  `json:"description"`
}

// UnmarshalJSON compiles the regex predicates eagerly, per spec.md §9
// ("Compiled once at config load; a compile error is a ConfigInvalid").
func (r *Rule) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var raw ruleJSON
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", vherr.ConfigInvalid, err)
	}

	out := Rule{
		VID:            raw.VID,
		PID:            raw.PID,
		DID:            raw.DID,
		Address:        raw.Address,
		DeviceClass:    raw.DeviceClass,
		DeviceSubclass: raw.DeviceSubclass,
		DeviceProtocol: raw.DeviceProtocol,
		Disable:        raw.Disable,
		SkipOnSuspend:  raw.SkipOnSuspend,
		Description:    raw.Description,
	}

	if raw.VendorName != nil {
		re, err := CompileRegex(*raw.VendorName)
		if err != nil {
			return err
		}
		out.VendorName = re
	}
	if raw.ProductName != nil {
		re, err := CompileRegex(*raw.ProductName)
		if err != nil {
			return err
		}
		out.ProductName = re
	}
	if raw.InterfaceClass != nil || raw.InterfaceSubclass != nil || raw.InterfaceProtocol != nil {
		out.Interface = &InterfacePredicate{
			Class:    raw.InterfaceClass,
			Subclass: raw.InterfaceSubclass,
			Protocol: raw.InterfaceProtocol,
		}
	}

	*r = out
	return nil
}

// VerdictKind is the outcome of evaluating a device against a RuleSet
// list (spec.md §4.3).
type VerdictKind string

const (
	VerdictAllow   VerdictKind = "allow"
	VerdictDeny    VerdictKind = "deny"
	VerdictDisable VerdictKind = "disable"
	VerdictNoMatch VerdictKind = "no_match"
)

// Verdict is the Rule Engine's decision for one device.
type Verdict struct {
	Kind     VerdictKind
	TargetVm string
}

// Candidate is the attribute set rules match against, uniform across USB
// and PCI devices per spec.md §3.
type Candidate struct {
	VendorName     string
	ProductName    string
	VID            string
	PID            string
	DID            string
	Address        string
	DeviceClass    uint8
	DeviceSubclass uint8
	DeviceProtocol uint8
	Interfaces     []device.Interface
}

// FromUSB builds a Candidate from a normalized USB device.
func FromUSB(d device.UsbDevice) Candidate {
	return Candidate{
		VendorName:     d.VendorName,
		ProductName:    d.ProductName,
		VID:            d.VID,
		PID:            d.PID,
		DeviceClass:    d.DeviceClass,
		DeviceSubclass: d.DeviceSubclass,
		DeviceProtocol: d.DeviceProtocol,
		Interfaces:     d.Interfaces,
	}
}

// FromPCI builds a Candidate from a normalized PCI device.
func FromPCI(d device.PciDevice) Candidate {
	return Candidate{
		VendorName:     d.Description,
		DID:            d.DID,
		VID:            d.VID,
		Address:        d.Address,
		DeviceClass:    d.Class,
		DeviceSubclass: d.Subclass,
		DeviceProtocol: d.ProgIf,
	}
}

// Evaluate implements the precedence algorithm of spec.md §4.3: within a
// RuleSet, any matching deny rule suppresses that RuleSet entirely;
// otherwise the first matching allow rule wins. The first RuleSet (in
// declaration order) to produce a non-NoMatch verdict wins overall.
func Evaluate(ruleSets []RuleSet, cand Candidate) Verdict {
	for _, rs := range ruleSets {
		if v, ok := evalRuleSet(rs, cand); ok {
			return v
		}
	}
	return Verdict{Kind: VerdictNoMatch}
}

// AllowingVMs returns every RuleSet (by targetVm) that would independently
// Allow cand, used by the Orchestrator to detect the "multiple eligible
// VMs" ambiguity spec.md §4.6 requires surfacing as usb_select_vm.
func AllowingVMs(ruleSets []RuleSet, cand Candidate) []string {
	var vms []string
	for _, rs := range ruleSets {
		if v, ok := evalRuleSet(rs, cand); ok && v.Kind == VerdictAllow {
			vms = append(vms, v.TargetVm)
		}
	}
	return vms
}

func evalRuleSet(rs RuleSet, cand Candidate) (Verdict, bool) {
	v, _, ok := evalRuleSetRule(rs, cand)
	return v, ok
}

func evalRuleSetRule(rs RuleSet, cand Candidate) (Verdict, *Rule, bool) {
	for _, deny := range rs.Deny {
		if deny.Matches(cand) {
			return Verdict{}, nil, false
		}
	}
	for i, allow := range rs.Allow {
		if !allow.Matches(cand) {
			continue
		}
		if allow.Disable {
			return Verdict{Kind: VerdictDisable}, &rs.Allow[i], true
		}
		return Verdict{Kind: VerdictAllow, TargetVm: rs.TargetVm}, &rs.Allow[i], true
	}
	return Verdict{}, nil, false
}

// EvaluateWithRule behaves like Evaluate but also returns the specific
// allow rule that fired, so callers can consult per-rule fields like
// SkipOnSuspend.
func EvaluateWithRule(ruleSets []RuleSet, cand Candidate) (Verdict, *Rule) {
	for _, rs := range ruleSets {
		if v, r, ok := evalRuleSetRule(rs, cand); ok {
			return v, r
		}
	}
	return Verdict{Kind: VerdictNoMatch}, nil
}

// CompileRegex anchors and case-folds a user-supplied pattern per
// spec.md §4.3 ("anchored, case-insensitive matching over the full
// attribute string"). A malformed pattern is a config-load error
// (vherr.ConfigInvalid), never surfaced at match time.
func CompileRegex(pattern string) (*regexp.Regexp, error) {
	re, err := regexp.Compile("(?i)^(?:" + pattern + ")$")
	if err != nil {
		return nil, fmt.Errorf("%w: invalid regex %q: %v", vherr.ConfigInvalid, pattern, err)
	}
	return re, nil
}
