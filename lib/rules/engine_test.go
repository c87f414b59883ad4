package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tiiuae/vhotplug/lib/device"
)

func classPtr(v uint8) *uint8 { return &v }
func strPtr(v string) *string { return &v }

func hidInterfaceRule(t *testing.T) Rule {
	t.Helper()
	return Rule{
		Interface: &InterfacePredicate{
			Class:    classPtr(3),
			Protocol: classPtr(2),
		},
	}
}

// Scenario 1: HID allow.
func TestEvaluate_HIDAllow(t *testing.T) {
	ruleSets := []RuleSet{
		{TargetVm: "vm1", Allow: []Rule{hidInterfaceRule(t)}},
	}
	cand := FromUSB(device.UsbDevice{
		VID: "046d", PID: "c077",
		Interfaces: []device.Interface{{Class: 3, Subclass: 1, Protocol: 2}},
	})

	got := Evaluate(ruleSets, cand)
	assert.Equal(t, Verdict{Kind: VerdictAllow, TargetVm: "vm1"}, got)
}

// Scenario 2: deny overrides allow within the same RuleSet.
func TestEvaluate_DenyOverridesAllow(t *testing.T) {
	ruleSets := []RuleSet{
		{
			TargetVm: "vm1",
			Allow:    []Rule{hidInterfaceRule(t)},
			Deny:     []Rule{{VID: strPtr("046d"), PID: strPtr("c52b")}},
		},
	}
	cand := FromUSB(device.UsbDevice{
		VID: "046d", PID: "c52b",
		Interfaces: []device.Interface{{Class: 3, Subclass: 1, Protocol: 2}},
	})

	got := Evaluate(ruleSets, cand)
	assert.Equal(t, Verdict{Kind: VerdictNoMatch}, got)
}

// Scenario 3: disable flag short-circuits attach without raising
// usb_select_vm.
func TestEvaluate_DisableFlag(t *testing.T) {
	rule := hidInterfaceRule(t)
	rule.Disable = true
	ruleSets := []RuleSet{{TargetVm: "vm1", Allow: []Rule{rule}}}
	cand := FromUSB(device.UsbDevice{
		Interfaces: []device.Interface{{Class: 3, Subclass: 1, Protocol: 2}},
	})

	got := Evaluate(ruleSets, cand)
	assert.Equal(t, Verdict{Kind: VerdictDisable}, got)
}

// Scenario 6 / P5: first RuleSet to Allow wins; AllowingVMs reports both
// for the Orchestrator's ambiguity check.
func TestEvaluate_FirstMatchWins(t *testing.T) {
	ruleSets := []RuleSet{
		{TargetVm: "vm1", Allow: []Rule{hidInterfaceRule(t)}},
		{TargetVm: "vm2", Allow: []Rule{hidInterfaceRule(t)}},
	}
	cand := FromUSB(device.UsbDevice{
		Interfaces: []device.Interface{{Class: 3, Subclass: 1, Protocol: 2}},
	})

	got := Evaluate(ruleSets, cand)
	assert.Equal(t, Verdict{Kind: VerdictAllow, TargetVm: "vm1"}, got)

	vms := AllowingVMs(ruleSets, cand)
	assert.Equal(t, []string{"vm1", "vm2"}, vms)
}

// P4: a deny match in RuleSet R prevents any allow in R from firing, even
// when a later allow rule in the same RuleSet would otherwise match.
func TestEvaluate_DenyPreventsAllowInSameRuleSet(t *testing.T) {
	ruleSets := []RuleSet{
		{
			TargetVm: "vm1",
			Deny:     []Rule{{DeviceClass: classPtr(9)}},
			Allow:    []Rule{{}}, // wildcard allow-all
		},
	}
	cand := FromUSB(device.UsbDevice{DeviceClass: 9})

	got := Evaluate(ruleSets, cand)
	assert.Equal(t, Verdict{Kind: VerdictNoMatch}, got)
}

// P3: re-ordering the interface list does not change the verdict.
func TestEvaluate_OrderIndependentOfInterfaceList(t *testing.T) {
	ruleSets := []RuleSet{{TargetVm: "vm1", Allow: []Rule{hidInterfaceRule(t)}}}

	a := FromUSB(device.UsbDevice{Interfaces: []device.Interface{
		{Class: 1, Subclass: 0, Protocol: 0},
		{Class: 3, Subclass: 1, Protocol: 2},
	}})
	b := FromUSB(device.UsbDevice{Interfaces: []device.Interface{
		{Class: 3, Subclass: 1, Protocol: 2},
		{Class: 1, Subclass: 0, Protocol: 0},
	}})

	assert.Equal(t, Evaluate(ruleSets, a), Evaluate(ruleSets, b))
}

func TestCompileRegex_AnchoredCaseInsensitive(t *testing.T) {
	re, err := CompileRegex("logitech.*")
	require.NoError(t, err)
	assert.True(t, re.MatchString("Logitech Webcam"))
	assert.False(t, re.MatchString("not Logitech Webcam"))
}

func TestCompileRegex_Malformed(t *testing.T) {
	_, err := CompileRegex("(unclosed")
	require.Error(t, err)
}

func TestRule_PCIAddressMatchCaseInsensitive(t *testing.T) {
	rule := Rule{Address: strPtr("0000:A2:00.0")}
	cand := FromPCI(device.PciDevice{Address: "0000:a2:00.0"})
	assert.True(t, rule.Matches(cand))
}
