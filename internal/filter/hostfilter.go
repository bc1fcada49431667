package filter

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/pombredanne/novirt/internal/driverrors"
	"github.com/pombredanne/novirt/internal/instancemodel"
)

// fallbackChain is the terminal DROP chain every instance chain jumps to
// once its own allow rules have been checked.
const fallbackChain = "sg-fallback"

// RuleApplier programs the kernel's packet-filter chains. The production
// implementation shells out to iptables/ip6tables; tests substitute a
// recording fake, since there is no Go iptables library anywhere in the
// retrieval pack to wrap instead (see DESIGN.md).
type RuleApplier interface {
	EnsureChain(ctx context.Context, ipv6 bool, chain string) error
	ReplaceChain(ctx context.Context, ipv6 bool, chain string, rules []string) error
	DeleteChain(ctx context.Context, ipv6 bool, chain string) error
}

// execApplier is the real RuleApplier, issuing one iptables/ip6tables
// invocation per rule. Chains are flushed and rebuilt rather than diffed,
// matching the remove-then-add-all sequence the refresh operations use.
type execApplier struct{}

// NewExecApplier returns a RuleApplier that shells out to iptables/ip6tables.
func NewExecApplier() RuleApplier { return execApplier{} }

func (execApplier) binary(ipv6 bool) string {
	if ipv6 {
		return "ip6tables"
	}
	return "iptables"
}

func (a execApplier) EnsureChain(ctx context.Context, ipv6 bool, chain string) error {
	cmd := exec.CommandContext(ctx, a.binary(ipv6), "-N", chain) //nolint:gosec // chain names are driver-generated
	out, err := cmd.CombinedOutput()
	if err != nil && !strings.Contains(string(out), "Chain already exists") {
		return driverrors.New(driverrors.External, "ensure-chain", fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

func (a execApplier) ReplaceChain(ctx context.Context, ipv6 bool, chain string, rules []string) error {
	if err := a.EnsureChain(ctx, ipv6, chain); err != nil {
		return err
	}
	flush := exec.CommandContext(ctx, a.binary(ipv6), "-F", chain) //nolint:gosec
	if out, err := flush.CombinedOutput(); err != nil {
		return driverrors.New(driverrors.External, "replace-chain", fmt.Errorf("flush %s: %w: %s", chain, err, out))
	}
	for _, rule := range rules {
		args := append([]string{"-A", chain}, strings.Fields(rule)...)
		cmd := exec.CommandContext(ctx, a.binary(ipv6), args...) //nolint:gosec
		if out, err := cmd.CombinedOutput(); err != nil {
			return driverrors.New(driverrors.External, "replace-chain", fmt.Errorf("append rule %q: %w: %s", rule, err, out))
		}
	}
	return nil
}

func (a execApplier) DeleteChain(ctx context.Context, ipv6 bool, chain string) error {
	flush := exec.CommandContext(ctx, a.binary(ipv6), "-F", chain) //nolint:gosec
	_ = flush.Run()
	del := exec.CommandContext(ctx, a.binary(ipv6), "-X", chain) //nolint:gosec
	if out, err := del.CombinedOutput(); err != nil {
		return driverrors.New(driverrors.External, "delete-chain", fmt.Errorf("%w: %s", err, out))
	}
	return nil
}

// instanceChain is the per-instance chain name.
func instanceChain(instanceID int) string {
	return fmt.Sprintf("inst-%d", instanceID)
}

// instanceRules builds the ordered rule list for one instance's chain,
// separately for IPv4 and IPv6. Order is significant: INVALID traffic is
// dropped, then established/related traffic is accepted unconditionally,
// then DHCP and (for v6) router-advertisement traffic, then the project's
// own CIDR if configured, then one rule per security-group rule, and
// finally a jump to the shared fallback DROP chain.
func instanceRules(group []instancemodel.SecurityGroupRule, allowProjectNet bool, projCIDR string, useIPv6 bool) (ipv4, ipv6 []string) {
	base := []string{
		"-m state --state INVALID -j DROP",
		"-m state --state ESTABLISHED,RELATED -j ACCEPT",
	}
	ipv4 = append(ipv4, base...)
	ipv4 = append(ipv4,
		"-p udp --sport 67 --dport 68 -j ACCEPT",
	)
	if allowProjectNet && projCIDR != "" {
		ipv4 = append(ipv4, fmt.Sprintf("-s %s -j ACCEPT", projCIDR))
	}

	if useIPv6 {
		ipv6 = append(ipv6, base...)
		ipv6 = append(ipv6, "-p icmpv6 --icmpv6-type router-advertisement -j ACCEPT")
		if allowProjectNet && projCIDR != "" {
			ipv6 = append(ipv6, fmt.Sprintf("-s %s -j ACCEPT", projCIDR))
		}
	}

	for _, rule := range group {
		r := ruleToIPTables(rule)
		if r == "" {
			continue
		}
		if strings.Contains(rule.CIDR, ":") {
			if useIPv6 {
				ipv6 = append(ipv6, r)
			}
		} else {
			ipv4 = append(ipv4, r)
		}
	}

	ipv4 = append(ipv4, "-j "+fallbackChain)
	if useIPv6 {
		ipv6 = append(ipv6, "-j "+fallbackChain)
	}
	return ipv4, ipv6
}

// ruleToIPTables renders one SecurityGroupRule as an iptables rule body
// (without the leading "-A <chain>", added by the caller). tcp/udp use
// --dport for a single port or -m multiport --dports for a range; icmp uses
// -m icmp --icmp-type, appending "/code" only when code isn't the "any" (-1)
// sentinel.
func ruleToIPTables(rule instancemodel.SecurityGroupRule) string {
	switch rule.Protocol {
	case "tcp", "udp":
		portSpec := fmt.Sprintf("--dport %d", rule.FromPort)
		if rule.ToPort != rule.FromPort {
			portSpec = fmt.Sprintf("-m multiport --dports %d:%d", rule.FromPort, rule.ToPort)
		}
		return fmt.Sprintf("-p %s -s %s %s -j ACCEPT", rule.Protocol, rule.CIDR, portSpec)
	case "icmp":
		typeSpec := "--icmp-type any"
		if rule.FromPort != -1 {
			typeSpec = fmt.Sprintf("--icmp-type %d", rule.FromPort)
			if rule.ToPort != -1 {
				typeSpec = fmt.Sprintf("--icmp-type %d/%d", rule.FromPort, rule.ToPort)
			}
		}
		return fmt.Sprintf("-p icmp -s %s -m icmp %s -j ACCEPT", rule.CIDR, typeSpec)
	default:
		return ""
	}
}

// HostBackend implements Engine against the host's own packet-filter layer.
type HostBackend struct {
	applier         RuleApplier
	allowProjectNet bool
	projCIDR        string
	useIPv6         bool
	state           *State
}

// NewHostBackend returns a host-packet-filter-backed Engine.
func NewHostBackend(applier RuleApplier, allowProjectNet bool, projCIDR string, useIPv6 bool) *HostBackend {
	return &HostBackend{applier: applier, allowProjectNet: allowProjectNet, projCIDR: projCIDR, useIPv6: useIPv6, state: NewState()}
}

func (h *HostBackend) SetupBasicFiltering(ctx context.Context) error {
	if h.state.StaticFiltersInitialized {
		return nil
	}
	if err := h.applier.ReplaceChain(ctx, false, fallbackChain, []string{"-j DROP"}); err != nil {
		return err
	}
	if h.useIPv6 {
		if err := h.applier.ReplaceChain(ctx, true, fallbackChain, []string{"-j DROP"}); err != nil {
			return err
		}
	}
	h.state.StaticFiltersInitialized = true
	return nil
}

func (h *HostBackend) PrepareInstanceFilter(ctx context.Context, inst *instancemodel.Instance, groups []instancemodel.SecurityGroup) error {
	var rules []instancemodel.SecurityGroupRule
	for _, g := range groups {
		rules = append(rules, g.Rules...)
	}
	ipv4, ipv6 := instanceRules(rules, h.allowProjectNet, h.projCIDR, h.useIPv6)
	chain := instanceChain(inst.ID)
	if err := h.applier.ReplaceChain(ctx, false, chain, ipv4); err != nil {
		return err
	}
	if h.useIPv6 {
		if err := h.applier.ReplaceChain(ctx, true, chain, ipv6); err != nil {
			return err
		}
	}
	h.state.InstanceArtifacts[inst.ID] = []string{chain}
	return nil
}

func (h *HostBackend) ApplyInstanceFilter(ctx context.Context, inst *instancemodel.Instance) error {
	// PrepareInstanceFilter already programs the live chain; host packet
	// filters have no separate "commit" step the way a domain definition does.
	_ = ctx
	_ = inst
	return nil
}

func (h *HostBackend) UnfilterInstance(ctx context.Context, inst *instancemodel.Instance) error {
	chain := instanceChain(inst.ID)
	delete(h.state.InstanceArtifacts, inst.ID)
	if err := h.applier.DeleteChain(ctx, false, chain); err != nil {
		return err
	}
	if h.useIPv6 {
		return h.applier.DeleteChain(ctx, true, chain)
	}
	return nil
}

func (h *HostBackend) RefreshSecurityGroupRules(ctx context.Context, group instancemodel.SecurityGroup, members []Member) error {
	// The host-filter chain is a flat rule list, not a reference to a shared
	// document (unlike nwfilter's RefreshSecurityGroupRules), so it must be
	// rebuilt from each member's full current group set — not just the one
	// group that changed — or the rebuild would silently drop allow rules
	// contributed by the instance's other security groups.
	_ = group
	for _, member := range members {
		if err := h.PrepareInstanceFilter(ctx, member.Instance, member.Groups); err != nil {
			return err
		}
	}
	return nil
}

func (h *HostBackend) RefreshSecurityGroupMembers(ctx context.Context, inst *instancemodel.Instance, groups []instancemodel.SecurityGroup) error {
	return h.PrepareInstanceFilter(ctx, inst, groups)
}
