package filter

import (
	"context"
	"strings"
	"testing"

	"github.com/pombredanne/novirt/internal/instancemodel"
)

type fakeApplier struct {
	chains map[string][]string
}

func newFakeApplier() *fakeApplier {
	return &fakeApplier{chains: make(map[string][]string)}
}

func (f *fakeApplier) EnsureChain(_ context.Context, ipv6 bool, chain string) error {
	key := chainKey(ipv6, chain)
	if _, ok := f.chains[key]; !ok {
		f.chains[key] = nil
	}
	return nil
}

func (f *fakeApplier) ReplaceChain(_ context.Context, ipv6 bool, chain string, rules []string) error {
	f.chains[chainKey(ipv6, chain)] = rules
	return nil
}

func (f *fakeApplier) DeleteChain(_ context.Context, ipv6 bool, chain string) error {
	delete(f.chains, chainKey(ipv6, chain))
	return nil
}

func chainKey(ipv6 bool, chain string) string {
	if ipv6 {
		return "v6:" + chain
	}
	return "v4:" + chain
}

func TestInstanceRulesOrderingInvariant(t *testing.T) {
	rules := []instancemodel.SecurityGroupRule{
		{CIDR: "0.0.0.0/0", Protocol: "tcp", FromPort: 22, ToPort: 22},
	}
	ipv4, _ := instanceRules(rules, false, "", false)

	if !strings.Contains(ipv4[0], "INVALID") {
		t.Errorf("first rule = %q, want INVALID drop", ipv4[0])
	}
	if !strings.Contains(ipv4[1], "ESTABLISHED") {
		t.Errorf("second rule = %q, want ESTABLISHED/RELATED accept", ipv4[1])
	}
	if ipv4[len(ipv4)-1] != "-j "+fallbackChain {
		t.Errorf("last rule = %q, want terminal jump to %s", ipv4[len(ipv4)-1], fallbackChain)
	}
}

func TestInstanceRulesPortRangeUsesMultiport(t *testing.T) {
	rules := []instancemodel.SecurityGroupRule{
		{CIDR: "10.0.0.0/24", Protocol: "tcp", FromPort: 5000, ToPort: 5010},
	}
	ipv4, _ := instanceRules(rules, false, "", false)

	found := false
	for _, r := range ipv4 {
		if strings.Contains(r, "multiport") && strings.Contains(r, "5000:5010") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a multiport rule for the port range, got %v", ipv4)
	}
}

func TestRuleToIPTablesICMPOmitsAnySentinel(t *testing.T) {
	rule := instancemodel.SecurityGroupRule{CIDR: "10.0.0.0/24", Protocol: "icmp", FromPort: -1, ToPort: -1}
	got := ruleToIPTables(rule)
	if strings.Contains(got, "-1") {
		t.Errorf("ruleToIPTables() = %q, want -1 sentinels omitted", got)
	}
	if !strings.Contains(got, "--icmp-type any") {
		t.Errorf("ruleToIPTables() = %q, want any-type fallback", got)
	}
}

func TestHostBackendPrepareThenUnfilter(t *testing.T) {
	applier := newFakeApplier()
	backend := NewHostBackend(applier, false, "", false)
	inst := &instancemodel.Instance{ID: 5, Name: "web-5"}
	group := instancemodel.SecurityGroup{ID: 1, Rules: []instancemodel.SecurityGroupRule{
		{CIDR: "0.0.0.0/0", Protocol: "tcp", FromPort: 80, ToPort: 80},
	}}

	if err := backend.SetupBasicFiltering(context.Background()); err != nil {
		t.Fatalf("SetupBasicFiltering() error = %v", err)
	}
	if err := backend.PrepareInstanceFilter(context.Background(), inst, []instancemodel.SecurityGroup{group}); err != nil {
		t.Fatalf("PrepareInstanceFilter() error = %v", err)
	}

	chain := instanceChain(inst.ID)
	if _, ok := applier.chains[chainKey(false, chain)]; !ok {
		t.Fatalf("expected chain %s to be programmed", chain)
	}

	if err := backend.UnfilterInstance(context.Background(), inst); err != nil {
		t.Fatalf("UnfilterInstance() error = %v", err)
	}
	if _, ok := applier.chains[chainKey(false, chain)]; ok {
		t.Errorf("expected chain %s to be removed after UnfilterInstance", chain)
	}
}

func TestRefreshSecurityGroupRulesPreservesOtherGroups(t *testing.T) {
	applier := newFakeApplier()
	backend := NewHostBackend(applier, false, "", false)
	inst := &instancemodel.Instance{ID: 9, Name: "web-9"}

	sshGroup := instancemodel.SecurityGroup{ID: 1, Rules: []instancemodel.SecurityGroupRule{
		{CIDR: "0.0.0.0/0", Protocol: "tcp", FromPort: 22, ToPort: 22},
	}}
	webGroup := instancemodel.SecurityGroup{ID: 2, Rules: []instancemodel.SecurityGroupRule{
		{CIDR: "0.0.0.0/0", Protocol: "tcp", FromPort: 80, ToPort: 80},
	}}

	if err := backend.PrepareInstanceFilter(context.Background(), inst, []instancemodel.SecurityGroup{sshGroup, webGroup}); err != nil {
		t.Fatalf("PrepareInstanceFilter() error = %v", err)
	}

	// Only sshGroup's rules changed; refresh must rebuild the chain from the
	// instance's full current group set (both groups), not just sshGroup.
	sshGroup.Rules = append(sshGroup.Rules, instancemodel.SecurityGroupRule{
		CIDR: "0.0.0.0/0", Protocol: "tcp", FromPort: 2222, ToPort: 2222,
	})
	members := []Member{{Instance: inst, Groups: []instancemodel.SecurityGroup{sshGroup, webGroup}}}
	if err := backend.RefreshSecurityGroupRules(context.Background(), sshGroup, members); err != nil {
		t.Fatalf("RefreshSecurityGroupRules() error = %v", err)
	}

	chain := applier.chains[chainKey(false, instanceChain(inst.ID))]
	joined := strings.Join(chain, "\n")
	if !strings.Contains(joined, "--dport 80") {
		t.Errorf("expected webGroup's port-80 rule to survive refresh, got %v", chain)
	}
	if !strings.Contains(joined, "--dport 22") {
		t.Errorf("expected sshGroup's original port-22 rule to survive refresh, got %v", chain)
	}
	if !strings.Contains(joined, "--dport 2222") {
		t.Errorf("expected sshGroup's new port-2222 rule to be present after refresh, got %v", chain)
	}
}
