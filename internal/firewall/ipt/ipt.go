// Package ipt implements the firewall backend on top of the kernel
// iptables filter table. All per-address rules live in a dedicated
// chain hooked into INPUT for the protected port, so nothing belonging
// to other services is ever touched.
package ipt

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/coreos/go-iptables/iptables"

	"rdpguard/internal/firewall"
)

const (
	table        = "filter"
	defaultChain = "RDPGUARD"
)

type Backend struct {
	ipt   *iptables.IPTables
	chain string
	port  int
}

func New(port int) (*Backend, error) {
	ipt, err := iptables.NewWithProtocol(iptables.ProtocolIPv4)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", firewall.ErrFilterCommand, err)
	}
	return &Backend{ipt: ipt, chain: defaultChain, port: port}, nil
}

// EnsureBase creates the dedicated chain and the INPUT jump for the
// protected port. Both steps check current state first, so repeated
// calls never stack duplicate rules.
func (b *Backend) EnsureBase() error {
	chains, err := b.ipt.ListChains(table)
	if err != nil {
		return fmt.Errorf("%w: list chains: %v", firewall.ErrFilterCommand, err)
	}
	if !contains(chains, b.chain) {
		if err := b.ipt.NewChain(table, b.chain); err != nil {
			return fmt.Errorf("%w: create chain: %v", firewall.ErrFilterCommand, err)
		}
	}
	jump := []string{"-p", "tcp", "--dport", strconv.Itoa(b.port), "-j", b.chain}
	ok, err := b.ipt.Exists(table, "INPUT", jump...)
	if err != nil {
		return fmt.Errorf("%w: check jump: %v", firewall.ErrFilterCommand, err)
	}
	if !ok {
		// head of INPUT, ahead of any fallback rule
		if err := b.ipt.Insert(table, "INPUT", 1, jump...); err != nil {
			return fmt.Errorf("%w: hook chain: %v", firewall.ErrFilterCommand, err)
		}
	}
	return nil
}

func (b *Backend) ruleSpec(addr string, action firewall.Action) []string {
	return []string{
		"-s", addr,
		"-p", "tcp", "--dport", strconv.Itoa(b.port),
		"-j", string(action),
	}
}

// Apply inserts the rule at position 1 unless it is already present.
func (b *Backend) Apply(addr string, action firewall.Action) error {
	spec := b.ruleSpec(addr, action)
	ok, err := b.ipt.Exists(table, b.chain, spec...)
	if err != nil {
		return fmt.Errorf("%w: check %s %s: %v", firewall.ErrFilterCommand, action, addr, err)
	}
	if ok {
		return nil
	}
	if err := b.ipt.Insert(table, b.chain, 1, spec...); err != nil {
		return fmt.Errorf("%w: apply %s %s: %v", firewall.ErrFilterCommand, action, addr, err)
	}
	return nil
}

// Revoke removes the matching rule; an absent rule is a no-op.
func (b *Backend) Revoke(addr string, action firewall.Action) error {
	if err := b.ipt.DeleteIfExists(table, b.chain, b.ruleSpec(addr, action)...); err != nil {
		return fmt.Errorf("%w: revoke %s %s: %v", firewall.ErrFilterCommand, action, addr, err)
	}
	return nil
}

// List parses the live chain back into rules. Entries it does not
// recognize (wrong port, no source, other targets) are skipped and left
// alone.
func (b *Backend) List() ([]firewall.Rule, error) {
	lines, err := b.ipt.List(table, b.chain)
	if err != nil {
		return nil, fmt.Errorf("%w: list: %v", firewall.ErrFilterCommand, err)
	}
	return parseRules(lines, b.port), nil
}

// parseRules reads iptables -S style output, e.g.
// "-A RDPGUARD -s 1.2.3.4/32 -p tcp -m tcp --dport 3389 -j DROP".
func parseRules(lines []string, port int) []firewall.Rule {
	var out []firewall.Rule
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 || fields[0] != "-A" {
			continue
		}
		var addr, target string
		rulePort := -1
		for i := 1; i < len(fields)-1; i++ {
			switch fields[i] {
			case "-s":
				addr = strings.TrimSuffix(fields[i+1], "/32")
			case "--dport":
				rulePort, _ = strconv.Atoi(fields[i+1])
			case "-j":
				target = fields[i+1]
			}
		}
		if addr == "" || rulePort != port {
			continue
		}
		action := firewall.Action(target)
		if action != firewall.ActionAccept && action != firewall.ActionDrop {
			continue
		}
		out = append(out, firewall.Rule{Addr: addr, Port: rulePort, Action: action})
	}
	return out
}

func contains(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
