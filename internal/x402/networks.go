package x402

import (
	"strconv"
	"strings"
	"sync"
)

// Well-known network identifiers.
const (
	NetworkBase        = "eip155:8453"
	NetworkBaseSepolia = "eip155:84532"
)

// USDC contract addresses per network.
var USDC = map[string]string{
	NetworkBase:        "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
	NetworkBaseSepolia: "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
}

// Networks maps network identifiers to EVM chain ids. CAIP-2 "eip155:<id>"
// identifiers resolve without registration; short names must be registered.
type Networks struct {
	mu     sync.RWMutex
	chains map[string]int64
}

// DefaultNetworks knows Base and Base Sepolia under both naming styles.
func DefaultNetworks() *Networks {
	n := &Networks{chains: make(map[string]int64)}
	n.Register("base", 8453)
	n.Register("base-sepolia", 84532)
	return n
}

func (n *Networks) Register(network string, chainID int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.chains == nil {
		n.chains = make(map[string]int64)
	}
	n.chains[network] = chainID
}

// ChainID resolves a network identifier.
func (n *Networks) ChainID(network string) (int64, bool) {
	n.mu.RLock()
	id, ok := n.chains[network]
	n.mu.RUnlock()
	if ok {
		return id, true
	}
	if rest, found := strings.CutPrefix(network, "eip155:"); found {
		id, err := strconv.ParseInt(rest, 10, 64)
		if err == nil && id > 0 {
			return id, true
		}
	}
	return 0, false
}

// Supports reports whether an option's scheme and network can be serviced.
// It is the default predicate for SelectOption.
func (n *Networks) Supports(r PaymentRequirements) bool {
	if !r.Scheme.Known() {
		return false
	}
	_, ok := n.ChainID(r.Network)
	return ok
}
