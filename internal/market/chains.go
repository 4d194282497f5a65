package market

import (
	"fmt"
	"strings"

	"filippo.io/edwards25519"
	"github.com/mr-tron/base58"
)

// Chain describes one supported blockchain. Implementations normalize
// aliases, validate contract addresses and filter upstream pairs down
// to the ones that actually belong to the chain.
type Chain interface {
	// Name returns the canonical chain name used upstream.
	Name() string
	// ValidateAddress reports whether addr is a well-formed contract
	// address for this chain.
	ValidateAddress(addr string) error
	// FilterPairs drops pairs that do not belong to this chain.
	FilterPairs(pairs []Pair) []Pair
}

// ChainRegistry resolves chain names (including aliases) to Chain
// implementations.
type ChainRegistry struct {
	chains  map[string]Chain
	aliases map[string]string
}

// NewChainRegistry returns a registry with the supported chains:
// ethereum (alias eth), bsc, base and solana.
func NewChainRegistry() *ChainRegistry {
	r := &ChainRegistry{
		chains:  make(map[string]Chain),
		aliases: map[string]string{"eth": "ethereum"},
	}
	r.register(evmChain{name: "ethereum"})
	r.register(evmChain{name: "bsc"})
	// Base shares addresses with other EVM chains, so upstream
	// responses must be filtered to chainId=base.
	r.register(evmChain{name: "base", strictFilter: true})
	r.register(solanaChain{})
	return r
}

func (r *ChainRegistry) register(c Chain) {
	r.chains[c.Name()] = c
}

// Normalize maps a raw chain name to its canonical form. Unknown names
// are returned lowercased unchanged.
func (r *ChainRegistry) Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := r.aliases[name]; ok {
		return canonical
	}
	return name
}

// Lookup resolves a chain by name or alias.
func (r *ChainRegistry) Lookup(name string) (Chain, error) {
	c, ok := r.chains[r.Normalize(name)]
	if !ok {
		return nil, fmt.Errorf("unsupported chain %q", name)
	}
	return c, nil
}

// evmChain covers ethereum-compatible chains with 0x hex addresses.
type evmChain struct {
	name string
	// strictFilter keeps only pairs whose chainId matches name. Needed
	// for base, whose addresses collide with ethereum deployments.
	strictFilter bool
}

func (c evmChain) Name() string { return c.name }

func (c evmChain) ValidateAddress(addr string) error {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return fmt.Errorf("invalid %s address %q: want 0x-prefixed 40 hex chars", c.name, addr)
	}
	for _, r := range addr[2:] {
		if !isHexDigit(r) {
			return fmt.Errorf("invalid %s address %q: non-hex character", c.name, addr)
		}
	}
	return nil
}

func (c evmChain) FilterPairs(pairs []Pair) []Pair {
	if !c.strictFilter {
		return pairs
	}
	filtered := make([]Pair, 0, len(pairs))
	for _, p := range pairs {
		if strings.EqualFold(p.ChainID, c.name) {
			filtered = append(filtered, p)
		}
	}
	return filtered
}

func isHexDigit(r rune) bool {
	return (r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')
}

// solanaChain validates base58 ed25519 public keys.
type solanaChain struct{}

func (solanaChain) Name() string { return "solana" }

func (solanaChain) ValidateAddress(addr string) error {
	decoded, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("invalid solana address %q: %w", addr, err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("invalid solana address %q: decoded to %d bytes, want 32", addr, len(decoded))
	}
	// Mint addresses are ed25519 curve points. PDAs are deliberately
	// off-curve and never appear as token mints.
	if _, err := new(edwards25519.Point).SetBytes(decoded); err != nil {
		return fmt.Errorf("invalid solana address %q: not on curve", addr)
	}
	return nil
}

func (solanaChain) FilterPairs(pairs []Pair) []Pair { return pairs }
