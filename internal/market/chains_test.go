package market

import "testing"

func TestChainRegistry_Normalize(t *testing.T) {
	r := NewChainRegistry()

	cases := map[string]string{
		"eth":      "ethereum",
		"ETH":      "ethereum",
		"Ethereum": "ethereum",
		"bsc":      "bsc",
		" base ":   "base",
		"solana":   "solana",
	}
	for in, want := range cases {
		if got := r.Normalize(in); got != want {
			t.Errorf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChainRegistry_Lookup(t *testing.T) {
	r := NewChainRegistry()

	for _, name := range []string{"ethereum", "eth", "bsc", "base", "solana"} {
		if _, err := r.Lookup(name); err != nil {
			t.Errorf("Lookup(%q): %v", name, err)
		}
	}

	if _, err := r.Lookup("dogechain"); err == nil {
		t.Error("expected error for unknown chain")
	}
}

func TestEVMChain_ValidateAddress(t *testing.T) {
	r := NewChainRegistry()
	eth, _ := r.Lookup("ethereum")

	valid := []string{
		"0x1111111111111111111111111111111111111111",
		"0xDeaDbeefdEAdbeefdEadbEEFdeadbeEFdEaDbeeF",
	}
	for _, addr := range valid {
		if err := eth.ValidateAddress(addr); err != nil {
			t.Errorf("ValidateAddress(%q): %v", addr, err)
		}
	}

	invalid := []string{
		"",
		"0x123",
		"1111111111111111111111111111111111111111",
		"0xZZZZ111111111111111111111111111111111111",
		"0x11111111111111111111111111111111111111111",
	}
	for _, addr := range invalid {
		if err := eth.ValidateAddress(addr); err == nil {
			t.Errorf("expected error for %q", addr)
		}
	}
}

func TestSolanaChain_ValidateAddress(t *testing.T) {
	r := NewChainRegistry()
	sol, _ := r.Lookup("solana")

	// Keypair-generated mint address, a valid curve point.
	if err := sol.ValidateAddress("EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"); err != nil {
		t.Errorf("expected valid mint address: %v", err)
	}

	invalid := []string{
		"",
		"notbase58!!!",
		"abc",
		"0x1111111111111111111111111111111111111111",
	}
	for _, addr := range invalid {
		if err := sol.ValidateAddress(addr); err == nil {
			t.Errorf("expected error for %q", addr)
		}
	}
}

func TestBaseChain_FilterPairs(t *testing.T) {
	r := NewChainRegistry()
	base, _ := r.Lookup("base")

	pairs := []Pair{
		{ChainID: "base", PairAddress: "0xA"},
		{ChainID: "ethereum", PairAddress: "0xB"},
		{ChainID: "Base", PairAddress: "0xC"},
	}

	filtered := base.FilterPairs(pairs)
	if len(filtered) != 2 {
		t.Fatalf("expected 2 base pairs, got %d", len(filtered))
	}
	for _, p := range filtered {
		if p.PairAddress == "0xB" {
			t.Error("ethereum pair should have been dropped")
		}
	}
}

func TestEthereumChain_FilterPairs_NoFilter(t *testing.T) {
	r := NewChainRegistry()
	eth, _ := r.Lookup("ethereum")

	pairs := []Pair{
		{ChainID: "ethereum", PairAddress: "0xA"},
		{ChainID: "bsc", PairAddress: "0xB"},
	}

	if got := eth.FilterPairs(pairs); len(got) != 2 {
		t.Errorf("expected passthrough, got %d pairs", len(got))
	}
}
