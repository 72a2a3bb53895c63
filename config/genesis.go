package config

import "fmt"

// ValidateGenesis checks that the genesis section of two configs describes
// the same epoch, so two authorities loaded from different files refuse to
// talk past each other instead of silently diverging. The DAG's actual
// round-0 genesis blocks are generated deterministically from the
// committee by consensus.GenesisBlocks — there is no genesis payload to
// build or sign here, unlike a single-chain genesis block.
func ValidateGenesis(a, b GenesisConfig) error {
	if a.ChainID != b.ChainID {
		return fmt.Errorf("chain_id mismatch: %q vs %q", a.ChainID, b.ChainID)
	}
	if a.Epoch != b.Epoch {
		return fmt.Errorf("epoch mismatch: %d vs %d", a.Epoch, b.Epoch)
	}
	return nil
}
