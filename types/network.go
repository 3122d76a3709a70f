package types

// Network identifies a settlement network a backend can submit transfers on.
type Network string

const (
	// EVM networks
	NetworkEthereum    Network = "ethereum"
	NetworkSepolia     Network = "sepolia" // testnet
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet

	// Solana networks
	NetworkSolanaMainnet Network = "solana-mainnet"
	NetworkSolanaDevnet  Network = "solana-devnet" // testnet
)

func (n Network) IsEVM() bool {
	switch n {
	case NetworkEthereum, NetworkSepolia, NetworkPolygon, NetworkPolygonAmoy, NetworkBase, NetworkBaseSepolia:
		return true
	}
	return false
}

func (n Network) IsSolana() bool {
	return n == NetworkSolanaMainnet || n == NetworkSolanaDevnet
}

func (n Network) IsTestnet() bool {
	switch n {
	case NetworkSepolia, NetworkPolygonAmoy, NetworkBaseSepolia, NetworkSolanaDevnet:
		return true
	}
	return false
}

func (n Network) String() string {
	return string(n)
}
