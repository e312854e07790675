package api

// LayerSummary describes one registered MoE layer.
type LayerSummary struct {
	Index            int    `json:"index"`
	NumExperts       int    `json:"num_experts"`
	TopK             int    `json:"top_k"`
	HiddenDim        int    `json:"hidden_dim"`
	FFNDim           int    `json:"ffn_dim"`
	WorldSize        int    `json:"world_size"`
	OwnershipVersion uint64 `json:"ownership_version"`
	BalanceEnabled   bool   `json:"balance_enabled"`
}

// OwnershipResponse is the expert-to-rank assignment of one layer.
type OwnershipResponse struct {
	Layer   int    `json:"layer"`
	Version uint64 `json:"version"`
	Owners  []int  `json:"owners"`
}

// LayerLoad is the local observation window of one layer since its
// last rebalance.
type LayerLoad struct {
	Layer            int     `json:"layer"`
	OwnershipVersion uint64  `json:"ownership_version"`
	LocalExperts     []int   `json:"local_experts"`
	TokensPerExpert  []int64 `json:"tokens_per_expert"`
	AuxLoss          float64 `json:"aux_loss"`
}

// LoadResponse is the per-layer load report for this rank.
type LoadResponse struct {
	Rank   int         `json:"rank"`
	Layers []LayerLoad `json:"layers"`
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}
