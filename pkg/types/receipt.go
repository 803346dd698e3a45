package types

// Receipt reports the inclusion of a transaction in a block.
type Receipt struct {
	TxHash      Hash   `json:"transactionHash"`
	BlockNumber uint64 `json:"blockNumber"`
	BlockHash   Hash   `json:"blockHash"`
	// Status is 1 for success and 0 for failure.
	Status uint64 `json:"status"`
}

// Succeeded reports whether the transaction executed successfully.
func (r *Receipt) Succeeded() bool {
	return r.Status == 1
}
