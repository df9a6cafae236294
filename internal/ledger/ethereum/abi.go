package ethereum

import (
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/hyperledger/firefly-signer/pkg/abi"
)

//go:embed abis/CardRegistry.json
var cardRegistryABIJSON []byte

type contractABI struct {
	issueCard  *abi.Entry
	cardIssued *abi.Entry
}

func loadContractABI() (*contractABI, error) {
	var a abi.ABI
	if err := json.Unmarshal(cardRegistryABIJSON, &a); err != nil {
		return nil, fmt.Errorf("parse card registry abi: %w", err)
	}
	issueCard, ok := a.Functions()["issueCard"]
	if !ok {
		return nil, fmt.Errorf("card registry abi: issueCard function missing")
	}
	cardIssued, ok := a.Events()["CardIssued"]
	if !ok {
		return nil, fmt.Errorf("card registry abi: CardIssued event missing")
	}
	return &contractABI{issueCard: issueCard, cardIssued: cardIssued}, nil
}
