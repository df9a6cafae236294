// Package ethereum anchors card issuance on an EVM chain over JSON-RPC.
package ethereum

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hyperledger/firefly-signer/pkg/ethsigner"
	"github.com/hyperledger/firefly-signer/pkg/ethtypes"
	"github.com/hyperledger/firefly-signer/pkg/rpcbackend"
	"github.com/hyperledger/firefly-signer/pkg/secp256k1"
	"github.com/smallbiznis/insurecard/internal/ledger/domain"
	"go.uber.org/zap"
	"golang.org/x/crypto/sha3"
)

const defaultPollInterval = 2 * time.Second

type Config struct {
	RPCURL            string
	ContractAddress   string
	SignerPrivateKey  string
	Confirmations     int64
	GasEstimateFactor float64
	FromBlock         int64
	RequestTimeout    time.Duration
	PollInterval      time.Duration
}

type Client struct {
	log      *zap.Logger
	rpc      rpcbackend.Backend
	cfg      Config
	abi      *contractABI
	contract *ethtypes.Address0xHex
	keypair  *secp256k1.KeyPair

	chainMu sync.Mutex
	chainID *int64
}

type txReceipt struct {
	TransactionHash ethtypes.HexBytes0xPrefix `json:"transactionHash"`
	BlockNumber     *ethtypes.HexInteger      `json:"blockNumber"`
	Status          *ethtypes.HexInteger      `json:"status"`
}

type logEntry struct {
	TransactionHash ethtypes.HexBytes0xPrefix `json:"transactionHash"`
	BlockNumber     *ethtypes.HexInteger      `json:"blockNumber"`
	Removed         bool                      `json:"removed"`
}

type logFilter struct {
	Address   *ethtypes.Address0xHex `json:"address"`
	FromBlock string                 `json:"fromBlock"`
	ToBlock   string                 `json:"toBlock"`
	Topics    []any                  `json:"topics"`
}

func New(cfg Config, log *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.RPCURL) == "" {
		return nil, errors.New("ledger rpc url is required")
	}
	contract, err := ethtypes.NewAddress(cfg.ContractAddress)
	if err != nil {
		return nil, fmt.Errorf("invalid contract address %q: %w", cfg.ContractAddress, err)
	}
	parsed, err := loadContractABI()
	if err != nil {
		return nil, err
	}
	if cfg.GasEstimateFactor < 1 {
		cfg.GasEstimateFactor = 1
	}
	if cfg.Confirmations < 1 {
		cfg.Confirmations = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	var keypair *secp256k1.KeyPair
	if key := strings.TrimPrefix(strings.TrimSpace(cfg.SignerPrivateKey), "0x"); key != "" {
		raw, err := hex.DecodeString(key)
		if err != nil || len(raw) != 32 {
			return nil, errors.New("ledger signer private key must be 32 bytes of hex")
		}
		keypair = secp256k1.KeyPairFromBytes(raw)
	}

	rc := resty.New().SetBaseURL(cfg.RPCURL)
	if cfg.RequestTimeout > 0 {
		rc.SetTimeout(cfg.RequestTimeout)
	}

	c := &Client{
		log:      log.Named("ledger.ethereum"),
		rpc:      rpcbackend.NewRPCClient(rc),
		cfg:      cfg,
		abi:      parsed,
		contract: contract,
		keypair:  keypair,
	}
	if keypair == nil {
		c.log.Warn("no signer key configured, submissions will be rejected")
	} else {
		c.log.Info("ledger client ready",
			zap.String("signer", keypair.Address.String()),
			zap.String("contract", contract.String()),
		)
	}
	return c, nil
}

func (c *Client) Submit(ctx context.Context, payload domain.Payload) (domain.TxRef, error) {
	if c.keypair == nil {
		return "", domain.NewSubmissionError(domain.RejectReasonUnauthorized, domain.ErrSignerNotConfigured)
	}

	callData, err := c.encodeIssueCard(ctx, payload)
	if err != nil {
		return "", domain.NewSubmissionError(domain.RejectReasonMalformedPayload, err)
	}

	chainID, err := c.resolveChainID(ctx)
	if err != nil {
		return "", err
	}

	from := c.keypair.Address.String()
	tx := &ethsigner.Transaction{
		From: json.RawMessage(fmt.Sprintf(`"%s"`, from)),
		To:   c.contract,
		Data: callData,
	}

	var nonce ethtypes.HexInteger
	if rpcErr := c.rpc.CallRPC(ctx, &nonce, "eth_getTransactionCount", from, "pending"); rpcErr != nil {
		return "", c.classify("eth_getTransactionCount", rpcErr, false)
	}
	var gasPrice ethtypes.HexInteger
	if rpcErr := c.rpc.CallRPC(ctx, &gasPrice, "eth_gasPrice"); rpcErr != nil {
		return "", c.classify("eth_gasPrice", rpcErr, false)
	}
	var gasEstimate ethtypes.HexInteger
	if rpcErr := c.rpc.CallRPC(ctx, &gasEstimate, "eth_estimateGas", tx); rpcErr != nil {
		return "", c.classify("eth_estimateGas", rpcErr, true)
	}

	factored := new(big.Float).Mul(new(big.Float).SetInt(gasEstimate.BigInt()), big.NewFloat(c.cfg.GasEstimateFactor))
	gasLimit, _ := factored.Int(nil)
	tx.Nonce = &nonce
	tx.GasPrice = &gasPrice
	tx.GasLimit = ethtypes.NewHexInteger(gasLimit)

	sigPayload := tx.SignaturePayloadLegacyEIP155(chainID)
	hash := sha3.NewLegacyKeccak256()
	_, _ = hash.Write(sigPayload.Bytes())
	sig, err := c.keypair.SignDirect(hash.Sum(nil))
	if err != nil {
		return "", fmt.Errorf("sign transaction: %w", err)
	}
	rawTX, err := tx.FinalizeLegacyEIP155WithSignature(sigPayload, sig, chainID)
	if err != nil {
		return "", fmt.Errorf("finalize transaction: %w", err)
	}

	var txHash ethtypes.HexBytes0xPrefix
	if rpcErr := c.rpc.CallRPC(ctx, &txHash, "eth_sendRawTransaction", ethtypes.HexBytes0xPrefix(rawTX)); rpcErr != nil {
		if isAlreadyKnown(rpcErr.Message) {
			return localTxHash(rawTX), nil
		}
		return "", c.classify("eth_sendRawTransaction", rpcErr, true)
	}

	c.log.Info("transaction sent",
		zap.String("tx_ref", txHash.String()),
		zap.String("request_id", payload.RequestID),
		zap.String("nonce", nonce.BigInt().String()),
	)
	return domain.TxRef(txHash.String()), nil
}

func (c *Client) AwaitConfirmation(ctx context.Context, ref domain.TxRef) (domain.ConfirmationStatus, error) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		status, err := c.checkReceipt(ctx, ref)
		switch {
		case err != nil:
			lastErr = err
			c.log.Warn("receipt poll failed", zap.String("tx_ref", ref.String()), zap.Error(err))
		case status != domain.ConfirmationPending:
			return status, nil
		default:
			lastErr = nil
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return domain.ConfirmationPending, lastErr
			}
			return domain.ConfirmationPending, nil
		case <-ticker.C:
		}
	}
}

func (c *Client) checkReceipt(ctx context.Context, ref domain.TxRef) (domain.ConfirmationStatus, error) {
	var receipt *txReceipt
	if rpcErr := c.rpc.CallRPC(ctx, &receipt, "eth_getTransactionReceipt", ref.String()); rpcErr != nil {
		if ctx.Err() != nil {
			return domain.ConfirmationPending, nil
		}
		return domain.ConfirmationPending, c.classify("eth_getTransactionReceipt", rpcErr, false)
	}
	if receipt == nil || receipt.BlockNumber == nil {
		return domain.ConfirmationPending, nil
	}

	var head ethtypes.HexInteger
	if rpcErr := c.rpc.CallRPC(ctx, &head, "eth_blockNumber"); rpcErr != nil {
		if ctx.Err() != nil {
			return domain.ConfirmationPending, nil
		}
		return domain.ConfirmationPending, c.classify("eth_blockNumber", rpcErr, false)
	}
	depth := new(big.Int).Sub(head.BigInt(), receipt.BlockNumber.BigInt())
	depth.Add(depth, big.NewInt(1))
	if depth.Cmp(big.NewInt(c.cfg.Confirmations)) < 0 {
		return domain.ConfirmationPending, nil
	}

	if receipt.Status != nil && receipt.Status.BigInt().Sign() == 0 {
		return domain.ConfirmationReverted, nil
	}
	return domain.ConfirmationConfirmed, nil
}

func (c *Client) FindByRequestHash(ctx context.Context, requestHash string) (domain.TxRef, bool, error) {
	topic, err := ethtypes.NewHexBytes0xPrefix(requestHash)
	if err != nil || len(topic) != 32 {
		return "", false, fmt.Errorf("invalid request hash %q", requestHash)
	}
	filter := logFilter{
		Address:   c.contract,
		FromBlock: ethtypes.NewHexInteger64(c.cfg.FromBlock).String(),
		ToBlock:   "latest",
		Topics:    []any{c.abi.cardIssued.SignatureHashBytes(), topic},
	}
	var logs []*logEntry
	if rpcErr := c.rpc.CallRPC(ctx, &logs, "eth_getLogs", filter); rpcErr != nil {
		return "", false, c.classify("eth_getLogs", rpcErr, false)
	}
	for _, l := range logs {
		if l == nil || l.Removed {
			continue
		}
		return domain.TxRef(l.TransactionHash.String()), true, nil
	}
	return "", false, nil
}

func (c *Client) encodeIssueCard(ctx context.Context, p domain.Payload) (ethtypes.HexBytes0xPrefix, error) {
	params, err := json.Marshal(map[string]any{
		"requestHash":         p.RequestHash,
		"cardNumber":          p.CardNumber,
		"policyNumber":        p.PolicyNumber,
		"insuredPersonId":     p.InsuredPersonID,
		"dateOfBirth":         p.DateOfBirth.Unix(),
		"policyEffectiveDate": p.PolicyEffectiveDate.Unix(),
		"validUntil":          p.ValidUntil.Unix(),
		"hasDependents":       p.HasDependents,
		"dependentCount":      p.DependentCount,
	})
	if err != nil {
		return nil, err
	}
	data, err := c.abi.issueCard.EncodeCallDataJSONCtx(ctx, params)
	if err != nil {
		return nil, err
	}
	return ethtypes.HexBytes0xPrefix(data), nil
}

func (c *Client) resolveChainID(ctx context.Context) (int64, error) {
	c.chainMu.Lock()
	defer c.chainMu.Unlock()
	if c.chainID != nil {
		return *c.chainID, nil
	}
	var chainID ethtypes.HexUint64
	if rpcErr := c.rpc.CallRPC(ctx, &chainID, "eth_chainId"); rpcErr != nil {
		return 0, c.classify("eth_chainId", rpcErr, false)
	}
	id := int64(chainID.Uint64())
	c.chainID = &id
	return id, nil
}

// classify maps an RPC failure to a rejection when the node refused the
// transaction itself, and to ErrLedgerUnavailable otherwise.
func (c *Client) classify(method string, rpcErr *rpcbackend.RPCError, canReject bool) error {
	msg := rpcErr.Message
	if canReject {
		if reason, ok := rejectionReason(msg); ok {
			c.log.Warn("ledger rejected transaction", zap.String("method", method), zap.String("reason", reason), zap.String("error", msg))
			return domain.NewSubmissionError(reason, fmt.Errorf("%s: %s", method, msg))
		}
	}
	c.log.Warn("ledger call failed", zap.String("method", method), zap.Int64("code", rpcErr.Code), zap.String("error", msg))
	return fmt.Errorf("%w: %s: %s", domain.ErrLedgerUnavailable, method, msg)
}

func rejectionReason(msg string) (string, bool) {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "execution reverted"), strings.Contains(lower, "revert"):
		return domain.RejectReasonExecutionRevert, true
	case strings.Contains(lower, "insufficient funds"):
		return domain.RejectReasonInsufficientFund, true
	case strings.Contains(lower, "invalid sender"), strings.Contains(lower, "not authorized"), strings.Contains(lower, "unauthorized"):
		return domain.RejectReasonUnauthorized, true
	case strings.Contains(lower, "invalid argument"), strings.Contains(lower, "invalid params"), strings.Contains(lower, "intrinsic gas too low"):
		return domain.RejectReasonMalformedPayload, true
	default:
		return "", false
	}
}

func isAlreadyKnown(msg string) bool {
	lower := strings.ToLower(msg)
	return strings.Contains(lower, "already known") || strings.Contains(lower, "known transaction")
}

func localTxHash(rawTX []byte) domain.TxRef {
	h := sha3.NewLegacyKeccak256()
	_, _ = h.Write(rawTX)
	return domain.TxRef(ethtypes.HexBytes0xPrefix(h.Sum(nil)).String())
}
