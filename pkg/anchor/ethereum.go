package anchor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// registerMethod is the contract method every digest is submitted to.
const registerMethod = "registerEventHash"

// EthBackend is the subset of *ethclient.Client the public ledger leg uses.
type EthBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
}

// EthereumConfig names the public ledger deployment.
type EthereumConfig struct {
	ProviderURL     string
	ContractAddress string
	SigningKey      string // hex secp256k1 private key, 0x prefix optional
	ABIPath         string
	ReceiptTimeout  time.Duration
}

// Ethereum anchors digests by calling registerEventHash(string) on a
// contract and waiting for the receipt.
type Ethereum struct {
	backend  EthBackend
	contract common.Address
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	from     common.Address
	chainID  *big.Int
	signer   types.Signer
	timeout  time.Duration

	// nonce assignment and submission are serialised per signing account
	sendMu sync.Mutex
}

// DialEthereum connects to cfg.ProviderURL, loads the ABI and the signing
// key, and returns a ready target. It is called once at startup.
func DialEthereum(ctx context.Context, cfg EthereumConfig) (*Ethereum, error) {
	if !common.IsHexAddress(cfg.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.ContractAddress)
	}
	key, err := ParseSigningKey(cfg.SigningKey)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(cfg.ABIPath)
	if err != nil {
		return nil, fmt.Errorf("open contract abi: %w", err)
	}
	defer func() { _ = f.Close() }()
	parsed, err := abi.JSON(f)
	if err != nil {
		return nil, fmt.Errorf("parse contract abi: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.ProviderURL)
	if err != nil {
		return nil, fmt.Errorf("dial ethereum provider: %w", err)
	}
	e, err := NewEthereum(ctx, client, common.HexToAddress(cfg.ContractAddress), key, parsed, cfg.ReceiptTimeout)
	if err != nil {
		client.Close()
		return nil, err
	}
	return e, nil
}

// ParseSigningKey decodes a hex private key.
func ParseSigningKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid signing credential: %w", err)
	}
	return key, nil
}

// NewEthereum returns a target over an existing backend. The chain id is
// fetched once here.
func NewEthereum(ctx context.Context, backend EthBackend, contract common.Address, key *ecdsa.PrivateKey, contractABI abi.ABI, receiptTimeout time.Duration) (*Ethereum, error) {
	if _, ok := contractABI.Methods[registerMethod]; !ok {
		return nil, fmt.Errorf("contract abi has no %s method", registerMethod)
	}
	chainID, err := backend.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}
	if receiptTimeout <= 0 {
		receiptTimeout = 2 * time.Minute
	}
	return &Ethereum{
		backend:  backend,
		contract: contract,
		abi:      contractABI,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		chainID:  chainID,
		signer:   types.LatestSignerForChainID(chainID),
		timeout:  receiptTimeout,
	}, nil
}

func (e *Ethereum) Name() string { return "ethereum" }

// Account is the address transactions are sent from.
func (e *Ethereum) Account() common.Address { return e.from }

// Anchor returns the hash of the mined transaction.
func (e *Ethereum) Anchor(ctx context.Context, eventID, digest string) (string, error) {
	data, err := e.abi.Pack(registerMethod, digest)
	if err != nil {
		return "", fmt.Errorf("pack %s: %w", registerMethod, err)
	}

	tx, err := e.submit(ctx, data)
	if err != nil {
		return "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, e.backend, tx)
	if err != nil {
		return tx.Hash().Hex(), fmt.Errorf("wait for receipt of %s: %w", tx.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return tx.Hash().Hex(), errors.New("transaction reverted")
	}
	return tx.Hash().Hex(), nil
}

func (e *Ethereum) submit(ctx context.Context, data []byte) (*types.Transaction, error) {
	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	gas, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &e.contract, Data: data})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}
	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas price: %w", err)
	}

	tx, err := types.SignTx(types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &e.contract,
		Value:    big.NewInt(0),
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	}), e.signer, e.key)
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	if err := e.backend.SendTransaction(ctx, tx); err != nil {
		return nil, fmt.Errorf("send transaction: %w", err)
	}
	return tx, nil
}
