// Package wallet connects to an Ethereum-style wallet provider and submits
// token transfers.
package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/healthpay/healthpayd/pkg/token"
)

var (
	ErrProviderMissing    = errors.New("wallet: no provider configured")
	ErrUserRejected       = errors.New("wallet: user rejected the connection request")
	ErrNoAccounts         = errors.New("wallet: no authorized accounts")
	ErrSubmissionRejected = errors.New("wallet: user rejected the transaction")
)

// NativeCurrency describes a chain's gas token.
type NativeCurrency struct {
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
	Decimals int    `json:"decimals"`
}

// ChainParams describe a network, in the wallet_addEthereumChain wire shape.
type ChainParams struct {
	ChainID           string         `json:"chainId"`
	ChainName         string         `json:"chainName"`
	RPCURLs           []string       `json:"rpcUrls"`
	NativeCurrency    NativeCurrency `json:"nativeCurrency"`
	BlockExplorerURLs []string       `json:"blockExplorerUrls"`
}

// PolygonAmoy is the settlement network (chain id 80002).
var PolygonAmoy = ChainParams{
	ChainID:   "0x13882",
	ChainName: "Polygon Amoy",
	RPCURLs:   []string{"https://rpc-amoy.polygon.technology/"},
	NativeCurrency: NativeCurrency{
		Name:     "MATIC",
		Symbol:   "MATIC",
		Decimals: 18,
	},
	BlockExplorerURLs: []string{"https://amoy.polygonscan.com/"},
}

// transferGas is the fixed gas limit for a token transfer.
const transferGas = "0x186a0"

// Account is a connected wallet account.
type Account struct {
	Address string `json:"address"`
	Balance string `json:"balance"` // native balance, hex wei
	ChainID string `json:"chainId"`
	// ChainWarning is set when the provider could not be aligned to the
	// required chain. Connection still succeeds; the provider itself
	// rejects incompatible transactions.
	ChainWarning string `json:"chainWarning,omitempty"`
}

// TxHandle identifies a submitted, not-yet-confirmed transaction.
type TxHandle struct {
	Hash string `json:"txHash"`
}

// Bridge drives the wallet provider protocol for one token contract.
type Bridge struct {
	provider Provider
	chain    ChainParams
	contract string
	decimals int32
}

// NewBridge creates a bridge. provider may be nil, in which case every
// operation fails with ErrProviderMissing.
func NewBridge(provider Provider, chain ChainParams, contract string, decimals int32) *Bridge {
	return &Bridge{provider: provider, chain: chain, contract: contract, decimals: decimals}
}

// Connect requests account access, aligns the active network with the
// required chain, and returns the first authorized account.
func (b *Bridge) Connect(ctx context.Context) (Account, error) {
	if b.provider == nil {
		return Account{}, ErrProviderMissing
	}

	raw, err := b.provider.Request(ctx, "eth_requestAccounts")
	if err != nil {
		if code, ok := rpcCode(err); ok && code == codeUserRejected {
			return Account{}, ErrUserRejected
		}
		return Account{}, fmt.Errorf("wallet: request accounts: %w", err)
	}

	var accounts []string
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return Account{}, fmt.Errorf("wallet: decode accounts: %w", err)
	}
	if len(accounts) == 0 {
		return Account{}, ErrNoAccounts
	}
	address := accounts[0]

	chainID, err := b.activeChain(ctx)
	if err != nil {
		return Account{}, fmt.Errorf("wallet: chain id: %w", err)
	}

	var warning string
	if chainID != b.chain.ChainID {
		if err := b.alignChain(ctx); err != nil {
			warning = fmt.Sprintf("could not switch to %s: %v", b.chain.ChainName, err)
			slog.Warn("chain alignment failed, proceeding on active chain",
				"want", b.chain.ChainID, "got", chainID, "error", err)
		} else {
			chainID = b.chain.ChainID
		}
	}

	var balance string
	if raw, err := b.provider.Request(ctx, "eth_getBalance", address, "latest"); err != nil {
		slog.Warn("balance lookup failed", "address", address, "error", err)
	} else if err := json.Unmarshal(raw, &balance); err != nil {
		return Account{}, fmt.Errorf("wallet: decode balance: %w", err)
	}

	return Account{
		Address:      address,
		Balance:      balance,
		ChainID:      chainID,
		ChainWarning: warning,
	}, nil
}

func (b *Bridge) activeChain(ctx context.Context) (string, error) {
	raw, err := b.provider.Request(ctx, "eth_chainId")
	if err != nil {
		return "", err
	}
	var chainID string
	if err := json.Unmarshal(raw, &chainID); err != nil {
		return "", err
	}
	return chainID, nil
}

// alignChain asks the provider to switch networks, registering the chain
// first when the provider does not know it.
func (b *Bridge) alignChain(ctx context.Context) error {
	_, err := b.provider.Request(ctx, "wallet_switchEthereumChain",
		map[string]string{"chainId": b.chain.ChainID})
	if err == nil {
		return nil
	}

	if code, ok := rpcCode(err); ok && code == codeChainUnknown {
		if _, addErr := b.provider.Request(ctx, "wallet_addEthereumChain", b.chain); addErr != nil {
			return fmt.Errorf("add chain: %w", addErr)
		}
		return nil
	}
	return fmt.Errorf("switch chain: %w", err)
}

// SubmitTransfer sends the encoded transfer and returns the pending
// transaction hash immediately; block confirmation is not awaited.
func (b *Bridge) SubmitTransfer(ctx context.Context, transfer token.EncodedTransfer, from string) (TxHandle, error) {
	if b.provider == nil {
		return TxHandle{}, ErrProviderMissing
	}

	if from == "" {
		raw, err := b.provider.Request(ctx, "eth_accounts")
		if err != nil {
			return TxHandle{}, fmt.Errorf("wallet: accounts: %w", err)
		}
		var accounts []string
		if err := json.Unmarshal(raw, &accounts); err != nil {
			return TxHandle{}, fmt.Errorf("wallet: decode accounts: %w", err)
		}
		if len(accounts) == 0 {
			return TxHandle{}, ErrNoAccounts
		}
		from = accounts[0]
	}

	raw, err := b.provider.Request(ctx, "eth_sendTransaction", map[string]string{
		"from": from,
		"to":   b.contract,
		"data": transfer.CallData(),
		"gas":  transferGas,
	})
	if err != nil {
		if code, ok := rpcCode(err); ok && code == codeUserRejected {
			return TxHandle{}, ErrSubmissionRejected
		}
		return TxHandle{}, fmt.Errorf("wallet: send transaction: %w", err)
	}

	var hash string
	if err := json.Unmarshal(raw, &hash); err != nil {
		return TxHandle{}, fmt.Errorf("wallet: decode tx hash: %w", err)
	}
	return TxHandle{Hash: hash}, nil
}

// TokenBalance reads the token balance of an address via eth_call.
func (b *Bridge) TokenBalance(ctx context.Context, address string) (decimal.Decimal, error) {
	if b.provider == nil {
		return decimal.Zero, ErrProviderMissing
	}

	data, err := token.BalanceOfCallData(address)
	if err != nil {
		return decimal.Zero, err
	}

	raw, err := b.provider.Request(ctx, "eth_call",
		map[string]string{"to": b.contract, "data": data}, "latest")
	if err != nil {
		return decimal.Zero, fmt.Errorf("wallet: balance call: %w", err)
	}

	var hexBalance string
	if err := json.Unmarshal(raw, &hexBalance); err != nil {
		return decimal.Zero, fmt.Errorf("wallet: decode balance: %w", err)
	}
	units, err := token.ParseHexQuantity(hexBalance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("wallet: parse balance: %w", err)
	}
	return token.UnitsToAmount(units, b.decimals), nil
}
