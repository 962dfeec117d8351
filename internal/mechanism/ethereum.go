package mechanism

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"

	"peg-stabilizer/internal/stabilization"
)

const stabilizerABIJSON = `[{"inputs":[{"internalType":"bytes32","name":"cycleId","type":"bytes32"},{"internalType":"string","name":"action","type":"string"},{"internalType":"bytes","name":"payload","type":"bytes"}],"name":"execute","outputs":[],"stateMutability":"nonpayable","type":"function"}]`

var stabilizerABI abi.ABI

func init() {
	parsed, err := abi.JSON(strings.NewReader(stabilizerABIJSON))
	if err != nil {
		panic("failed to parse stabilizer ABI: " + err.Error())
	}
	stabilizerABI = parsed
}

// chainBackend is the subset of ethclient.Client needed to send transactions.
type chainBackend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// EthereumOptions configure the on-chain submitter.
type EthereumOptions struct {
	RPCURL          string
	ContractAddress string
	// PrivateKeyHex is the operator key without 0x prefix.
	PrivateKeyHex string
	// GasLimit overrides estimation when non-zero.
	GasLimit uint64
	Timeout  time.Duration
}

// EthereumSubmitter sends each instruction as a dynamic-fee transaction
// calling execute(cycleId, action, payload) on the stabilizer contract.
type EthereumSubmitter struct {
	opts     EthereumOptions
	logger   zerolog.Logger
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address

	mu      sync.Mutex
	backend chainBackend
	chainID *big.Int
	clock   func() time.Time

	// sendMu spans nonce lookup to broadcast; every pair shares one operator
	// account.
	sendMu sync.Mutex
}

// NewEthereumSubmitter validates the options and loads the operator key.
func NewEthereumSubmitter(opts EthereumOptions, logger zerolog.Logger) (*EthereumSubmitter, error) {
	if !common.IsHexAddress(opts.ContractAddress) {
		return nil, fmt.Errorf("invalid contract address %q", opts.ContractAddress)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(opts.PrivateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("load operator key: %w", err)
	}
	return &EthereumSubmitter{
		opts:     opts,
		logger:   logger.With().Str("component", "eth_submitter").Logger(),
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		contract: common.HexToAddress(opts.ContractAddress),
		clock:    time.Now,
	}, nil
}

// withBackend injects a backend instead of dialling RPCURL.
func (e *EthereumSubmitter) withBackend(b chainBackend) *EthereumSubmitter {
	e.backend = b
	return e
}

// From returns the operator address.
func (e *EthereumSubmitter) From() common.Address {
	return e.from
}

// Submit implements Submitter.
func (e *EthereumSubmitter) Submit(ctx context.Context, inst Instruction) (Receipt, error) {
	timeout := e.opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backend, chainID, err := e.connect(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: connect: %w", stabilization.ErrTransient, err)
	}

	body, err := inst.Encode()
	if err != nil {
		return Receipt{}, fmt.Errorf("encode instruction: %w", err)
	}
	var cycle [32]byte
	copy(cycle[:], inst.CycleID[:])
	data, err := stabilizerABI.Pack("execute", cycle, string(inst.Action), body)
	if err != nil {
		return Receipt{}, fmt.Errorf("pack execute: %w", err)
	}

	e.sendMu.Lock()
	defer e.sendMu.Unlock()

	nonce, err := backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: pending nonce: %w", stabilization.ErrTransient, err)
	}
	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: gas tip: %w", stabilization.ErrTransient, err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return Receipt{}, fmt.Errorf("%w: latest header: %w", stabilization.ErrTransient, err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(0)
	}
	feeCap := new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)

	gas := e.opts.GasLimit
	if gas == 0 {
		gas, err = backend.EstimateGas(ctx, ethereum.CallMsg{From: e.from, To: &e.contract, Data: data})
		if err != nil {
			return Receipt{}, fmt.Errorf("%w: estimate gas: %w", stabilization.ErrTransient, err)
		}
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &e.contract,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), e.key)
	if err != nil {
		return Receipt{}, fmt.Errorf("sign transaction: %w", errors.Join(stabilization.ErrSecurity, err))
	}

	if err := backend.SendTransaction(ctx, signed); err != nil {
		if isAuthRejection(err) {
			return Receipt{}, fmt.Errorf("%w: %w", ErrSubmissionRefused, err)
		}
		return Receipt{}, fmt.Errorf("%w: send transaction: %w", stabilization.ErrTransient, err)
	}

	e.logger.Info().
		Str("cycle_id", inst.CycleID.String()).
		Str("action", string(inst.Action)).
		Uint64("nonce", nonce).
		Str("tx_hash", signed.Hash().Hex()).
		Msg("instruction submitted")
	return Receipt{TxHash: signed.Hash().Hex(), SubmittedAt: e.clock().UTC()}, nil
}

func (e *EthereumSubmitter) connect(ctx context.Context) (chainBackend, *big.Int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.backend == nil {
		if e.opts.RPCURL == "" {
			return nil, nil, errors.New("ethereum rpc url not configured")
		}
		client, err := ethclient.DialContext(ctx, e.opts.RPCURL)
		if err != nil {
			return nil, nil, err
		}
		e.backend = client
	}
	if e.chainID == nil {
		id, err := e.backend.ChainID(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("chain id: %w", err)
		}
		e.chainID = id
	}
	return e.backend, e.chainID, nil
}

// isAuthRejection matches node errors caused by the sender rather than the
// network: unknown account, insufficient funds, bad signature.
func isAuthRejection(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{"invalid sender", "insufficient funds", "unauthorized", "forbidden"} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

var (
	_ Submitter    = (*EthereumSubmitter)(nil)
	_ chainBackend = (*ethclient.Client)(nil)
)
