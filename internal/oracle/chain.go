package oracle

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"peg-stabilizer/internal/stabilization"
)

const (
	aggregatorABIJSON = `[{"inputs":[],"name":"decimals","outputs":[{"internalType":"uint8","name":"","type":"uint8"}],"stateMutability":"view","type":"function"},{"inputs":[],"name":"latestRoundData","outputs":[{"internalType":"uint80","name":"roundId","type":"uint80"},{"internalType":"int256","name":"answer","type":"int256"},{"internalType":"uint256","name":"startedAt","type":"uint256"},{"internalType":"uint256","name":"updatedAt","type":"uint256"},{"internalType":"uint80","name":"answeredInRound","type":"uint80"}],"stateMutability":"view","type":"function"}]`
)

var (
	aggregatorABI abi.ABI
)

func init() {
	parsed, err := abi.JSON(strings.NewReader(aggregatorABIJSON))
	if err != nil {
		panic("failed to parse aggregator ABI: " + err.Error())
	}
	aggregatorABI = parsed
}

// ChainOptions parameterise the on-chain price feed reader.
type ChainOptions struct {
	RPCURL string
	// Feeds maps a pair id to its aggregator contract address.
	Feeds   map[string]string
	Timeout time.Duration
}

// ChainOracle reads Chainlink-style aggregator feeds over Ethereum RPC.
type ChainOracle struct {
	opts      ChainOptions
	logger    zerolog.Logger
	caller    ethereum.ContractCaller
	clientMux sync.Mutex
	decimals  map[string]int32
}

// NewChainOracle builds an on-chain oracle. The RPC connection is opened
// lazily on first use.
func NewChainOracle(opts ChainOptions, logger zerolog.Logger) *ChainOracle {
	return &ChainOracle{
		opts:     opts,
		logger:   logger.With().Str("component", "chain_oracle").Logger(),
		decimals: make(map[string]int32),
	}
}

// WithCaller injects a contract caller instead of dialling RPCURL.
func (o *ChainOracle) WithCaller(caller ethereum.ContractCaller) *ChainOracle {
	o.caller = caller
	return o
}

// FetchPrice reads latestRoundData for the pair's feed.
func (o *ChainOracle) FetchPrice(ctx context.Context, pairID string) (stabilization.PriceSample, error) {
	feed := o.opts.Feeds[pairID]
	if feed == "" {
		return stabilization.PriceSample{}, fmt.Errorf("%w: no feed configured for pair %s", ErrOracleUnavailable, pairID)
	}
	if !common.IsHexAddress(feed) {
		return stabilization.PriceSample{}, fmt.Errorf("%w: invalid feed address %q", ErrOracleUnavailable, feed)
	}

	timeout := o.opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var cancel context.CancelFunc
	ctx, cancel = context.WithTimeout(ctx, timeout)
	defer cancel()

	caller, err := o.getCaller(ctx)
	if err != nil {
		return stabilization.PriceSample{}, fmt.Errorf("%w: dial rpc: %w", ErrOracleUnavailable, err)
	}

	addr := common.HexToAddress(feed)
	scale, err := o.feedDecimals(ctx, caller, pairID, addr)
	if err != nil {
		return stabilization.PriceSample{}, err
	}

	outputs, err := o.call(ctx, caller, addr, "latestRoundData")
	if err != nil {
		return stabilization.PriceSample{}, err
	}
	if len(outputs) != 5 {
		return stabilization.PriceSample{}, fmt.Errorf("%w: unexpected latestRoundData response", ErrOracleUnavailable)
	}

	answer, ok := outputs[1].(*big.Int)
	if !ok {
		return stabilization.PriceSample{}, fmt.Errorf("%w: failed to decode answer", ErrOracleUnavailable)
	}
	updatedAt, ok := outputs[3].(*big.Int)
	if !ok {
		return stabilization.PriceSample{}, fmt.Errorf("%w: failed to decode updatedAt", ErrOracleUnavailable)
	}
	if answer.Sign() <= 0 {
		return stabilization.PriceSample{}, fmt.Errorf("%w: non-positive answer %s", ErrOracleUnavailable, answer.String())
	}

	sample := stabilization.PriceSample{
		Value:     decimal.NewFromBigInt(answer, -scale),
		Timestamp: time.Unix(updatedAt.Int64(), 0).UTC(),
		SourceID:  "chain:" + addr.Hex(),
	}
	o.logger.Debug().Str("pair", pairID).Str("price", sample.Value.String()).Time("updated_at", sample.Timestamp).Msg("feed read")
	return sample, nil
}

func (o *ChainOracle) feedDecimals(ctx context.Context, caller ethereum.ContractCaller, pairID string, addr common.Address) (int32, error) {
	o.clientMux.Lock()
	cached, ok := o.decimals[pairID]
	o.clientMux.Unlock()
	if ok {
		return cached, nil
	}

	outputs, err := o.call(ctx, caller, addr, "decimals")
	if err != nil {
		return 0, err
	}
	if len(outputs) != 1 {
		return 0, fmt.Errorf("%w: unexpected decimals response", ErrOracleUnavailable)
	}
	d, ok := outputs[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("%w: failed to decode decimals", ErrOracleUnavailable)
	}

	o.clientMux.Lock()
	o.decimals[pairID] = int32(d)
	o.clientMux.Unlock()
	return int32(d), nil
}

func (o *ChainOracle) call(ctx context.Context, caller ethereum.ContractCaller, addr common.Address, method string) ([]interface{}, error) {
	payload, err := aggregatorABI.Pack(method)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}
	res, err := caller.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: payload}, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: call %s: %w", ErrOracleUnavailable, method, err)
	}
	outputs, err := aggregatorABI.Unpack(method, res)
	if err != nil {
		return nil, fmt.Errorf("%w: unpack %s: %w", ErrOracleUnavailable, method, err)
	}
	return outputs, nil
}

func (o *ChainOracle) getCaller(ctx context.Context) (ethereum.ContractCaller, error) {
	o.clientMux.Lock()
	defer o.clientMux.Unlock()

	if o.caller != nil {
		return o.caller, nil
	}
	if o.opts.RPCURL == "" {
		return nil, errors.New("ethereum rpc url not configured")
	}

	client, err := ethclient.DialContext(ctx, o.opts.RPCURL)
	if err != nil {
		return nil, err
	}
	o.caller = client
	return client, nil
}

var _ PriceOracle = (*ChainOracle)(nil)
