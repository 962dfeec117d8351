package mechanism

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"peg-stabilizer/internal/stabilization"
)

func newBook() *Book {
	return NewBook(BookState{
		Supply:   decimal.NewFromInt(1000),
		Reserves: decimal.NewFromInt(1000),
		FeeBps:   decimal.NewFromInt(30),
	})
}

func invocation(cycle uuid.UUID, action stabilization.ActionKind, factor string) stabilization.Invocation {
	return stabilization.Invocation{
		CycleID: cycle,
		Action:  action,
		Proposal: stabilization.CorrectionProposal{
			Factor:      decimal.RequireFromString(factor),
			BasisPrice:  decimal.NewFromInt(105),
			TargetPrice: decimal.NewFromInt(1),
		},
	}
}

func TestSupplyAdjusterDirection(t *testing.T) {
	book := newBook()
	h := NewHandlers(book, NewDryRunSubmitter(zerolog.Nop()), nil, Options{}, zerolog.Nop())

	details, err := h.Supply.Apply(context.Background(), invocation(uuid.New(), stabilization.ActionSupplyAdjustment, "-0.1"))
	require.NoError(t, err)
	assert.Equal(t, "mint", details["operation"])
	assert.Equal(t, "100", details["amount"])
	assert.NotEmpty(t, details["tx_hash"])
	assert.True(t, book.Snapshot().Supply.Equal(decimal.NewFromInt(1100)))

	details, err = h.Supply.Apply(context.Background(), invocation(uuid.New(), stabilization.ActionSupplyAdjustment, "0.5"))
	require.NoError(t, err)
	assert.Equal(t, "burn", details["operation"])
	assert.True(t, book.Snapshot().Supply.Equal(decimal.NewFromInt(550)))
}

func TestHandlersAreIdempotentPerCycle(t *testing.T) {
	book := newBook()
	sub := NewDryRunSubmitter(zerolog.Nop())
	h := NewHandlers(book, sub, NewMemoryGuard(), Options{}, zerolog.Nop())
	cycle := uuid.New()

	first, err := h.Supply.Apply(context.Background(), invocation(cycle, stabilization.ActionSupplyAdjustment, "-0.1"))
	require.NoError(t, err)
	second, err := h.Supply.Apply(context.Background(), invocation(cycle, stabilization.ActionSupplyAdjustment, "-0.1"))
	require.NoError(t, err)

	assert.Equal(t, first["tx_hash"], second["tx_hash"])
	assert.Equal(t, "true", second["duplicate"])
	assert.Len(t, sub.Submitted(), 1)
	assert.True(t, book.Snapshot().Supply.Equal(decimal.NewFromInt(1100)), "effect applied once")
}

func TestReserveRebalancerUsesRatio(t *testing.T) {
	book := newBook()
	h := NewHandlers(book, NewDryRunSubmitter(zerolog.Nop()), nil, Options{}, zerolog.Nop())

	details, err := h.Reserves.Apply(context.Background(), invocation(uuid.New(), stabilization.ActionReserveRebalancing, "-0.05"))
	require.NoError(t, err)
	assert.Equal(t, "deposit", details["operation"])
	assert.Equal(t, "250", details["amount"])
	assert.Equal(t, "1.25", details["reserve_ratio"])
	assert.True(t, book.Snapshot().Reserves.Equal(decimal.NewFromInt(1250)))
}

func TestMarketModifierClampsFee(t *testing.T) {
	book := newBook()
	opts := Options{
		BaseFeeBps:     decimal.NewFromInt(30),
		FeeSensitivity: decimal.NewFromInt(1000),
		MinFeeBps:      decimal.NewFromInt(5),
		MaxFeeBps:      decimal.NewFromInt(100),
	}
	h := NewHandlers(book, NewDryRunSubmitter(zerolog.Nop()), nil, opts, zerolog.Nop())

	details, err := h.Market.Apply(context.Background(), invocation(uuid.New(), stabilization.ActionMarketMechanismModification, "-0.05"))
	require.NoError(t, err)
	assert.Equal(t, "80", details["fee_bps"])

	details, err = h.Market.Apply(context.Background(), invocation(uuid.New(), stabilization.ActionMarketMechanismModification, "0.9"))
	require.NoError(t, err)
	assert.Equal(t, "100", details["fee_bps"])
	assert.True(t, book.Snapshot().FeeBps.Equal(decimal.NewFromInt(100)))
}

type failingSubmitter struct{ err error }

func (f failingSubmitter) Submit(context.Context, Instruction) (Receipt, error) {
	return Receipt{}, f.err
}

func TestSubmitErrorsKeepClassification(t *testing.T) {
	book := newBook()
	h := NewHandlers(book, failingSubmitter{err: ErrSubmissionRefused}, nil, Options{}, zerolog.Nop())

	_, err := h.Supply.Apply(context.Background(), invocation(uuid.New(), stabilization.ActionSupplyAdjustment, "0.1"))
	require.Error(t, err)
	assert.True(t, stabilization.IsSecurity(err))
	assert.True(t, book.Snapshot().Supply.Equal(decimal.NewFromInt(1000)), "no effect on failure")

	h = NewHandlers(book, failingSubmitter{err: stabilization.ErrTransient}, nil, Options{}, zerolog.Nop())
	_, err = h.Supply.Apply(context.Background(), invocation(uuid.New(), stabilization.ActionSupplyAdjustment, "0.1"))
	require.ErrorIs(t, err, stabilization.ErrTransient)
	assert.False(t, stabilization.IsSecurity(err))
}

func TestMemoryGuardForgetsFailures(t *testing.T) {
	g := NewMemoryGuard()
	calls := 0
	fail := func(context.Context) (Receipt, error) {
		calls++
		return Receipt{}, errors.New("boom")
	}
	ok := func(context.Context) (Receipt, error) {
		calls++
		return Receipt{TxHash: "0xabc"}, nil
	}

	_, err := g.Do(context.Background(), "k", fail)
	require.Error(t, err)
	rec, err := g.Do(context.Background(), "k", ok)
	require.NoError(t, err)
	assert.False(t, rec.Duplicate)
	rec, err = g.Do(context.Background(), "k", ok)
	require.NoError(t, err)
	assert.True(t, rec.Duplicate)
	assert.Equal(t, 2, calls)
}

func TestMemoryGuardLocksPerKey(t *testing.T) {
	g := NewMemoryGuard()
	started := make(chan struct{})
	release := make(chan struct{})
	slowDone := make(chan Receipt, 1)

	go func() {
		rec, err := g.Do(context.Background(), "pair-a:supply_adjustment", func(context.Context) (Receipt, error) {
			close(started)
			<-release
			return Receipt{TxHash: "0xa"}, nil
		})
		assert.NoError(t, err)
		slowDone <- rec
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	rec, err := g.Do(ctx, "pair-b:supply_adjustment", func(context.Context) (Receipt, error) {
		return Receipt{TxHash: "0xb"}, nil
	})
	require.NoError(t, err, "other keys must not wait for a slow submission")
	assert.Equal(t, "0xb", rec.TxHash)

	waitCtx, waitCancel := context.WithCancel(context.Background())
	waitCancel()
	_, err = g.Do(waitCtx, "pair-a:supply_adjustment", func(context.Context) (Receipt, error) {
		t.Fatal("must not submit while the key is in flight")
		return Receipt{}, nil
	})
	require.ErrorIs(t, err, ErrInFlight)

	replayed := make(chan Receipt, 1)
	go func() {
		rec, err := g.Do(context.Background(), "pair-a:supply_adjustment", func(context.Context) (Receipt, error) {
			t.Error("same key must replay, not resubmit")
			return Receipt{}, nil
		})
		assert.NoError(t, err)
		replayed <- rec
	}()

	close(release)
	first := <-slowDone
	assert.False(t, first.Duplicate)
	second := <-replayed
	assert.True(t, second.Duplicate)
	assert.Equal(t, "0xa", second.TxHash)
}

func TestMemoryGuardWaiterRetriesAfterFailure(t *testing.T) {
	g := NewMemoryGuard()
	started := make(chan struct{})
	release := make(chan struct{})

	go func() {
		_, err := g.Do(context.Background(), "k", func(context.Context) (Receipt, error) {
			close(started)
			<-release
			return Receipt{}, errors.New("rpc down")
		})
		assert.Error(t, err)
	}()
	<-started

	result := make(chan Receipt, 1)
	go func() {
		rec, err := g.Do(context.Background(), "k", func(context.Context) (Receipt, error) {
			return Receipt{TxHash: "0xretry"}, nil
		})
		assert.NoError(t, err)
		result <- rec
	}()

	close(release)
	rec := <-result
	assert.False(t, rec.Duplicate)
	assert.Equal(t, "0xretry", rec.TxHash)
}

func withoutReplayMarker(results []stabilization.ActionResult) []stabilization.ActionResult {
	out := stabilization.CloneResults(results)
	for i := range out {
		delete(out[i].Details, "duplicate")
	}
	return out
}

func TestExecutorReplayReturnsRecordedResults(t *testing.T) {
	cases := []struct {
		name  string
		guard func() Guard
	}{
		{"memory", func() Guard { return NewMemoryGuard() }},
		{"redis", func() Guard { return NewRedisGuard(newFakeRedis(), time.Hour, zerolog.Nop()) }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			book := newBook()
			sub := NewDryRunSubmitter(zerolog.Nop())
			exec := stabilization.NewExecutor(NewHandlers(book, sub, tc.guard(), Options{
				BaseFeeBps:     decimal.NewFromInt(30),
				FeeSensitivity: decimal.NewFromInt(100),
			}, zerolog.Nop()), zerolog.Nop())

			params, err := stabilization.NewParameters(decimal.NewFromInt(1), decimal.RequireFromString("0.01"), 0.5)
			require.NoError(t, err)
			proposal := stabilization.CorrectionProposal{
				Factor:      decimal.RequireFromString("-0.1"),
				BasisPrice:  decimal.RequireFromString("0.9"),
				TargetPrice: decimal.NewFromInt(1),
			}
			risk := stabilization.RiskAssessment{Score: 0.1}
			cycle := uuid.New()

			first := exec.Execute(context.Background(), cycle, proposal, risk, params)
			require.Len(t, first, 3)
			for _, r := range first {
				require.True(t, r.Succeeded(), r.Reason)
				assert.Empty(t, r.Details["duplicate"])
			}
			assert.Equal(t, "mint", first[0].Details["operation"])
			assert.Equal(t, "100", first[0].Details["amount"])
			assert.Equal(t, "deposit", first[1].Details["operation"])
			assert.Equal(t, "375", first[1].Details["amount"])
			assert.Equal(t, "40", first[2].Details["fee_bps"])

			second := exec.Execute(context.Background(), cycle, proposal, risk, params)
			require.Len(t, second, 3)
			for _, r := range second {
				assert.Equal(t, "true", r.Details["duplicate"], r.Action)
			}
			assert.Equal(t, withoutReplayMarker(first), withoutReplayMarker(second))

			assert.Len(t, sub.Submitted(), 3)
			state := book.Snapshot()
			assert.True(t, state.Supply.Equal(decimal.NewFromInt(1100)), state.Supply.String())
			assert.True(t, state.Reserves.Equal(decimal.NewFromInt(1375)), state.Reserves.String())
		})
	}
}

func TestReplayOfNoOpActionStaysNoOp(t *testing.T) {
	book := NewBook(BookState{Supply: decimal.NewFromInt(1000), Reserves: decimal.NewFromInt(1250)})
	h := NewHandlers(book, NewDryRunSubmitter(zerolog.Nop()), nil, Options{}, zerolog.Nop())
	cycle := uuid.New()

	first, err := h.Reserves.Apply(context.Background(), invocation(cycle, stabilization.ActionReserveRebalancing, "0"))
	require.NoError(t, err)
	assert.Equal(t, "none", first["operation"])

	// Another cycle moves the book; the replay must still report what this
	// cycle decided.
	_, err = h.Supply.Apply(context.Background(), invocation(uuid.New(), stabilization.ActionSupplyAdjustment, "-0.1"))
	require.NoError(t, err)

	second, err := h.Reserves.Apply(context.Background(), invocation(cycle, stabilization.ActionReserveRebalancing, "0"))
	require.NoError(t, err)
	assert.Equal(t, "none", second["operation"])
	assert.Equal(t, "1250", second["required_reserves"])
	assert.Equal(t, "true", second["duplicate"])
	assert.True(t, book.Snapshot().Reserves.Equal(decimal.NewFromInt(1250)))
}

// fakeRedis mimics the handful of redis commands the guard uses.
type fakeRedis struct {
	mu   sync.Mutex
	data map[string]string
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{data: make(map[string]string)}
}

func (f *fakeRedis) SetNX(_ context.Context, key string, value interface{}, _ time.Duration) *redis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	f.data[key] = toString(value)
	return redis.NewBoolResult(true, nil)
}

func (f *fakeRedis) Set(_ context.Context, key string, value interface{}, _ time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = toString(value)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Get(_ context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Del(_ context.Context, keys ...string) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, k := range keys {
		if _, ok := f.data[k]; ok {
			delete(f.data, k)
			n++
		}
	}
	return redis.NewIntResult(n, nil)
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}

func TestRedisGuardReplaysReceipt(t *testing.T) {
	store := newFakeRedis()
	g := NewRedisGuard(store, time.Hour, zerolog.Nop())
	calls := 0
	submit := func(context.Context) (Receipt, error) {
		calls++
		return Receipt{TxHash: "0xfeed", SubmittedAt: time.Unix(1, 0).UTC()}, nil
	}

	rec, err := g.Do(context.Background(), "c1:supply_adjustment", submit)
	require.NoError(t, err)
	assert.False(t, rec.Duplicate)

	rec, err = g.Do(context.Background(), "c1:supply_adjustment", submit)
	require.NoError(t, err)
	assert.True(t, rec.Duplicate)
	assert.Equal(t, "0xfeed", rec.TxHash)
	assert.Equal(t, 1, calls)
}

func TestRedisGuardInFlightAndRelease(t *testing.T) {
	store := newFakeRedis()
	store.data[redisKeyPrefix+"busy"] = pendingMarker
	g := NewRedisGuard(store, 0, zerolog.Nop())

	_, err := g.Do(context.Background(), "busy", func(context.Context) (Receipt, error) {
		t.Fatal("must not submit while another worker holds the key")
		return Receipt{}, nil
	})
	require.ErrorIs(t, err, ErrInFlight)
	require.ErrorIs(t, err, stabilization.ErrTransient)

	_, err = g.Do(context.Background(), "flaky", func(context.Context) (Receipt, error) {
		return Receipt{}, errors.New("rpc down")
	})
	require.Error(t, err)
	_, held := store.data[redisKeyPrefix+"flaky"]
	assert.False(t, held, "failed submission releases the key")
}

type fakeBackend struct {
	sent []*types.Transaction
	err  error
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(11155111), nil }
func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return uint64(len(f.sent)), nil
}
func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return big.NewInt(2), nil }
func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10)}, nil
}
func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 90000, nil
}
func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, tx)
	return nil
}

const testOperatorKey = "b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291"

func TestEthereumSubmitterSignsDynamicFeeTx(t *testing.T) {
	backend := &fakeBackend{}
	sub, err := NewEthereumSubmitter(EthereumOptions{
		ContractAddress: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
		PrivateKeyHex:   testOperatorKey,
	}, zerolog.Nop())
	require.NoError(t, err)
	sub.withBackend(backend)

	inst := Instruction{CycleID: uuid.New(), Action: stabilization.ActionSupplyAdjustment, Payload: map[string]string{"operation": "mint", "amount": "1"}}
	rec, err := sub.Submit(context.Background(), inst)
	require.NoError(t, err)
	require.Len(t, backend.sent, 1)

	tx := backend.sent[0]
	assert.Equal(t, tx.Hash().Hex(), rec.TxHash)
	assert.Equal(t, uint8(types.DynamicFeeTxType), tx.Type())
	assert.Equal(t, uint64(90000), tx.Gas())
	assert.Zero(t, tx.GasFeeCap().Cmp(big.NewInt(22)))

	sender, err := types.Sender(types.LatestSignerForChainID(big.NewInt(11155111)), tx)
	require.NoError(t, err)
	assert.Equal(t, sub.From(), sender)

	method, err := stabilizerABI.MethodById(tx.Data()[:4])
	require.NoError(t, err)
	assert.Equal(t, "execute", method.Name)
}

func TestEthereumSubmitterClassifiesErrors(t *testing.T) {
	sub, err := NewEthereumSubmitter(EthereumOptions{
		ContractAddress: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
		PrivateKeyHex:   testOperatorKey,
	}, zerolog.Nop())
	require.NoError(t, err)

	sub.withBackend(&fakeBackend{err: errors.New("insufficient funds for gas * price + value")})
	_, err = sub.Submit(context.Background(), Instruction{CycleID: uuid.New(), Action: stabilization.ActionSupplyAdjustment})
	assert.True(t, stabilization.IsSecurity(err))

	sub.withBackend(&fakeBackend{err: errors.New("connection reset by peer")})
	_, err = sub.Submit(context.Background(), Instruction{CycleID: uuid.New(), Action: stabilization.ActionSupplyAdjustment})
	require.ErrorIs(t, err, stabilization.ErrTransient)
	assert.False(t, stabilization.IsSecurity(err))
}

type countingBackend struct {
	fakeBackend
	mu sync.Mutex
}

func (c *countingBackend) PendingNonceAt(ctx context.Context, a common.Address) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	time.Sleep(time.Millisecond)
	return c.fakeBackend.PendingNonceAt(ctx, a)
}

func (c *countingBackend) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fakeBackend.SendTransaction(ctx, tx)
}

func TestEthereumSubmitterSerialisesNonces(t *testing.T) {
	backend := &countingBackend{}
	sub, err := NewEthereumSubmitter(EthereumOptions{
		ContractAddress: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419",
		PrivateKeyHex:   testOperatorKey,
	}, zerolog.Nop())
	require.NoError(t, err)
	sub.withBackend(backend)

	const n = 8
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := sub.Submit(context.Background(), Instruction{CycleID: uuid.New(), Action: stabilization.ActionSupplyAdjustment})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	require.Len(t, backend.sent, n)
	seen := make(map[uint64]bool, n)
	for _, tx := range backend.sent {
		assert.False(t, seen[tx.Nonce()], "nonce %d reused", tx.Nonce())
		seen[tx.Nonce()] = true
	}
}

func TestNewEthereumSubmitterValidates(t *testing.T) {
	_, err := NewEthereumSubmitter(EthereumOptions{ContractAddress: "nope", PrivateKeyHex: testOperatorKey}, zerolog.Nop())
	require.Error(t, err)
	_, err = NewEthereumSubmitter(EthereumOptions{ContractAddress: "0x5f4eC3Df9cbd43714FE2740f5E3616155c5b8419", PrivateKeyHex: "zz"}, zerolog.Nop())
	require.Error(t, err)
}
