package engine

import (
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"SynthVault/internal/event"
	"SynthVault/internal/oracle"
	"SynthVault/internal/risk"
	"SynthVault/internal/token"
)

func units(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), risk.Scale)
}

// fraction returns n/d of one whole unit.
func fraction(n, d int64) *big.Int {
	v := new(big.Int).Mul(big.NewInt(n), risk.Scale)
	return v.Div(v, big.NewInt(d))
}

type harness struct {
	eng     *Engine
	adapter *oracle.Adapter
	feed    *oracle.Feed
	debt    *token.Ledger
	weth    *token.Ledger
	persist chan event.Envelope
	publish chan event.Envelope
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	feed := oracle.NewFeed()
	adapter, err := oracle.NewAdapter([]string{"WETH"}, []oracle.PriceSource{feed})
	if err != nil {
		t.Fatalf("NewAdapter: %v", err)
	}
	feed.Update(units(2000), time.Now(), 1, 1)

	debt := token.NewLedger("sUSD")
	weth := token.NewLedger("WETH")

	persist := make(chan event.Envelope, 256)
	publish := make(chan event.Envelope, 256)

	eng := New(
		adapter,
		debt,
		map[string]token.AssetLedger{"WETH": weth},
		persist,
		publish,
		nil,
		zerolog.Nop(),
	)

	return &harness{
		eng:     eng,
		adapter: adapter,
		feed:    feed,
		debt:    debt,
		weth:    weth,
		persist: persist,
		publish: publish,
	}
}

// fund gives the user external WETH to deposit from.
func (h *harness) fund(t *testing.T, user uuid.UUID, amount *big.Int) {
	t.Helper()
	if err := h.weth.Mint(user, amount); err != nil {
		t.Fatalf("fund: %v", err)
	}
}

// setPrice moves the feed to a new fresh observation.
func (h *harness) setPrice(price *big.Int) {
	h.feed.Update(price, time.Now(), 1, 1)
}

// drainEvents empties the persist channel.
func (h *harness) drainEvents() []event.Envelope {
	var out []event.Envelope
	for {
		select {
		case env := <-h.persist:
			out = append(out, env)
		default:
			return out
		}
	}
}

func TestDepositCollateral(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(5))

	if err := h.eng.DepositCollateral(user, "WETH", units(2)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	bal, err := h.eng.CollateralBalance(user, "WETH")
	if err != nil {
		t.Fatalf("CollateralBalance: %v", err)
	}
	if bal.Cmp(units(2)) != 0 {
		t.Fatalf("recorded collateral = %s, want %s", bal, units(2))
	}
	if got := h.weth.BalanceOf(h.eng.ID()); got.Cmp(units(2)) != 0 {
		t.Fatalf("vault holds %s WETH, want %s", got, units(2))
	}
	if got := h.weth.BalanceOf(user); got.Cmp(units(3)) != 0 {
		t.Fatalf("user retains %s WETH, want %s", got, units(3))
	}

	events := h.drainEvents()
	if len(events) != 1 || events[0].Type != event.TypeCollateralDeposited {
		t.Fatalf("events = %+v, want one CollateralDeposited", events)
	}
}

func TestDepositValidation(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()

	if err := h.eng.DepositCollateral(user, "WETH", big.NewInt(0)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("zero amount: err = %v, want ErrInvalidAmount", err)
	}
	if err := h.eng.DepositCollateral(user, "WETH", big.NewInt(-1)); !errors.Is(err, ErrInvalidAmount) {
		t.Errorf("negative amount: err = %v, want ErrInvalidAmount", err)
	}
	if err := h.eng.DepositCollateral(user, "DOGE", units(1)); !errors.Is(err, ErrUnsupportedAsset) {
		t.Errorf("unknown asset: err = %v, want ErrUnsupportedAsset", err)
	}
	if len(h.drainEvents()) != 0 {
		t.Error("rejected operations must not emit events")
	}
}

func TestDepositUnwindsOnTransferFailure(t *testing.T) {
	h := newHarness(t)
	user := uuid.New() // no external WETH

	err := h.eng.DepositCollateral(user, "WETH", units(1))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("err = %v, want ErrTransferFailed", err)
	}

	bal, _ := h.eng.CollateralBalance(user, "WETH")
	if bal.Sign() != 0 {
		t.Fatalf("recorded collateral = %s after failed deposit, want 0", bal)
	}
}

func TestMintAtExactBoundary(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(1))

	// 1 WETH at 2000 supports exactly 1000 of debt at the 50%
	// threshold.
	if err := h.eng.DepositCollateral(user, "WETH", units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.eng.MintDebt(user, units(1000)); err != nil {
		t.Fatalf("mint at boundary: %v", err)
	}

	ratio, err := h.eng.HealthFactor(user)
	if err != nil {
		t.Fatalf("HealthFactor: %v", err)
	}
	if ratio.Cmp(risk.MinHealthFactor) != 0 {
		t.Fatalf("ratio = %s, want exactly %s", ratio, risk.MinHealthFactor)
	}
	if got := h.debt.BalanceOf(user); got.Cmp(units(1000)) != 0 {
		t.Fatalf("user holds %s sUSD, want %s", got, units(1000))
	}
}

func TestMintOneUnitPastBoundary(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(1))

	if err := h.eng.DepositCollateral(user, "WETH", units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.eng.MintDebt(user, units(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// One more base unit tips the account below the minimum.
	var hf *HealthFactorError
	err := h.eng.MintDebt(user, big.NewInt(1))
	if !errors.As(err, &hf) {
		t.Fatalf("err = %v, want HealthFactorError", err)
	}
	if hf.Ratio.Cmp(risk.MinHealthFactor) >= 0 {
		t.Fatalf("reported ratio = %s, want below minimum", hf.Ratio)
	}

	// The failed mint must leave no trace.
	if got := h.eng.DebtMinted(user); got.Cmp(units(1000)) != 0 {
		t.Fatalf("debt = %s after rejected mint, want %s", got, units(1000))
	}
	if got := h.debt.BalanceOf(user); got.Cmp(units(1000)) != 0 {
		t.Fatalf("token balance = %s after rejected mint, want %s", got, units(1000))
	}
}

func TestMintWithoutCollateral(t *testing.T) {
	h := newHarness(t)

	var hf *HealthFactorError
	if err := h.eng.MintDebt(uuid.New(), units(1)); !errors.As(err, &hf) {
		t.Fatalf("err = %v, want HealthFactorError", err)
	}
}

func TestRedeemKeepsSolvency(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(1))

	if err := h.eng.DepositCollateral(user, "WETH", units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.eng.MintDebt(user, units(500)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	// Redeeming half leaves the ratio at exactly 1.0.
	if err := h.eng.RedeemCollateral(user, "WETH", fraction(1, 2)); err != nil {
		t.Fatalf("redeem to boundary: %v", err)
	}

	// Any further redemption breaks the ratio and must roll back.
	var hf *HealthFactorError
	if err := h.eng.RedeemCollateral(user, "WETH", big.NewInt(1)); !errors.As(err, &hf) {
		t.Fatalf("err = %v, want HealthFactorError", err)
	}

	bal, _ := h.eng.CollateralBalance(user, "WETH")
	if bal.Cmp(fraction(1, 2)) != 0 {
		t.Fatalf("collateral = %s after rejected redeem, want %s", bal, fraction(1, 2))
	}
	if got := h.weth.BalanceOf(user); got.Cmp(fraction(1, 2)) != 0 {
		t.Fatalf("user WETH = %s, want %s", got, fraction(1, 2))
	}
}

func TestRedeemAllWithNoDebt(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(3))

	if err := h.eng.DepositCollateral(user, "WETH", units(3)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.eng.RedeemCollateral(user, "WETH", units(3)); err != nil {
		t.Fatalf("redeem: %v", err)
	}

	if got := h.weth.BalanceOf(user); got.Cmp(units(3)) != 0 {
		t.Fatalf("user WETH = %s, want %s", got, units(3))
	}
}

func TestRedeemMoreThanDeposited(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(1))

	if err := h.eng.DepositCollateral(user, "WETH", units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.eng.RedeemCollateral(user, "WETH", units(2)); !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("err = %v, want ErrInvalidAmount", err)
	}
}

func TestBurnDebt(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(1))

	if err := h.eng.DepositCollateral(user, "WETH", units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.eng.MintDebt(user, units(1000)); err != nil {
		t.Fatalf("mint: %v", err)
	}

	if err := h.eng.BurnDebt(user, units(400)); err != nil {
		t.Fatalf("burn: %v", err)
	}
	if got := h.eng.DebtMinted(user); got.Cmp(units(600)) != 0 {
		t.Fatalf("debt = %s, want %s", got, units(600))
	}
	if got := h.debt.BalanceOf(user); got.Cmp(units(600)) != 0 {
		t.Fatalf("token balance = %s, want %s", got, units(600))
	}

	if err := h.eng.BurnDebt(user, units(601)); !errors.Is(err, ErrBurnExceedsDebt) {
		t.Fatalf("err = %v, want ErrBurnExceedsDebt", err)
	}
}

func TestBurnMustRestoreSolvency(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(1))

	if err := h.eng.DepositAndMint(user, "WETH", units(1), units(1000)); err != nil {
		t.Fatalf("DepositAndMint: %v", err)
	}

	// Price drop to 1000 leaves the ratio at 0.5. Burning 400 lifts it
	// only to 500/600, still under water, and must unwind.
	h.setPrice(units(1000))

	var hf *HealthFactorError
	if err := h.eng.BurnDebt(user, units(400)); !errors.As(err, &hf) {
		t.Fatalf("err = %v, want HealthFactorError", err)
	}
	if got := h.eng.DebtMinted(user); got.Cmp(units(1000)) != 0 {
		t.Fatalf("debt = %s after rejected burn, want %s", got, units(1000))
	}
	if got := h.debt.BalanceOf(user); got.Cmp(units(1000)) != 0 {
		t.Fatalf("token balance = %s after rejected burn, want %s", got, units(1000))
	}

	// Burning 600 reaches 500/400 and goes through.
	if err := h.eng.BurnDebt(user, units(600)); err != nil {
		t.Fatalf("restoring burn: %v", err)
	}
	if got := h.eng.DebtMinted(user); got.Cmp(units(400)) != 0 {
		t.Fatalf("debt = %s, want %s", got, units(400))
	}
}

func TestDepositAndMintAtomic(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(1))

	// The mint leg is over the limit, so the whole composite unwinds.
	err := h.eng.DepositAndMint(user, "WETH", units(1), units(1001))
	var hf *HealthFactorError
	if !errors.As(err, &hf) {
		t.Fatalf("err = %v, want HealthFactorError", err)
	}

	bal, _ := h.eng.CollateralBalance(user, "WETH")
	if bal.Sign() != 0 {
		t.Fatalf("collateral = %s after failed composite, want 0", bal)
	}
	if got := h.weth.BalanceOf(user); got.Cmp(units(1)) != 0 {
		t.Fatalf("user WETH = %s after failed composite, want %s", got, units(1))
	}
	if got := h.eng.DebtMinted(user); got.Sign() != 0 {
		t.Fatalf("debt = %s after failed composite, want 0", got)
	}
}

func TestDepositAndMintSuccess(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(1))

	if err := h.eng.DepositAndMint(user, "WETH", units(1), units(800)); err != nil {
		t.Fatalf("DepositAndMint: %v", err)
	}

	view, err := h.eng.Account(user)
	if err != nil {
		t.Fatalf("Account: %v", err)
	}
	if view.DebtMinted.Cmp(units(800)) != 0 {
		t.Fatalf("debt = %s, want %s", view.DebtMinted, units(800))
	}
	if view.CollateralValue.Cmp(units(2000)) != 0 {
		t.Fatalf("collateral value = %s, want %s", view.CollateralValue, units(2000))
	}
}

func TestRedeemForDebt(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(1))

	if err := h.eng.DepositAndMint(user, "WETH", units(1), units(1000)); err != nil {
		t.Fatalf("DepositAndMint: %v", err)
	}

	// Burn 500 and withdraw 0.4 WETH: 0.6 WETH at 2000 against 500 of
	// debt leaves the ratio at 1.2.
	if err := h.eng.RedeemForDebt(user, "WETH", fraction(2, 5), units(500)); err != nil {
		t.Fatalf("RedeemForDebt: %v", err)
	}

	if got := h.eng.DebtMinted(user); got.Cmp(units(500)) != 0 {
		t.Fatalf("debt = %s, want %s", got, units(500))
	}
	bal, _ := h.eng.CollateralBalance(user, "WETH")
	if bal.Cmp(fraction(3, 5)) != 0 {
		t.Fatalf("collateral = %s, want %s", bal, fraction(3, 5))
	}
}

func TestRedeemForDebtUnwindsBurnOnRedeemFailure(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(1))

	if err := h.eng.DepositAndMint(user, "WETH", units(1), units(1000)); err != nil {
		t.Fatalf("DepositAndMint: %v", err)
	}
	h.drainEvents()

	// Burning 100 leaves 900 of debt; withdrawing 0.2 WETH would drop
	// the ratio below minimum, so the burn must be reissued.
	err := h.eng.RedeemForDebt(user, "WETH", fraction(1, 5), units(100))
	var hf *HealthFactorError
	if !errors.As(err, &hf) {
		t.Fatalf("err = %v, want HealthFactorError", err)
	}

	if got := h.eng.DebtMinted(user); got.Cmp(units(1000)) != 0 {
		t.Fatalf("debt = %s after failed composite, want %s", got, units(1000))
	}
	if got := h.debt.BalanceOf(user); got.Cmp(units(1000)) != 0 {
		t.Fatalf("token balance = %s after failed composite, want %s", got, units(1000))
	}
	bal, _ := h.eng.CollateralBalance(user, "WETH")
	if bal.Cmp(units(1)) != 0 {
		t.Fatalf("collateral = %s after failed composite, want %s", bal, units(1))
	}

	// The burn reached the log before the redeem failed, so the log
	// must also carry the reissue. Replaying both yields the engine's
	// debt.
	events := h.drainEvents()
	if len(events) != 2 {
		t.Fatalf("got %d events after failed composite, want burn and reissue", len(events))
	}
	if events[0].Type != event.TypeDebtBurned || events[1].Type != event.TypeDebtMinted {
		t.Fatalf("event types = %s, %s, want DebtBurned, DebtMinted", events[0].Type, events[1].Type)
	}
	if events[0].Amount != units(100).String() || events[1].Amount != units(100).String() {
		t.Fatalf("event amounts = %s, %s, want both %s", events[0].Amount, events[1].Amount, units(100))
	}
}

func TestStalePriceBlocksMintNotDeposit(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(1))

	// Age the only observation past the staleness timeout.
	now := time.Now()
	h.feed.Update(units(2000), now.Add(-4*time.Hour), 1, 1)

	// Deposits touch no prices and still go through.
	if err := h.eng.DepositCollateral(user, "WETH", units(1)); err != nil {
		t.Fatalf("deposit under stale feed: %v", err)
	}

	var stale *oracle.StalePriceError
	if err := h.eng.MintDebt(user, units(1)); !errors.As(err, &stale) {
		t.Fatalf("err = %v, want StalePriceError", err)
	}
	if got := h.eng.DebtMinted(user); got.Sign() != 0 {
		t.Fatalf("debt = %s after rejected mint, want 0", got)
	}
}

func TestEventSequenceAndTypes(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(1))

	if err := h.eng.DepositCollateral(user, "WETH", units(1)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	if err := h.eng.MintDebt(user, units(100)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if err := h.eng.BurnDebt(user, units(100)); err != nil {
		t.Fatalf("burn: %v", err)
	}

	events := h.drainEvents()
	wantTypes := []event.Type{
		event.TypeCollateralDeposited,
		event.TypeDebtMinted,
		event.TypeDebtBurned,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("got %d events, want %d", len(events), len(wantTypes))
	}
	for i, env := range events {
		if env.Sequence != int64(i) {
			t.Errorf("event %d: sequence = %d, want %d", i, env.Sequence, i)
		}
		if env.Type != wantTypes[i] {
			t.Errorf("event %d: type = %s, want %s", i, env.Type, wantTypes[i])
		}
		if env.User != user {
			t.Errorf("event %d: user = %s, want %s", i, env.User, user)
		}
		if env.OpID == uuid.Nil {
			t.Errorf("event %d: missing op id", i)
		}
	}
}

func TestReentrancyGuard(t *testing.T) {
	h := newHarness(t)
	user := uuid.New()
	h.fund(t, user, units(1))

	h.eng.busy.Store(true)
	defer h.eng.busy.Store(false)

	if err := h.eng.DepositCollateral(user, "WETH", units(1)); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("err = %v, want ErrReentrantCall", err)
	}
	if err := h.eng.MintDebt(user, units(1)); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("err = %v, want ErrReentrantCall", err)
	}
	if err := h.eng.Liquidate(uuid.New(), user, "WETH", units(1)); !errors.Is(err, ErrReentrantCall) {
		t.Fatalf("err = %v, want ErrReentrantCall", err)
	}
}

func TestViewsAgainstLivePrices(t *testing.T) {
	h := newHarness(t)

	value, err := h.eng.Value("WETH", fraction(1, 2))
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	if value.Cmp(units(1000)) != 0 {
		t.Fatalf("value = %s, want %s", value, units(1000))
	}

	amount, err := h.eng.TokenAmount("WETH", units(1000))
	if err != nil {
		t.Fatalf("TokenAmount: %v", err)
	}
	if amount.Cmp(fraction(1, 2)) != 0 {
		t.Fatalf("amount = %s, want %s", amount, fraction(1, 2))
	}

	assets := h.eng.Assets()
	if len(assets) != 1 || assets[0] != "WETH" {
		t.Fatalf("assets = %v, want [WETH]", assets)
	}
	if _, ok := h.eng.PriceSourceFor("WETH"); !ok {
		t.Fatal("PriceSourceFor(WETH) not found")
	}
}
