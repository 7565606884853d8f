package taker

import (
	"errors"
	"testing"
	"time"

	"github.com/klingon-exchange/coinswap/internal/config"
	"github.com/klingon-exchange/coinswap/internal/protocol"
)

func offer(peer string, feeBase, feePPM uint64) protocol.MakerOffer {
	return protocol.MakerOffer{
		PeerID:           peer,
		FeeBase:          feeBase,
		FeePPM:           feePPM,
		MinAmount:        100_000,
		MaxAmount:        10_000_000,
		MinLockTime:      10,
		MinLockTimeDelta: 10,
		Timestamp:        time.Now().Unix(),
	}
}

func TestBuildPlanSchedule(t *testing.T) {
	cfg := config.DefaultConfig().Taker
	offers := []protocol.MakerOffer{
		offer("maker-c", 2_000, 1_000),
		offer("maker-a", 1_000, 1_000),
		offer("maker-b", 1_000, 1_000),
	}

	p, err := BuildPlan(cfg, offers, 500_000, 2, time.Now())
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}

	// Equal fees are broken by peer id.
	if p.Makers[0].PeerID != "maker-a" || p.Makers[1].PeerID != "maker-b" {
		t.Errorf("makers = %s, %s", p.Makers[0].PeerID, p.Makers[1].PeerID)
	}
	wantAmounts := []uint64{500_000, 498_500, 497_002}
	for i, want := range wantAmounts {
		if p.Amounts[i] != want {
			t.Errorf("amount[%d] = %d, want %d", i, p.Amounts[i], want)
		}
	}
	for i := 0; i < len(p.Fees); i++ {
		if p.Amounts[i]-p.Fees[i] != p.Amounts[i+1] {
			t.Errorf("hop %d: %d - %d != %d", i, p.Amounts[i], p.Fees[i], p.Amounts[i+1])
		}
	}
	if p.Received() != 500_000-p.TotalFees() {
		t.Errorf("received %d, fees %d", p.Received(), p.TotalFees())
	}

	wantLocks := []uint32{60, 40, 20}
	for i, want := range wantLocks {
		if p.LockTimes[i] != want {
			t.Errorf("locktime[%d] = %d, want %d", i, p.LockTimes[i], want)
		}
	}

	hops := p.hops()
	if hops[0].Sender != "" || hops[0].Receiver != "maker-a" {
		t.Errorf("hop 0 = %s -> %s", hops[0].Sender, hops[0].Receiver)
	}
	if hops[1].Sender != "maker-a" || hops[1].Receiver != "maker-b" {
		t.Errorf("hop 1 = %s -> %s", hops[1].Sender, hops[1].Receiver)
	}
	if hops[2].Sender != "maker-b" || hops[2].Receiver != "" {
		t.Errorf("hop 2 = %s -> %s", hops[2].Sender, hops[2].Receiver)
	}
}

func TestBuildPlanRejects(t *testing.T) {
	cfg := config.DefaultConfig().Taker
	stale := offer("maker-stale", 1, 0)
	stale.Timestamp = time.Now().Add(-2 * time.Hour).Unix()
	slow := offer("maker-slow", 1, 0)
	slow.MinLockTime = 50
	picky := offer("maker-picky", 1, 0)
	picky.MinLockTimeDelta = 30
	greedy := offer("maker-greedy", 480_000, 0)

	tests := []struct {
		name      string
		offers    []protocol.MakerOffer
		amount    uint64
		numMakers int
		wantErr   error
	}{
		{"no makers", nil, 500_000, 1, ErrNoMakers},
		{"too few makers", []protocol.MakerOffer{offer("maker-a", 1, 0)}, 500_000, 2, ErrNoMakers},
		{"stale offer", []protocol.MakerOffer{stale}, 500_000, 1, ErrNoMakers},
		{"amount below minimum", []protocol.MakerOffer{offer("maker-a", 1, 0)}, 50_000, 1, ErrNoMakers},
		{"locktime below minimum", []protocol.MakerOffer{slow}, 500_000, 1, ErrNoMakers},
		{"locktime step below delta", []protocol.MakerOffer{picky}, 500_000, 1, ErrNoMakers},
		{"fees exhaust amount", []protocol.MakerOffer{greedy}, 481_000, 1, protocol.ErrInsufficientFunds},
		{"amount below contract fee", []protocol.MakerOffer{offer("maker-a", 1, 0)}, 1_000, 1, protocol.ErrInsufficientFunds},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := BuildPlan(cfg, tc.offers, tc.amount, tc.numMakers, time.Now())
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("error = %v, want %v", err, tc.wantErr)
			}
		})
	}

	schedules := []struct {
		name string
		base uint32
		step uint32
	}{
		{"zero step", 20, 0},
		{"zero base", 0, 20},
		{"step overflows", 20, 1 << 31},
		{"first hop beyond csv range", 20, 40_000},
	}
	for _, tc := range schedules {
		t.Run(tc.name, func(t *testing.T) {
			bad := cfg
			bad.LockTimeBase, bad.LockTimeStep = tc.base, tc.step
			offers := []protocol.MakerOffer{offer("maker-a", 1, 0), offer("maker-b", 1, 0)}
			for i := range offers {
				offers[i].MinLockTime, offers[i].MinLockTimeDelta = 0, 0
			}
			p, err := BuildPlan(bad, offers, 500_000, 2, time.Now())
			if !errors.Is(err, ErrBadSchedule) {
				t.Errorf("BuildPlan() = %+v, %v; want ErrBadSchedule", p, err)
			}
		})
	}

	if _, err := BuildPlan(cfg, []protocol.MakerOffer{offer("maker-a", 1, 0)}, 500_000, 0, time.Now()); err == nil {
		t.Error("zero makers accepted")
	}
}

func TestBuildPlanCheapestFirst(t *testing.T) {
	cfg := config.DefaultConfig().Taker
	offers := []protocol.MakerOffer{
		offer("maker-a", 5_000, 0),
		offer("maker-b", 1_000, 0),
		offer("maker-c", 3_000, 0),
	}
	p, err := BuildPlan(cfg, offers, 1_000_000, 3, time.Now())
	if err != nil {
		t.Fatalf("BuildPlan() error = %v", err)
	}
	got := []string{p.Makers[0].PeerID, p.Makers[1].PeerID, p.Makers[2].PeerID}
	want := []string{"maker-b", "maker-c", "maker-a"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("makers = %v, want %v", got, want)
		}
	}
	if p.TotalFees() != 9_000 {
		t.Errorf("fees = %d, want 9000", p.TotalFees())
	}
	for i := 1; i < len(p.LockTimes); i++ {
		if p.LockTimes[i] >= p.LockTimes[i-1] {
			t.Errorf("locktime of hop %d (%d) not below hop %d (%d)", i, p.LockTimes[i], i-1, p.LockTimes[i-1])
		}
	}
}
