package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestErrorCodeRoundTrip(t *testing.T) {
	sentinels := []error{
		ErrNetwork,
		ErrProtocolViolation,
		ErrInsufficientFunds,
		ErrBroadcastFailure,
		ErrTimelockNotYetMatured,
		ErrWallet,
	}
	for _, s := range sentinels {
		wrapped := fmt.Errorf("hop 1: %w", s)
		code := ErrorCode(wrapped)
		back := RemoteError("peer", code, wrapped.Error())
		if !errors.Is(back, s) {
			t.Errorf("%v: code %s rebuilt as %v", s, code, back)
		}
	}

	if got := ErrorCode(errors.New("boom")); got != CodeInternal {
		t.Errorf("unknown error code = %s, want %s", got, CodeInternal)
	}
	if !errors.Is(RemoteError("peer", "weird", "x"), ErrProtocolViolation) {
		t.Error("unknown remote code should map to protocol violation")
	}
}

func TestMessageValidate(t *testing.T) {
	tests := []struct {
		name    string
		msg     Message
		wantErr bool
	}{
		{"ok", Message{Type: MsgNegotiateHop, SessionID: "s"}, false},
		{"unknown type", Message{Type: "hello", SessionID: "s"}, true},
		{"no session", Message{Type: MsgAbort}, true},
		{"negative hop", Message{Type: MsgAbort, SessionID: "s", HopIndex: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.msg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	m := NewMessage(MsgPrivKeyHandover, "session", 2)
	m.PrivKey = []byte{1, 2, 3}
	m.Hash = make([]byte, 32)

	data, err := Encode(m)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if got.MessageID != m.MessageID || got.HopIndex != 2 || len(got.PrivKey) != 3 {
		t.Errorf("decoded %+v", got)
	}

	if _, err := Decode([]byte(`{"type":"nope","session_id":"s"}`)); err == nil {
		t.Error("Decode accepted unknown type")
	}
}

func TestRetryPolicyBackoff(t *testing.T) {
	p := RetryPolicy{BaseBackoff: time.Second, MaxBackoff: 5 * time.Second}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("Backoff(%d) = %v, want %v", i+1, got, w)
		}
	}
}

func TestRetryPolicyDo(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3, BaseBackoff: time.Millisecond}

	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return fmt.Errorf("%w: flaky", ErrNetwork)
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Errorf("transient errors: err=%v calls=%d", err, calls)
	}

	calls = 0
	err = p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return Violation("bad script")
	})
	if !errors.Is(err, ErrProtocolViolation) || calls != 1 {
		t.Errorf("violation should not be retried: err=%v calls=%d", err, calls)
	}

	calls = 0
	err = p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return fmt.Errorf("%w: down", ErrNetwork)
	})
	if !errors.Is(err, ErrNetwork) || calls != 3 {
		t.Errorf("exhausted retries: err=%v calls=%d", err, calls)
	}
}

func TestLocalNetwork(t *testing.T) {
	net := NewLocalNetwork()
	net.Register("maker-a", HandlerFunc(func(ctx context.Context, from string, msg *Message) (*Message, error) {
		if msg.Type == MsgAbort {
			return nil, Violation("refusing")
		}
		r := msg.Reply()
		r.Amount = msg.Amount + 1
		return r, nil
	}))
	net.Announce(MakerOffer{PeerID: "maker-b", FeeBase: 10})
	net.Announce(MakerOffer{PeerID: "maker-a", FeeBase: 5})

	ctx := context.Background()
	req := NewMessage(MsgNegotiateHop, "s", 0)
	req.Amount = 41
	reply, err := RequestWithRetry(ctx, net, DefaultRetryPolicy(), "maker-a", req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if reply.Amount != 42 {
		t.Errorf("reply amount = %d", reply.Amount)
	}

	_, err = RequestWithRetry(ctx, net, DefaultRetryPolicy(), "maker-a", NewMessage(MsgAbort, "s", 0))
	if !errors.Is(err, ErrProtocolViolation) {
		t.Errorf("error ack = %v, want protocol violation", err)
	}

	offers, _ := net.ListMakers(ctx)
	if len(offers) != 2 || offers[0].PeerID != "maker-a" {
		t.Errorf("offers = %+v", offers)
	}

	net.SetOffline("maker-a", true)
	p := RetryPolicy{Timeout: 10 * time.Millisecond, MaxAttempts: 2, BaseBackoff: time.Millisecond}
	_, err = RequestWithRetry(ctx, net, p, "maker-a", req)
	if !errors.Is(err, ErrNetwork) {
		t.Errorf("offline peer error = %v, want network error", err)
	}
}

func TestMakerOfferFee(t *testing.T) {
	o := MakerOffer{FeeBase: 1000, FeePPM: 2000, MinAmount: 10_000, MaxAmount: 1_000_000}
	if got := o.Fee(500_000); got != 2000 {
		t.Errorf("Fee = %d, want 2000", got)
	}
	if o.Accepts(5_000) || !o.Accepts(500_000) || o.Accepts(2_000_000) {
		t.Error("Accepts bounds wrong")
	}
}
