package swapcoin

import (
	"bytes"
	"errors"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/klingon-exchange/coinswap/internal/contract"
	"github.com/klingon-exchange/coinswap/internal/protocol"
)

type hopPair struct {
	out, in  *SwapCoin
	preimage []byte
	sender   *btcec.PrivateKey
	receiver *btcec.PrivateKey
}

func newHopPair(t *testing.T) hopPair {
	t.Helper()
	sender, _ := btcec.NewPrivateKey()
	receiver, _ := btcec.NewPrivateKey()
	preimage, hash, err := contract.NewPreimage()
	if err != nil {
		t.Fatal(err)
	}

	base := Params{SessionID: "s", HopIndex: 0, Hash: hash, LockTime: 10, Amount: 100_000, ContractFee: 500}

	p := base
	p.PrivKey = sender
	p.OtherPubKey = receiver.PubKey().SerializeCompressed()
	out, err := NewOutgoing(p)
	if err != nil {
		t.Fatalf("NewOutgoing: %v", err)
	}

	p = base
	p.PrivKey = receiver
	p.OtherPubKey = sender.PubKey().SerializeCompressed()
	in, err := NewIncoming(p)
	if err != nil {
		t.Fatalf("NewIncoming: %v", err)
	}
	return hopPair{out: out, in: in, preimage: preimage, sender: sender, receiver: receiver}
}

func fund(t *testing.T, hp hopPair) wire.OutPoint {
	t.Helper()
	op := wire.OutPoint{Hash: chainhash.Hash{9}, Index: 1}
	if err := hp.out.SetFunding(op); err != nil {
		t.Fatal(err)
	}
	if err := hp.in.SetFunding(op); err != nil {
		t.Fatal(err)
	}
	return op
}

func TestBothSidesDeriveSameScripts(t *testing.T) {
	hp := newHopPair(t)

	if !bytes.Equal(hp.out.MultisigScript, hp.in.MultisigScript) {
		t.Error("multisig scripts differ")
	}
	if !bytes.Equal(hp.out.ContractScript, hp.in.ContractScript) {
		t.Error("contract scripts differ")
	}
	cs, err := contract.ParseRedeemScript(hp.out.ContractScript)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(cs.HashlockPubKey, hp.receiver.PubKey().SerializeCompressed()) {
		t.Error("hashlock key is not the receiver's")
	}
	if !bytes.Equal(cs.TimelockPubKey, hp.sender.PubKey().SerializeCompressed()) {
		t.Error("timelock key is not the sender's")
	}

	fund(t, hp)
	a, _ := hp.out.ContractTx()
	b, _ := hp.in.ContractTx()
	if a.TxHash() != b.TxHash() {
		t.Error("contract transactions differ")
	}
}

func TestNewRejectsBadParams(t *testing.T) {
	priv, _ := btcec.NewPrivateKey()
	other, _ := btcec.NewPrivateKey()
	_, hash, _ := contract.NewPreimage()
	good := Params{SessionID: "s", PrivKey: priv, OtherPubKey: other.PubKey().SerializeCompressed(),
		Hash: hash, LockTime: 10, Amount: 10_000, ContractFee: 100}

	tests := []struct {
		name   string
		mutate func(p *Params)
	}{
		{"bad pubkey", func(p *Params) { p.OtherPubKey = []byte{2, 3} }},
		{"own pubkey", func(p *Params) { p.OtherPubKey = priv.PubKey().SerializeCompressed() }},
		{"short hash", func(p *Params) { p.Hash = hash[:8] }},
		{"zero locktime", func(p *Params) { p.LockTime = 0 }},
		{"fee exceeds amount", func(p *Params) { p.ContractFee = p.Amount }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := good
			tt.mutate(&p)
			if _, err := NewOutgoing(p); !errors.Is(err, protocol.ErrProtocolViolation) {
				t.Errorf("NewOutgoing() error = %v, want protocol violation", err)
			}
		})
	}

	p := good
	p.PrivKey = nil
	if _, err := NewIncoming(p); !errors.Is(err, protocol.ErrWallet) {
		t.Errorf("missing key error = %v, want wallet error", err)
	}
}

func TestSignVerify(t *testing.T) {
	hp := newHopPair(t)
	if _, err := hp.in.Sign(); err == nil {
		t.Error("signed without a funding outpoint")
	}
	fund(t, hp)

	sig, err := hp.in.Sign()
	if err != nil {
		t.Fatal(err)
	}
	if !hp.out.Verify(sig) {
		t.Error("receiver signature rejected by sender")
	}
	if hp.in.Verify(sig) {
		t.Error("receiver accepted its own signature as the counterparty's")
	}
	if err := hp.out.SetOtherContractSig([]byte{1, 2, 3}); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Errorf("garbage signature error = %v", err)
	}
	if err := hp.out.SetOtherContractSig(sig); err != nil {
		t.Fatal(err)
	}

	tx, err := hp.out.SignedContractTx()
	if err != nil {
		t.Fatal(err)
	}
	if len(tx.TxIn[0].Witness) != 4 {
		t.Errorf("witness has %d items", len(tx.TxIn[0].Witness))
	}
	if _, err := hp.in.SignedContractTx(); err == nil {
		t.Error("receiver built a signed contract tx without the sender's signature")
	}
}

func TestSuccessLifecycle(t *testing.T) {
	hp := newHopPair(t)
	op := fund(t, hp)

	for _, c := range []*SwapCoin{hp.out, hp.in} {
		if err := c.MarkFunded(op, c.Amount, c.FundingScript()); err != nil {
			t.Fatalf("%s MarkFunded: %v", c.Kind, err)
		}
		ct, _ := c.ContractTx()
		if err := c.MarkContractConfirmed(ct.TxHash().String(), 101); err != nil {
			t.Fatalf("%s MarkContractConfirmed: %v", c.Kind, err)
		}
		if err := c.RevealPreimage(hp.preimage); err != nil {
			t.Fatalf("%s RevealPreimage: %v", c.Kind, err)
		}
	}

	if err := hp.out.ReceivePrivKey(hp.receiver.Serialize()); err != nil {
		t.Fatalf("outgoing ReceivePrivKey: %v", err)
	}
	if err := hp.in.ReceivePrivKey(hp.sender.Serialize()); err != nil {
		t.Fatalf("incoming ReceivePrivKey: %v", err)
	}
	for _, c := range []*SwapCoin{hp.out, hp.in} {
		if c.State != StatePrivateKeyReceived || !c.State.Terminal() {
			t.Errorf("%s state = %s", c.Kind, c.State)
		}
	}

	// No state is revisited.
	if err := hp.in.RevealPreimage(hp.preimage); !errors.Is(err, ErrInvalidState) {
		t.Errorf("revisit error = %v", err)
	}
}

func TestGuardsLeaveCoinUnchanged(t *testing.T) {
	hp := newHopPair(t)
	op := fund(t, hp)
	c := hp.in

	if err := c.MarkFunded(op, c.Amount-1, c.FundingScript()); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Errorf("short funding error = %v", err)
	}
	if err := c.MarkFunded(op, c.Amount, c.ContractOutputScript()); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Errorf("wrong script error = %v", err)
	}
	other := wire.OutPoint{Hash: chainhash.Hash{7}}
	if err := c.MarkFunded(other, c.Amount, c.FundingScript()); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Errorf("wrong outpoint error = %v", err)
	}
	if c.State != StateCreated {
		t.Fatalf("state changed to %s", c.State)
	}

	if err := c.RevealPreimage(hp.preimage); !errors.Is(err, ErrInvalidState) {
		t.Errorf("preimage before contract confirmation: %v", err)
	}

	_ = c.MarkFunded(op, c.Amount, c.FundingScript())
	if err := c.MarkContractConfirmed("00", 5); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Errorf("wrong contract txid error = %v", err)
	}
	ct, _ := c.ContractTx()
	_ = c.MarkContractConfirmed(ct.TxHash().String(), 5)

	wrong := make([]byte, contract.PreimageSize)
	if err := c.RevealPreimage(wrong); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Errorf("wrong preimage error = %v", err)
	}
	if c.State != StateContractConfirmed || c.Preimage != nil {
		t.Errorf("wrong preimage changed coin: %s", c.State)
	}

	_ = c.RevealPreimage(hp.preimage)
	stranger, _ := btcec.NewPrivateKey()
	if err := c.ReceivePrivKey(stranger.Serialize()); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Errorf("wrong key error = %v", err)
	}
	if err := c.ReceivePrivKey(make([]byte, 32)); !errors.Is(err, protocol.ErrProtocolViolation) {
		t.Errorf("zero key error = %v", err)
	}
	if c.State != StatePreimageRevealed || c.OtherPrivKey != nil {
		t.Errorf("bad key changed coin: %s", c.State)
	}
}

func TestRefundLifecycle(t *testing.T) {
	hp := newHopPair(t)
	op := fund(t, hp)
	c := hp.out

	_ = c.MarkFunded(op, c.Amount, c.FundingScript())
	ct, _ := c.ContractTx()
	if err := c.MarkContractConfirmed(ct.TxHash().String(), 200); err != nil {
		t.Fatal(err)
	}

	if c.IsTimelockMatured(209) {
		t.Error("matured one block early")
	}
	if !c.IsTimelockMatured(210) {
		t.Error("not matured at contract height + locktime")
	}
	if err := c.MarkTimelockMatured(209); !errors.Is(err, protocol.ErrTimelockNotYetMatured) {
		t.Errorf("early maturity error = %v", err)
	}
	if c.State != StateContractConfirmed {
		t.Fatalf("state = %s", c.State)
	}
	if err := c.MarkTimelockMatured(210); err != nil {
		t.Fatal(err)
	}

	dest := c.FundingScript()
	tx, err := c.SpendTx(dest, 1)
	if err != nil {
		t.Fatal(err)
	}
	if tx.TxIn[0].Sequence != c.LockTime {
		t.Errorf("refund sequence = %d", tx.TxIn[0].Sequence)
	}
	if err := c.MarkRefunded(tx.TxHash().String()); err != nil {
		t.Fatal(err)
	}
	if c.State != StateRefunded || c.SpendTxID == "" {
		t.Errorf("after refund: %s %q", c.State, c.SpendTxID)
	}
}

func TestObserveClaim(t *testing.T) {
	confirmed := func(t *testing.T) hopPair {
		t.Helper()
		hp := newHopPair(t)
		op := fund(t, hp)
		_ = hp.out.MarkFunded(op, hp.out.Amount, hp.out.FundingScript())
		ct, _ := hp.out.ContractTx()
		if err := hp.out.MarkContractConfirmed(ct.TxHash().String(), 200); err != nil {
			t.Fatal(err)
		}
		return hp
	}

	t.Run("before maturity", func(t *testing.T) {
		hp := confirmed(t)
		if err := hp.out.ObserveClaim(hp.preimage, "claim"); err != nil {
			t.Fatal(err)
		}
		if hp.out.State != StatePreimageRevealed || hp.out.SpendTxID != "claim" {
			t.Errorf("after claim: %s %q", hp.out.State, hp.out.SpendTxID)
		}
		if !hp.out.ClaimedByCounterparty() {
			t.Error("ClaimedByCounterparty() = false")
		}
	})

	t.Run("after maturity", func(t *testing.T) {
		hp := confirmed(t)
		if err := hp.out.MarkTimelockMatured(210); err != nil {
			t.Fatal(err)
		}
		if err := hp.out.ObserveClaim(hp.preimage, "claim"); err != nil {
			t.Fatal(err)
		}
		if hp.out.State != StateTimelockMatured || !bytes.Equal(hp.out.Preimage, hp.preimage) {
			t.Errorf("after claim: %s preimage %x", hp.out.State, hp.out.Preimage)
		}
		if !hp.out.ClaimedByCounterparty() {
			t.Error("ClaimedByCounterparty() = false")
		}
	})

	t.Run("wrong preimage", func(t *testing.T) {
		hp := confirmed(t)
		wrong := make([]byte, contract.PreimageSize)
		if err := hp.out.ObserveClaim(wrong, "claim"); !errors.Is(err, protocol.ErrProtocolViolation) {
			t.Errorf("error = %v, want protocol violation", err)
		}
		if hp.out.State != StateContractConfirmed || hp.out.SpendTxID != "" {
			t.Errorf("coin changed: %s %q", hp.out.State, hp.out.SpendTxID)
		}
	})

	t.Run("incoming coin", func(t *testing.T) {
		hp := confirmed(t)
		if err := hp.in.ObserveClaim(hp.preimage, "claim"); !errors.Is(err, ErrInvalidState) {
			t.Errorf("error = %v, want ErrInvalidState", err)
		}
	})
}

func TestSpendingScriptDispatch(t *testing.T) {
	hp := newHopPair(t)
	if _, b := hp.out.SpendingScript(); b != BranchTimelock {
		t.Errorf("outgoing branch = %s", b)
	}
	if _, b := hp.in.SpendingScript(); b != BranchHashlock {
		t.Errorf("incoming branch = %s", b)
	}

	fund(t, hp)
	if _, err := hp.in.SpendTx(hp.in.FundingScript(), 1); !errors.Is(err, ErrInvalidState) {
		t.Errorf("claim without preimage error = %v", err)
	}
	hp.in.Preimage = hp.preimage
	if _, err := hp.in.SpendTx(hp.in.FundingScript(), 1); err != nil {
		t.Errorf("claim: %v", err)
	}
}

func TestRecordRoundTrip(t *testing.T) {
	hp := newHopPair(t)
	op := fund(t, hp)
	c := hp.in
	_ = c.MarkFunded(op, c.Amount, c.FundingScript())
	ct, _ := c.ContractTx()
	_ = c.MarkContractConfirmed(ct.TxHash().String(), 42)
	_ = c.RevealPreimage(hp.preimage)
	_ = c.ReceivePrivKey(hp.sender.Serialize())

	r, err := c.Record()
	if err != nil {
		t.Fatal(err)
	}
	if r.ID != "s:0:incoming" || r.State != string(StatePrivateKeyReceived) || r.FundingVout != 1 {
		t.Errorf("record = %+v", r)
	}

	back, err := FromRecord(r)
	if err != nil {
		t.Fatal(err)
	}
	if back.Funding != c.Funding || back.ContractHeight != 42 || back.State != c.State {
		t.Errorf("restored %+v", back)
	}
	if !bytes.Equal(back.MyPubKey(), c.MyPubKey()) || back.OtherPrivKey == nil {
		t.Error("keys not restored")
	}
	if !bytes.Equal(back.Preimage, hp.preimage) || !bytes.Equal(back.ContractScript, c.ContractScript) {
		t.Error("preimage or script not restored")
	}

	r.State = "bogus"
	if _, err := FromRecord(r); !errors.Is(err, ErrInvalidState) {
		t.Errorf("bogus state error = %v", err)
	}
}
