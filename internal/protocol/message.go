package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies a swap protocol message.
type MessageType string

// Message types exchanged between taker and makers.
const (
	MsgNegotiateHop        MessageType = "negotiate-hop"
	MsgPrepareFunding      MessageType = "prepare-funding"
	MsgSignContract        MessageType = "sign-contract"
	MsgBroadcastFunding    MessageType = "broadcast-funding"
	MsgFundingConfirmation MessageType = "funding-confirmation"
	MsgPreimageReveal      MessageType = "preimage-reveal"
	MsgPrivKeyHandover     MessageType = "privkey-handover"
	MsgAbort               MessageType = "abort"

	MsgAck MessageType = "ack"
)

// Message is the single envelope for every request and reply.
// Fields not relevant to a message type are left empty.
type Message struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id,omitempty"`
	HopIndex  int         `json:"hop_index"`
	Timestamp int64       `json:"timestamp"`

	PubKey     []byte `json:"pubkey,omitempty"`
	NextPubKey []byte `json:"next_pubkey,omitempty"`
	Hash       []byte `json:"hash,omitempty"`
	LockTime   uint32 `json:"locktime,omitempty"`
	// NextLockTime is the locktime the receiving maker will use for its
	// outgoing hop. Sent with negotiate-hop so the maker can check the delta.
	NextLockTime uint32 `json:"next_locktime,omitempty"`
	Amount       uint64 `json:"amount,omitempty"`
	ContractFee  uint64 `json:"contract_fee,omitempty"`
	MakerFee     uint64 `json:"maker_fee,omitempty"`

	RedeemScript []byte `json:"redeem_script,omitempty"`
	FundingTxID  string `json:"funding_txid,omitempty"`
	FundingVout  uint32 `json:"funding_vout,omitempty"`
	ContractTxID string `json:"contract_txid,omitempty"`
	ClaimTxID    string `json:"claim_txid,omitempty"`

	Signature []byte `json:"signature,omitempty"`
	Preimage  []byte `json:"preimage,omitempty"`
	// PrivKey is only populated in privkey-handover messages, and only once
	// the hashlock claim of that hop is confirmed.
	PrivKey []byte `json:"privkey,omitempty"`

	ErrorCode string `json:"error_code,omitempty"`
	Error     string `json:"error,omitempty"`
}

// NewMessage creates a message with a fresh id and timestamp.
func NewMessage(t MessageType, sessionID string, hop int) *Message {
	return &Message{
		Type:      t,
		SessionID: sessionID,
		MessageID: uuid.New().String(),
		HopIndex:  hop,
		Timestamp: time.Now().Unix(),
	}
}

// Reply creates an ack for req.
func (m *Message) Reply() *Message {
	return &Message{
		Type:      MsgAck,
		SessionID: m.SessionID,
		MessageID: uuid.New().String(),
		HopIndex:  m.HopIndex,
		Timestamp: time.Now().Unix(),
	}
}

// ErrorReply creates an ack carrying err.
func (m *Message) ErrorReply(err error) *Message {
	r := m.Reply()
	r.ErrorCode = ErrorCode(err)
	r.Error = err.Error()
	return r
}

// Failed reports whether the message is an error ack.
func (m *Message) Failed() bool {
	return m.ErrorCode != "" || m.Error != ""
}

// Validate checks the envelope fields every message must carry.
func (m *Message) Validate() error {
	switch m.Type {
	case MsgNegotiateHop, MsgPrepareFunding, MsgSignContract, MsgBroadcastFunding,
		MsgFundingConfirmation, MsgPreimageReveal, MsgPrivKeyHandover, MsgAbort, MsgAck:
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	if m.SessionID == "" {
		return fmt.Errorf("message %s has no session id", m.Type)
	}
	if m.HopIndex < 0 {
		return fmt.Errorf("message %s has negative hop index", m.Type)
	}
	return nil
}

// Encode marshals a message for the wire.
func Encode(m *Message) ([]byte, error) {
	return json.Marshal(m)
}

// Decode unmarshals and validates a wire message.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}
