package node

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/libp2p/go-libp2p/core/network"
	"github.com/libp2p/go-libp2p/core/peer"
	libp2pprotocol "github.com/libp2p/go-libp2p/core/protocol"

	"github.com/klingon-exchange/coinswap/internal/protocol"
	"github.com/klingon-exchange/coinswap/pkg/logging"
)

// SwapProtocol is the stream protocol carrying one request and its reply.
const SwapProtocol libp2pprotocol.ID = "/coinswap/swap/1.0.0"

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	// handlerTimeout bounds how long a handler may work on one request.
	handlerTimeout = 5 * time.Minute
)

// StreamHandler serves incoming swap streams and opens outgoing ones.
type StreamHandler struct {
	node *Node
	log  *logging.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// NewStreamHandler creates a stream handler for n.
func NewStreamHandler(n *Node) *StreamHandler {
	ctx, cancel := context.WithCancel(context.Background())
	return &StreamHandler{
		node:   n,
		log:    logging.GetDefault().Component("stream"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Serve registers handler for incoming swap streams.
func (h *StreamHandler) Serve(handler protocol.Handler) {
	h.node.Host().SetStreamHandler(SwapProtocol, func(s network.Stream) {
		h.handleStream(s, handler)
	})
	h.log.Info("Swap stream handler started", "protocol", SwapProtocol)
}

// Stop removes the stream handler.
func (h *StreamHandler) Stop() {
	h.cancel()
	h.node.Host().RemoveStreamHandler(SwapProtocol)
}

func (h *StreamHandler) handleStream(s network.Stream, handler protocol.Handler) {
	defer s.Close()

	remote := s.Conn().RemotePeer()
	s.SetReadDeadline(time.Now().Add(readTimeout))

	data, err := readLengthPrefixed(bufio.NewReader(s))
	if err != nil {
		h.log.Warn("Failed to read message", "peer", shortID(remote), "error", err)
		return
	}

	msg, err := protocol.Decode(data)
	if err != nil {
		h.log.Warn("Dropped malformed message", "peer", shortID(remote), "error", err)
		return
	}
	h.log.Debug("Received message", "type", msg.Type, "session", msg.SessionID,
		"hop", msg.HopIndex, "from", shortID(remote))

	ctx, cancel := context.WithTimeout(h.ctx, handlerTimeout)
	reply := protocol.Serve(ctx, handler, remote.String(), msg)
	cancel()

	out, err := protocol.Encode(reply)
	if err != nil {
		h.log.Warn("Failed to encode reply", "error", err)
		return
	}
	s.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := writeLengthPrefixed(s, out); err != nil {
		h.log.Warn("Failed to send reply", "peer", shortID(remote), "error", err)
	}
}

// Request opens a stream to peerID, writes msg and reads the reply. Every
// delivery failure is an ErrNetwork.
func (h *StreamHandler) Request(ctx context.Context, peerID string, msg *protocol.Message) (*protocol.Message, error) {
	pid, err := peer.Decode(peerID)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid peer id %q: %v", protocol.ErrNetwork, peerID, err)
	}
	data, err := protocol.Encode(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}

	stream, err := h.node.Host().NewStream(ctx, pid, SwapProtocol)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open stream to %s: %v", protocol.ErrNetwork, shortID(pid), err)
	}
	defer stream.Close()

	// Stream deadlines follow the caller's context.
	if deadline, ok := ctx.Deadline(); ok {
		stream.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() { stream.Reset() })
	defer stop()

	if err := writeLengthPrefixed(stream, data); err != nil {
		return nil, fmt.Errorf("%w: failed to send %s to %s: %v", protocol.ErrNetwork, msg.Type, shortID(pid), err)
	}
	if err := stream.CloseWrite(); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.ErrNetwork, err)
	}

	replyData, err := readLengthPrefixed(bufio.NewReader(stream))
	if err != nil {
		if ctx.Err() != nil {
			err = ctx.Err()
		}
		return nil, fmt.Errorf("%w: no reply to %s from %s: %v", protocol.ErrNetwork, msg.Type, shortID(pid), err)
	}
	reply, err := protocol.Decode(replyData)
	if err != nil {
		return nil, protocol.Violation("reply from %s: %v", shortID(pid), err)
	}
	return reply, nil
}

// =============================================================================
// Length-prefixed message framing
// =============================================================================

const maxMessageSize = 1024 * 1024

// readLengthPrefixed reads a message behind a 4-byte big endian length.
func readLengthPrefixed(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, fmt.Errorf("failed to read length: %w", err)
	}
	if length > maxMessageSize {
		return nil, fmt.Errorf("message too large: %d > %d", length, maxMessageSize)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("failed to read message: %w", err)
	}
	return data, nil
}

// writeLengthPrefixed writes data behind a 4-byte big endian length.
func writeLengthPrefixed(w io.Writer, data []byte) error {
	if len(data) > maxMessageSize {
		return fmt.Errorf("message too large: %d > %d", len(data), maxMessageSize)
	}
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return fmt.Errorf("failed to write length: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}
