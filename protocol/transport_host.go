package protocol

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrAckTimeout      = errors.New("ACK timeout")
	ErrResponseTimeout = errors.New("response timeout")
	ErrTransportClosed = errors.New("transport stopped")
	ErrMessageTooLong  = errors.New("message too long")
)

// DefaultAckTimeout bounds how long SendCommand waits for the MCU.
const DefaultAckTimeout = 2 * time.Second

// ResponseHandler is a function type for handling received responses from MCU
type ResponseHandler func(cmdID uint16, data *[]byte) error

// HostTransport is the host side of the protocol: it frames commands, waits
// for their ACK and collects the MCU's responses.
type HostTransport struct {
	port io.ReadWriteCloser

	// Sequence of the next command (0x10-0x1F)
	currentSeq uint32 // atomic uint8 stored as uint32

	scanner     *frameScanner
	inputBuffer *FifoBuffer

	ackChan      chan Frame
	responseChan chan *Message

	handlerMu       sync.RWMutex
	responseHandler ResponseHandler

	// sendMutex serialises whole command/ACK exchanges
	sendMutex sync.Mutex

	closeOnce sync.Once
	stopChan  chan struct{}
	doneChan  chan struct{}
}

// Message is a response frame received from the MCU
type Message struct {
	Sequence uint8
	Payload  []byte // Command ID followed by its arguments
}

// NewHostTransport creates a new host-side transport and starts reading port
func NewHostTransport(port io.ReadWriteCloser) *HostTransport {
	t := &HostTransport{
		port:         port,
		currentSeq:   MessageDest,
		scanner:      newFrameScanner(),
		inputBuffer:  NewFifoBuffer(512),
		ackChan:      make(chan Frame, 1),
		responseChan: make(chan *Message, 16),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
	}
	go t.readLoop()
	return t
}

// SendCommand sends a command to the MCU and waits for ACK
func (t *HostTransport) SendCommand(cmdID uint16, args func(output OutputBuffer)) error {
	return t.SendCommandWithTimeout(cmdID, args, DefaultAckTimeout)
}

// SendCommandWithTimeout sends a command with a custom timeout
func (t *HostTransport) SendCommandWithTimeout(cmdID uint16, args func(output OutputBuffer), timeout time.Duration) error {
	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()

	seq := uint8(atomic.LoadUint32(&t.currentSeq))
	msg, err := buildCommandMessage(seq, cmdID, args)
	if err != nil {
		return err
	}

	n, err := t.port.Write(msg)
	if err != nil {
		return fmt.Errorf("write command %d: %w", cmdID, err)
	}
	if n != len(msg) {
		return fmt.Errorf("write command %d: incomplete write %d/%d bytes", cmdID, n, len(msg))
	}

	return t.waitForAck(seq, timeout)
}

// buildCommandMessage frames a single command
func buildCommandMessage(seq uint8, cmdID uint16, args func(output OutputBuffer)) ([]byte, error) {
	scratch := NewScratchOutput()
	EncodeVLQUint(scratch, uint32(cmdID))
	if args != nil {
		args(scratch)
	}
	payload := scratch.Result()

	if msgLen := len(payload) + MessageLengthMin; msgLen > MessageLengthMax {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrMessageTooLong, msgLen, MessageLengthMax)
	}
	return AppendFrame(make([]byte, 0, len(payload)+MessageLengthMin), seq, payload), nil
}

// waitForAck waits for the MCU to acknowledge seq. The MCU acknowledges by
// announcing the sequence it expects next.
func (t *HostTransport) waitForAck(seq uint8, timeout time.Duration) error {
	want := nextSequence(seq)
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case ack := <-t.ackChan:
			if ack.Sequence != want {
				// NAK or a stale ACK; keep waiting for ours
				continue
			}
			atomic.StoreUint32(&t.currentSeq, uint32(want))
			return nil

		case <-deadline.C:
			return fmt.Errorf("%w after %v", ErrAckTimeout, timeout)

		case <-t.stopChan:
			return ErrTransportClosed
		}
	}
}

// ReceiveResponse receives the next response message with timeout
func (t *HostTransport) ReceiveResponse(timeout time.Duration) (*Message, error) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	select {
	case resp := <-t.responseChan:
		return resp, nil

	case <-deadline.C:
		return nil, fmt.Errorf("%w after %v", ErrResponseTimeout, timeout)

	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// SetResponseHandler sets a callback for handling responses asynchronously
func (t *HostTransport) SetResponseHandler(handler ResponseHandler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.responseHandler = handler
}

// readLoop continuously reads from the port and processes messages
func (t *HostTransport) readLoop() {
	defer close(t.doneChan)

	buffer := make([]byte, 256)
	for {
		select {
		case <-t.stopChan:
			return
		default:
		}

		n, err := t.port.Read(buffer)
		if n > 0 {
			t.inputBuffer.Write(buffer[:n])
			t.processMessages()
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			// Transient read errors (timeouts) are retried
			time.Sleep(10 * time.Millisecond)
		}
	}
}

// processMessages parses and dispatches messages from the input buffer
func (t *HostTransport) processMessages() {
	consumed := t.scanner.scan(t.inputBuffer.Data(), t.dispatchFrame, nil)
	if consumed > 0 {
		t.inputBuffer.Pop(consumed)
	}
}

// dispatchFrame routes a frame to the ACK or response channel
func (t *HostTransport) dispatchFrame(frame Frame) {
	if frame.IsAck() {
		select {
		case t.ackChan <- frame:
		default:
			// Replace an unread ACK with the newer one
			select {
			case <-t.ackChan:
			default:
			}
			t.ackChan <- frame
		}
		return
	}

	payload := make([]byte, len(frame.Payload))
	copy(payload, frame.Payload)
	msg := &Message{Sequence: frame.Sequence, Payload: payload}

	t.handlerMu.RLock()
	handler := t.responseHandler
	t.handlerMu.RUnlock()
	if handler != nil {
		data := msg.Payload
		if cmdID, err := DecodeVLQUint(&data); err == nil {
			_ = handler(uint16(cmdID), &data)
		}
	}

	select {
	case t.responseChan <- msg:
	default:
		// Response channel full, drop oldest
		select {
		case <-t.responseChan:
		default:
		}
		t.responseChan <- msg
	}
}

// Close stops the transport and closes the port
func (t *HostTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.stopChan)
		// Closing the port unblocks the pending Read
		if t.port != nil {
			err = t.port.Close()
		}
		<-t.doneChan
	})
	return err
}

// Reset restarts the sequence and discards buffered input
func (t *HostTransport) Reset() {
	t.sendMutex.Lock()
	defer t.sendMutex.Unlock()

	t.scanner.setSynced(true)
	atomic.StoreUint32(&t.currentSeq, MessageDest)

	for len(t.ackChan) > 0 {
		<-t.ackChan
	}
	for len(t.responseChan) > 0 {
		<-t.responseChan
	}
}

// GetCurrentSequence returns the current sequence number (for debugging)
func (t *HostTransport) GetCurrentSequence() uint8 {
	return uint8(atomic.LoadUint32(&t.currentSeq))
}
