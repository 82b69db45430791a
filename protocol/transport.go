package protocol

import "sync/atomic"

// CommandHandler is a function type for handling decoded commands
type CommandHandler func(cmdID uint16, data *[]byte) error

// Transport is the MCU side of the protocol: it decodes host frames,
// dispatches their commands and answers with ACK/NAK and response frames.
type Transport struct {
	scanner *frameScanner

	// Next sequence expected from the host (0x10-0x1F); also stamped on
	// ACKs and responses.
	nextSequence uint32 // atomic uint8 stored as uint32

	output        OutputBuffer
	payload       ScratchOutput // message being framed by EncodeFrame
	frame         []byte
	handler       CommandHandler
	errorCallback func(cmdID uint16, err error)
	resetCallback func() // Called when host reset is detected
	flushCallback func() // Called to immediately flush ACK to the wire
}

// NewTransport creates a new Transport instance
func NewTransport(output OutputBuffer, handler CommandHandler) *Transport {
	return &Transport{
		scanner:      newFrameScanner(),
		nextSequence: MessageDest,
		output:       output,
		frame:        make([]byte, 0, MessageMax+MessageLengthMin),
		handler:      handler,
	}
}

// Receive processes incoming data from the input buffer and pops what it
// consumed. A trailing partial frame is left for the next call.
func (t *Transport) Receive(input InputBuffer) {
	consumed := t.scanner.scan(input.Data(), t.handleFrame, t.encodeAckNak)
	if consumed > 0 {
		input.Pop(consumed)
	}
}

func (t *Transport) handleFrame(frame Frame) {
	expectedSeq := uint8(atomic.LoadUint32(&t.nextSequence))
	if frame.Sequence == MessageDest && expectedSeq != MessageDest {
		// Host restarted its sequence
		atomic.StoreUint32(&t.nextSequence, MessageDest)
		expectedSeq = MessageDest
		if t.resetCallback != nil {
			t.resetCallback()
		}
	}

	if frame.Sequence == expectedSeq {
		atomic.StoreUint32(&t.nextSequence, uint32(nextSequence(frame.Sequence)))
		t.parseFrame(frame.Payload)
	}
	// A stale sequence is answered with the expected one, which the host
	// reads as a NAK.
	t.encodeAckNak()
}

// parseFrame dispatches every command in a frame. A failing handler ends
// the frame; the host sees the error through the missing response.
func (t *Transport) parseFrame(frame []byte) {
	var cmdID uint32
	defer func() {
		if r := recover(); r != nil {
			t.scanner.setSynced(false)
		}
	}()

	for len(frame) > 0 {
		var err error
		cmdID, err = DecodeVLQUint(&frame)
		if err != nil {
			t.scanner.setSynced(false)
			return
		}
		if t.handler == nil {
			return
		}
		if err := t.handler(uint16(cmdID), &frame); err != nil {
			if t.errorCallback != nil {
				t.errorCallback(uint16(cmdID), err)
			}
			return
		}
	}
}

// encodeAckNak sends an empty frame carrying the expected sequence.
// It bypasses any buffering so the host sees it before later responses.
func (t *Transport) encodeAckNak() {
	ns := uint8(atomic.LoadUint32(&t.nextSequence))
	t.output.Output(AppendFrame(make([]byte, 0, MessageLengthMin), ns, nil))
	if t.flushCallback != nil {
		t.flushCallback()
	}
}

// EncodeFrame frames the message written by frameData under the current
// sequence and queues it on the output.
func (t *Transport) EncodeFrame(frameData func(output OutputBuffer)) {
	t.payload.Reset()
	frameData(&t.payload)
	seq := uint8(atomic.LoadUint32(&t.nextSequence))
	t.frame = AppendFrame(t.frame[:0], seq, t.payload.Result())
	t.output.Output(t.frame)
}

// SendCommand sends a command with arguments
func (t *Transport) SendCommand(cmdID uint16, args func(output OutputBuffer)) {
	t.EncodeFrame(func(output OutputBuffer) {
		EncodeVLQUint(output, uint32(cmdID))
		if args != nil {
			args(output)
		}
	})
}

// Reset resets the transport state (after a link disconnect/reconnect)
func (t *Transport) Reset() {
	t.scanner.setSynced(true)
	atomic.StoreUint32(&t.nextSequence, MessageDest)
	if t.resetCallback != nil {
		t.resetCallback()
	}
}

// SetResetCallback sets a callback to be called when host reset is detected
func (t *Transport) SetResetCallback(callback func()) {
	t.resetCallback = callback
}

// SetFlushCallback sets a callback to immediately flush ACK messages
func (t *Transport) SetFlushCallback(callback func()) {
	t.flushCallback = callback
}

// SetErrorCallback sets a callback for command handler failures
func (t *Transport) SetErrorCallback(callback func(cmdID uint16, err error)) {
	t.errorCallback = callback
}
