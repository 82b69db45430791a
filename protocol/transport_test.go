package protocol

import (
	"errors"
	"net"
	"testing"
	"time"
)

// inputOf queues raw bytes as received data.
func inputOf(raw []byte) *FifoBuffer {
	in := NewFifoBuffer(MessageMax)
	in.Write(raw)
	return in
}

func TestTransportAckAndDispatch(t *testing.T) {
	out := NewScratchOutput()
	var gotCmd uint16
	var gotArg uint32
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		gotCmd = cmdID
		v, err := DecodeVLQUint(data)
		gotArg = v
		return err
	})

	payload := NewScratchOutput()
	EncodeVLQUint(payload, 5)
	EncodeVLQUint(payload, 1234)
	in := inputOf(AppendFrame(nil, MessageDest, payload.Result()))

	tr.Receive(in)

	if gotCmd != 5 || gotArg != 1234 {
		t.Errorf("Expected cmd 5 arg 1234, got cmd %d arg %d", gotCmd, gotArg)
	}
	if in.Available() != 0 {
		t.Errorf("Expected input fully consumed, %d bytes left", in.Available())
	}

	ack, n, err := DecodeFrame(out.Result())
	if err != nil {
		t.Fatalf("Output is not a frame: %v", err)
	}
	if n != MessageLengthMin || !ack.IsAck() {
		t.Errorf("Expected bare ACK, got %d byte frame", n)
	}
	if ack.Sequence != 0x11 {
		t.Errorf("Expected ACK sequence 0x11, got 0x%02x", ack.Sequence)
	}
}

func TestTransportNakOnStaleSequence(t *testing.T) {
	out := NewScratchOutput()
	calls := 0
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		calls++
		return nil
	})

	// First frame establishes 0x11 as the expected sequence
	tr.Receive(inputOf(AppendFrame(nil, 0x10, []byte{1})))
	out.Reset()

	tr.Receive(inputOf(AppendFrame(nil, 0x15, []byte{1})))
	if calls != 1 {
		t.Errorf("Expected stale frame to be ignored, handler ran %d times", calls)
	}
	nak, _, err := DecodeFrame(out.Result())
	if err != nil {
		t.Fatalf("Output is not a frame: %v", err)
	}
	if nak.Sequence != 0x11 {
		t.Errorf("Expected NAK announcing 0x11, got 0x%02x", nak.Sequence)
	}
}

func TestTransportHandlerError(t *testing.T) {
	out := NewScratchOutput()
	failure := errors.New("boom")
	var reported error
	tr := NewTransport(out, func(cmdID uint16, data *[]byte) error {
		return failure
	})
	tr.SetErrorCallback(func(cmdID uint16, err error) {
		reported = err
	})

	tr.Receive(inputOf(AppendFrame(nil, 0x10, []byte{3})))
	if !errors.Is(reported, failure) {
		t.Errorf("Expected handler error to be reported, got %v", reported)
	}
}

// startFakeMCU answers frames arriving on conn with an MCU Transport.
func startFakeMCU(conn net.Conn, handler func(tr *Transport, cmdID uint16, data *[]byte) error) {
	go func() {
		in := NewFifoBuffer(512)
		out := NewScratchOutput()
		var tr *Transport
		tr = NewTransport(out, func(cmdID uint16, data *[]byte) error {
			return handler(tr, cmdID, data)
		})
		buf := make([]byte, 256)
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			in.Write(buf[:n])
			tr.Receive(in)
			if res := out.Result(); len(res) > 0 {
				if _, err := conn.Write(res); err != nil {
					return
				}
				out.Reset()
			}
		}
	}()
}

func TestHostTransportRoundTrip(t *testing.T) {
	hostEnd, mcuEnd := net.Pipe()
	startFakeMCU(mcuEnd, func(tr *Transport, cmdID uint16, data *[]byte) error {
		v, err := DecodeVLQUint(data)
		if err != nil {
			return err
		}
		tr.SendCommand(cmdID+1, func(output OutputBuffer) {
			EncodeVLQUint(output, v*2)
		})
		return nil
	})

	host := NewHostTransport(hostEnd)
	defer host.Close()

	for i := uint32(1); i <= 20; i++ {
		err := host.SendCommand(4, func(output OutputBuffer) {
			EncodeVLQUint(output, i)
		})
		if err != nil {
			t.Fatalf("SendCommand %d failed: %v", i, err)
		}

		resp, err := host.ReceiveResponse(time.Second)
		if err != nil {
			t.Fatalf("ReceiveResponse %d failed: %v", i, err)
		}
		payload := resp.Payload
		cmdID, _ := DecodeVLQUint(&payload)
		v, _ := DecodeVLQUint(&payload)
		if cmdID != 5 || v != i*2 {
			t.Errorf("Expected response 5/%d, got %d/%d", i*2, cmdID, v)
		}
	}

	// 20 commands wrap the 4-bit sequence
	if seq := host.GetCurrentSequence(); seq != 0x14 {
		t.Errorf("Unexpected sequence after 20 commands: 0x%02x", seq)
	}
	_ = mcuEnd.Close()
}

func TestHostTransportAckTimeout(t *testing.T) {
	hostEnd, mcuEnd := net.Pipe()
	defer mcuEnd.Close()
	go func() {
		// Swallow everything without answering
		buf := make([]byte, 64)
		for {
			if _, err := mcuEnd.Read(buf); err != nil {
				return
			}
		}
	}()

	host := NewHostTransport(hostEnd)
	defer host.Close()

	err := host.SendCommandWithTimeout(1, nil, 50*time.Millisecond)
	if !errors.Is(err, ErrAckTimeout) {
		t.Errorf("Expected ErrAckTimeout, got %v", err)
	}
}

func TestHostTransportMessageTooLong(t *testing.T) {
	hostEnd, mcuEnd := net.Pipe()
	defer mcuEnd.Close()

	host := NewHostTransport(hostEnd)
	defer host.Close()

	err := host.SendCommand(1, func(output OutputBuffer) {
		EncodeVLQBytes(output, make([]byte, MessageLengthMax))
	})
	if !errors.Is(err, ErrMessageTooLong) {
		t.Errorf("Expected ErrMessageTooLong, got %v", err)
	}
}
