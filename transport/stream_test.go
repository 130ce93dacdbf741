package transport

import (
	"io"
	"testing"
)

func TestStreamWriteReadRoundTrip(t *testing.T) {
	st := newStream(4)
	st.flow.init(0, 1<<16)

	n, err := st.Write([]byte("hello"))
	if err != nil || n != 5 {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Close came before the first popSend, so FIN rides on the data chunk.
	data, offset, fin := st.popSend(1024)
	if string(data) != "hello" || offset != 0 || !fin {
		t.Fatalf("popSend = %q, off=%d, fin=%v, want %q, 0, true", data, offset, fin, "hello")
	}
	data, offset, fin = st.popSend(1024)
	if len(data) != 0 || offset != 0 || fin {
		t.Fatalf("popSend (nothing left) = %q, off=%d, fin=%v, want empty, 0, false", data, offset, fin)
	}
}

func TestStreamWriteRejectsOverFlowControlLimit(t *testing.T) {
	st := newStream(0)
	st.flow.init(0, 4)

	if _, err := st.Write([]byte("hello")); err != errFlowControl {
		t.Fatalf("Write over limit: err=%v, want errFlowControl", err)
	}
	n, err := st.Write([]byte("ok!!"))
	if err != nil || n != 4 {
		t.Fatalf("Write at limit: n=%d err=%v", n, err)
	}
	if st.flow.canSend() != 0 {
		t.Errorf("canSend() = %d, want 0 after exhausting limit", st.flow.canSend())
	}
}

func TestStreamPushRecvDeliversInOrder(t *testing.T) {
	st := newStream(0)
	st.flow.init(1<<16, 0)

	if err := st.pushRecv([]byte("world"), 5, false); err != nil {
		t.Fatalf("pushRecv (out of order): %v", err)
	}
	buf := make([]byte, 16)
	n, err := st.Read(buf)
	if err != nil || n != 0 {
		t.Fatalf("Read before gap filled: n=%d err=%v", n, err)
	}

	if err := st.pushRecv([]byte("hello"), 0, false); err != nil {
		t.Fatalf("pushRecv (fill gap): %v", err)
	}
	n, err = st.Read(buf)
	if err != nil || string(buf[:n]) != "helloworld" {
		t.Fatalf("Read after gap filled: n=%d data=%q err=%v", n, buf[:n], err)
	}
}

func TestStreamPushRecvTriggersMaxDataUpdate(t *testing.T) {
	st := newStream(0)
	st.flow.init(100, 0)

	if err := st.pushRecv(make([]byte, 60), 0, false); err != nil {
		t.Fatalf("pushRecv: %v", err)
	}
	if !st.updateMaxData {
		t.Fatalf("updateMaxData = false, want true after consuming over half the window")
	}
	st.ackMaxData()
	if st.updateMaxData {
		t.Errorf("updateMaxData still true after ackMaxData")
	}
	if st.flow.recvMax != 200 {
		t.Errorf("recvMax = %d, want 200 after window extension", st.flow.recvMax)
	}
}

func TestStreamReadReturnsEOFOnFin(t *testing.T) {
	st := newStream(0)
	st.flow.init(1<<16, 0)

	if err := st.pushRecv(nil, 0, true); err != nil {
		t.Fatalf("pushRecv (empty fin): %v", err)
	}
	buf := make([]byte, 8)
	n, err := st.Read(buf)
	if n != 0 || err != io.EOF {
		t.Fatalf("Read = n=%d err=%v, want 0, io.EOF", n, err)
	}
}
