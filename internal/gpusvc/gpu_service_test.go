package gpusvc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/virtkit/virtgpu/gpuwire"
	"github.com/virtkit/virtgpu/internal/gpumodel"
	"github.com/virtkit/virtgpu/pkg/bus"
	"go.uber.org/zap"
)

func newTestDevice(t *testing.T, deviceOpts []Option, modelOpts ...gpumodel.Option) (*Device, *gpumodel.Model) {
	t.Helper()
	model := gpumodel.New(zap.NewNop(), 64, modelOpts...)
	opts := append([]Option{WithCompletionTimeout(2 * time.Second)}, deviceOpts...)
	dev, err := New(model, zap.NewNop(), opts...)
	if err != nil {
		t.Fatal(err)
	}
	return dev, model
}

func TestNegotiateFeatures(t *testing.T) {
	tests := []struct {
		name  string
		in    uint64
		want  uint64
	}{
		{"empty", 0, 0},
		{"virgl cleared", gpuwire.FeatureVirGL, 0},
		{"context-init cleared", gpuwire.FeatureContextInit, 0},
		{"edid kept", gpuwire.FeatureEDID | gpuwire.FeatureVirGL, gpuwire.FeatureEDID},
		{"all", gpuwire.FeatureVirGL | gpuwire.FeatureEDID | gpuwire.FeatureResourceUUID |
			gpuwire.FeatureResourceBlob | gpuwire.FeatureContextInit,
			gpuwire.FeatureEDID | gpuwire.FeatureResourceUUID | gpuwire.FeatureResourceBlob},
	}
	for _, test := range tests {
		got := NegotiateFeatures(test.in)
		if got != test.want {
			t.Errorf("%s: got %#x, want %#x", test.name, got, test.want)
		}
		if got&^test.in != 0 {
			t.Errorf("%s: output %#x sets bits missing from input %#x", test.name, got, test.in)
		}
	}
}

func TestRequestDisplayInfo(t *testing.T) {
	dev, _ := newTestDevice(t, nil, gpumodel.WithDisplays(
		gpuwire.DisplayOne{R: gpuwire.Rect{Width: 1920, Height: 1080}, Enabled: 1},
		gpuwire.DisplayOne{R: gpuwire.Rect{X: 1920, Width: 800, Height: 600}, Enabled: 1},
	))

	resp, err := dev.RequestDisplayInfo()
	if err != nil {
		t.Fatal(err)
	}
	if resp.Hdr.Type != gpuwire.RespOKDisplayInfo {
		t.Errorf("response type is %v", resp.Hdr.Type)
	}
	if resp.PModes[0].R.Width != 1920 || resp.PModes[0].R.Height != 1080 {
		t.Errorf("scanout 0 is %+v", resp.PModes[0].R)
	}
	if resp.PModes[1].R.X != 1920 || resp.PModes[1].R.Width != 800 {
		t.Errorf("scanout 1 is %+v", resp.PModes[1].R)
	}
	if resp.PModes[2].Enabled != 0 {
		t.Errorf("scanout 2 unexpectedly enabled")
	}

	mode, ok := dev.Scanout(1)
	if !ok {
		t.Fatal("scanout 1 not cached")
	}
	if mode.R.Width != 800 {
		t.Errorf("cached scanout 1 width is %d", mode.R.Width)
	}
	if _, ok := dev.Scanout(5); ok {
		t.Error("disabled scanout cached")
	}
}

func TestRequestCursorMove(t *testing.T) {
	dev, model := newTestDevice(t, nil)

	if err := dev.RequestCursorMove(10, 20, 0); err != nil {
		t.Fatal(err)
	}
	cmd, ok := model.LastCursor()
	if !ok {
		t.Fatal("model saw no cursor command")
	}
	if cmd.Hdr.Type != gpuwire.CmdMoveCursor {
		t.Errorf("command type is %v, want CMD_MOVE_CURSOR", cmd.Hdr.Type)
	}
	if cmd.HotX != 10 || cmd.HotY != 20 {
		t.Errorf("hotspot is (%d, %d), want (10, 20)", cmd.HotX, cmd.HotY)
	}
	if cmd.Pos != (gpuwire.CursorPos{}) || cmd.ResourceID != 0 {
		t.Errorf("move carried position %+v resource %d, want zeros", cmd.Pos, cmd.ResourceID)
	}
}

func TestRequestCursorUpdate(t *testing.T) {
	dev, model := newTestDevice(t, nil)

	pos := gpuwire.CursorPos{ScanoutID: 1, X: 100, Y: 200}
	if err := dev.RequestCursorUpdate(pos, 5, 0); err != nil {
		t.Fatal(err)
	}
	cmd, ok := model.LastCursor()
	if !ok {
		t.Fatal("model saw no cursor command")
	}
	if cmd.Hdr.Type != gpuwire.CmdUpdateCursor {
		t.Errorf("command type is %v, want CMD_UPDATE_CURSOR", cmd.Hdr.Type)
	}
	if cmd.Pos != pos {
		t.Errorf("position is %+v, want %+v", cmd.Pos, pos)
	}
	if cmd.ResourceID != 5 {
		t.Errorf("resource id is %d, want 5", cmd.ResourceID)
	}
	if cmd.HotX != 0 || cmd.HotY != 0 {
		t.Errorf("update carried hotspot (%d, %d), want zeros", cmd.HotX, cmd.HotY)
	}
}

func TestProtocolError(t *testing.T) {
	dev, _ := newTestDevice(t, nil, gpumodel.WithForcedResponse(gpuwire.RespErrUnspec))

	err := dev.RequestCursorUpdate(gpuwire.CursorPos{X: 1, Y: 2}, 5, 0)
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want *ProtocolError", err)
	}
	if perr.Got != gpuwire.RespErrUnspec || perr.Want != gpuwire.RespOKNoData {
		t.Errorf("error is %+v", perr)
	}
	if stats := dev.Stats(); stats.ProtocolErrors != 1 {
		t.Errorf("protocol error count is %d, want 1", stats.ProtocolErrors)
	}
}

func TestDisplayInfoProtocolError(t *testing.T) {
	// A well-formed but wrongly-typed response must be rejected wholesale.
	dev, _ := newTestDevice(t, nil, gpumodel.WithForcedResponse(gpuwire.RespOKNoData))

	_, err := dev.RequestDisplayInfo()
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("got %v, want *ProtocolError", err)
	}
	if perr.Want != gpuwire.RespOKDisplayInfo {
		t.Errorf("want field is %v", perr.Want)
	}
	if _, ok := dev.Scanout(0); ok {
		t.Error("scanout cache updated from a rejected response")
	}
}

func TestRequestEDID(t *testing.T) {
	blob := []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00, 0x42}
	dev, _ := newTestDevice(t, nil, gpumodel.WithEDID(blob))

	got, err := dev.RequestEDID(0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(blob) {
		t.Fatalf("EDID length is %d, want %d", len(got), len(blob))
	}
	for i := range blob {
		if got[i] != blob[i] {
			t.Fatalf("EDID byte %d is %#x, want %#x", i, got[i], blob[i])
		}
	}
}

func TestRequestEDIDUnsupported(t *testing.T) {
	dev, _ := newTestDevice(t, nil, gpumodel.WithFeatures(0))

	if _, err := dev.RequestEDID(0); !errors.Is(err, ErrEDIDUnsupported) {
		t.Errorf("got %v, want ErrEDIDUnsupported", err)
	}
	if stats := dev.Stats(); stats.Transactions != 0 {
		t.Errorf("transaction issued for unsupported feature")
	}
}

func TestCompletionTimeout(t *testing.T) {
	dev, _ := newTestDevice(t,
		[]Option{WithCompletionTimeout(50 * time.Millisecond)},
		gpumodel.WithAsyncCompletion(), gpumodel.WithDelay(time.Second))

	if err := dev.RequestCursorMove(1, 1, 0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}
	if stats := dev.Stats(); stats.Timeouts != 1 {
		t.Errorf("timeout count is %d, want 1", stats.Timeouts)
	}
}

func TestTimeoutThenRecover(t *testing.T) {
	// A timed-out chain must not be correlated with the next transaction on
	// the same queue: its late completion is reclaimed, and the follow-up
	// request gets its own response.
	dev, model := newTestDevice(t,
		[]Option{WithCompletionTimeout(50 * time.Millisecond)},
		gpumodel.WithAsyncCompletion(), gpumodel.WithDelay(300*time.Millisecond))

	if err := dev.RequestCursorMove(1, 1, 0); !errors.Is(err, ErrTimeout) {
		t.Fatalf("got %v, want ErrTimeout", err)
	}

	// Let the device finish serving the abandoned chain.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, ok := model.LastCursor(); ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("device never completed the abandoned chain")
		}
		time.Sleep(5 * time.Millisecond)
	}

	model.SetDelay(0)
	if err := dev.RequestCursorMove(7, 9, 0); err != nil {
		t.Fatalf("request after timeout failed: %v", err)
	}
	cmd, ok := model.LastCursor()
	if !ok || cmd.HotX != 7 || cmd.HotY != 9 {
		t.Fatalf("device served %+v, want hotX=7 hotY=9", cmd)
	}
	stats := dev.Stats()
	if stats.Timeouts != 1 {
		t.Errorf("timeout count is %d, want 1", stats.Timeouts)
	}
	if stats.Transactions != 1 {
		t.Errorf("transaction count is %d, want 1", stats.Transactions)
	}
	if stats.ProtocolErrors != 0 {
		t.Errorf("protocol error count is %d, want 0", stats.ProtocolErrors)
	}
}

func TestSameQueueSerialized(t *testing.T) {
	dev, model := newTestDevice(t, nil)

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := 0; i < len(errs); i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = dev.RequestCursorMove(uint32(i), uint32(i), 0)
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d: %v", i, err)
		}
	}
	if n := model.MaxConcurrentNotifies(1); n != 1 {
		t.Errorf("cursor queue saw %d concurrent doorbells, want 1", n)
	}
	if stats := dev.Stats(); stats.Transactions != 8 {
		t.Errorf("transaction count is %d, want 8", stats.Transactions)
	}
}

func TestIndependentQueues(t *testing.T) {
	dev, model := newTestDevice(t,
		[]Option{WithCompletionTimeout(5 * time.Second)},
		gpumodel.WithAsyncCompletion(), gpumodel.WithDelay(150*time.Millisecond))

	var wg sync.WaitGroup
	var infoErr, moveErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, infoErr = dev.RequestDisplayInfo()
	}()
	go func() {
		defer wg.Done()
		moveErr = dev.RequestCursorMove(3, 4, 0)
	}()
	wg.Wait()
	if infoErr != nil {
		t.Errorf("display info: %v", infoErr)
	}
	if moveErr != nil {
		t.Errorf("cursor move: %v", moveErr)
	}
	if n := model.MaxConcurrentServes(); n < 2 {
		t.Errorf("queues never overlapped (max concurrent serves %d)", n)
	}
}

func TestConfigChangeEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := bus.New[EventType, Event](zap.NewNop())
	if err := events.Start(ctx); err != nil {
		t.Fatal(err)
	}
	sub := events.Subscribe(ctx, EventConfigChange)

	dev, model := newTestDevice(t, []Option{WithEventBus(events)})

	model.UpdateDisplays(gpuwire.DisplayOne{R: gpuwire.Rect{Width: 2560, Height: 1440}, Enabled: 1})

	select {
	case msg := <-sub:
		if msg.Message.Type != EventConfigChange {
			t.Errorf("event type is %v", msg.Message.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no config-change event delivered")
	}

	resp, err := dev.RequestDisplayInfo()
	if err != nil {
		t.Fatal(err)
	}
	if resp.PModes[0].R.Width != 2560 {
		t.Errorf("geometry not refreshed: %+v", resp.PModes[0].R)
	}
}

func TestQueueCompletionEvent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events := bus.New[EventType, Event](zap.NewNop())
	if err := events.Start(ctx); err != nil {
		t.Fatal(err)
	}
	sub := events.Subscribe(ctx, EventQueueCompletion)

	dev, _ := newTestDevice(t, []Option{WithEventBus(events)})

	done := make(chan error, 1)
	go func() {
		done <- dev.RequestCursorMove(7, 7, 0)
	}()

	select {
	case msg := <-sub:
		if msg.Message.Queue != 1 {
			t.Errorf("completion for queue %d, want 1", msg.Message.Queue)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no completion event delivered")
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
