// Package gpumodel is an in-process virtio-gpu device model. It implements
// the driver-facing transport over the same DMA arena the driver stages its
// buffers in: on a queue doorbell it walks the available ring, decodes the
// request, writes the response into the device-writable descriptors and
// advances the used ring. It backs the development harness and the
// driver's end-to-end tests.
package gpumodel

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/virtkit/virtgpu/gpuwire"
	"github.com/virtkit/virtgpu/internal/gputransport"
	"github.com/virtkit/virtgpu/pkg/dma"
	"github.com/virtkit/virtgpu/pkg/virtq"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

var defaultOptions = modelOptions{
	features: gpuwire.FeatureVirGL | gpuwire.FeatureEDID | gpuwire.FeatureContextInit,
	displays: []gpuwire.DisplayOne{
		{R: gpuwire.Rect{Width: 1280, Height: 800}, Enabled: 1},
	},
}

type modelOptions struct {
	features  uint64
	displays  []gpuwire.DisplayOne
	edid      []byte
	forceResp gpuwire.CtrlType
	delay     time.Duration
	async     bool
}

type Option func(*modelOptions)

// WithDisplays sets the scanout geometry the model reports.
func WithDisplays(displays ...gpuwire.DisplayOne) Option {
	return func(o *modelOptions) {
		o.displays = displays
	}
}

// WithEDID sets the EDID blob served for every scanout.
func WithEDID(edid []byte) Option {
	return func(o *modelOptions) {
		o.edid = edid
	}
}

// WithForcedResponse makes the model stamp every response header with t,
// regardless of the request. Used to provoke protocol errors.
func WithForcedResponse(t gpuwire.CtrlType) Option {
	return func(o *modelOptions) {
		o.forceResp = t
	}
}

// WithDelay makes the model wait before serving each doorbell.
func WithDelay(d time.Duration) Option {
	return func(o *modelOptions) {
		o.delay = d
	}
}

// WithAsyncCompletion makes the model serve doorbells on a separate
// goroutine, so the driver observes completion only through polling.
func WithAsyncCompletion() Option {
	return func(o *modelOptions) {
		o.async = true
	}
}

// WithFeatures overrides the advertised feature bits.
func WithFeatures(features uint64) Option {
	return func(o *modelOptions) {
		o.features = features
	}
}

type queueState struct {
	layout    virtq.Layout
	lastAvail uint16
	callback  atomic.Pointer[func()]
	inflight  atomic.Int32
	maxInUse  atomic.Int32
	busy      chan struct{} // capacity 1, held while serving
}

// Model is a simulated virtio-gpu device.
type Model struct {
	log     *zap.Logger
	arena   *dma.Arena
	options modelOptions

	config     gpuwire.DeviceConfig
	queues     *xsync.MapOf[uint16, *queueState]
	configCb   func()
	started    atomic.Bool
	delay      atomic.Duration
	lastCursor atomic.Pointer[gpuwire.UpdateCursor]

	globalInflight atomic.Int32
	globalMax      atomic.Int32
}

// New returns a model backed by a fresh arena.
func New(log *zap.Logger, arenaPages int, opts ...Option) *Model {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}
	m := &Model{
		log:     log,
		arena:   dma.NewArena(arenaPages),
		options: options,
		config: gpuwire.DeviceConfig{
			NumScanouts: uint32(len(options.displays)),
		},
		queues: xsync.NewMapOf[uint16, *queueState](),
	}
	m.delay.Store(options.delay)
	return m
}

// SetDelay changes the per-doorbell serving delay of a running model.
func (m *Model) SetDelay(d time.Duration) {
	m.delay.Store(d)
}

func (m *Model) Memory() *dma.Arena {
	return m.arena
}

func (m *Model) ReadConfig() (gpuwire.DeviceConfig, error) {
	return m.config, nil
}

func (m *Model) DeviceFeatures() uint64 {
	return m.options.features
}

func (m *Model) SetQueue(index uint16, layout virtq.Layout) error {
	if m.started.Load() {
		return fmt.Errorf("gpumodel: queue %d registered after FinishInit", index)
	}
	st := &queueState{layout: layout, busy: make(chan struct{}, 1)}
	if _, loaded := m.queues.LoadOrStore(index, st); loaded {
		return fmt.Errorf("gpumodel: queue %d registered twice", index)
	}
	return nil
}

func (m *Model) RegisterQueueCallback(index uint16, fn func()) {
	if st, ok := m.queues.Load(index); ok {
		st.callback.Store(&fn)
	}
}

func (m *Model) RegisterConfigCallback(fn func()) {
	m.configCb = fn
}

func (m *Model) FinishInit() {
	m.started.Store(true)
	m.log.Debug("device model initialized")
}

// NotifyQueue is the queue doorbell.
func (m *Model) NotifyQueue(index uint16) {
	st, ok := m.queues.Load(index)
	if !ok {
		m.log.Warn("doorbell for unknown queue", zap.Uint16("queue", index))
		return
	}
	raiseMax(&st.maxInUse, st.inflight.Inc())
	raiseMax(&m.globalMax, m.globalInflight.Inc())
	serve := func() {
		defer st.inflight.Dec()
		defer m.globalInflight.Dec()
		if delay := m.delay.Load(); delay > 0 {
			time.Sleep(delay)
		}
		st.busy <- struct{}{}
		defer func() { <-st.busy }()
		if err := m.serveQueue(index, st); err != nil {
			m.log.Error("failed to serve queue", zap.Uint16("queue", index), zap.Error(err))
		}
	}
	if m.options.async {
		go serve()
	} else {
		serve()
	}
}

// MaxConcurrentNotifies reports the largest number of doorbells that were
// ever in flight at once for a queue. Drivers that serialize correctly
// never push it past one per queue.
func (m *Model) MaxConcurrentNotifies(index uint16) int32 {
	st, ok := m.queues.Load(index)
	if !ok {
		return 0
	}
	return st.maxInUse.Load()
}

// MaxConcurrentServes reports the largest number of doorbells in flight at
// once across all queues.
func (m *Model) MaxConcurrentServes() int32 {
	return m.globalMax.Load()
}

func raiseMax(max *atomic.Int32, n int32) {
	for {
		cur := max.Load()
		if n <= cur || max.CompareAndSwap(cur, n) {
			return
		}
	}
}

// LastCursor returns the most recent cursor command the model served.
func (m *Model) LastCursor() (gpuwire.UpdateCursor, bool) {
	p := m.lastCursor.Load()
	if p == nil {
		return gpuwire.UpdateCursor{}, false
	}
	return *p, true
}

// UpdateDisplays changes the reported geometry and raises a
// configuration-change interrupt.
func (m *Model) UpdateDisplays(displays ...gpuwire.DisplayOne) {
	m.options.displays = displays
	m.config.NumScanouts = uint32(len(displays))
	m.config.EventsRead++
	if m.configCb != nil {
		m.configCb()
	}
}

func (m *Model) serveQueue(index uint16, st *queueState) error {
	availIdx, err := m.arena.Uint16At(st.layout.AvailAddr + 2)
	if err != nil {
		return err
	}
	served := false
	for st.lastAvail != availIdx {
		slot := st.layout.AvailAddr + 4 + uint64(2*(st.lastAvail%st.layout.Size))
		head, err := m.arena.Uint16At(slot)
		if err != nil {
			return err
		}
		written, err := m.serveChain(st.layout, head)
		if err != nil {
			return err
		}
		st.lastAvail++

		usedIdx, err := m.arena.Uint16At(st.layout.UsedAddr + 2)
		if err != nil {
			return err
		}
		uslot := st.layout.UsedAddr + 4 + uint64(8*(usedIdx%st.layout.Size))
		var elem [8]byte
		binary.LittleEndian.PutUint32(elem[0:4], uint32(head))
		binary.LittleEndian.PutUint32(elem[4:8], written)
		if err := m.arena.WriteAt(uslot, elem[:]); err != nil {
			return err
		}
		if err := m.arena.PutUint16At(st.layout.UsedAddr+2, usedIdx+1); err != nil {
			return err
		}
		served = true
	}
	if cb := st.callback.Load(); served && cb != nil {
		(*cb)()
	}
	return nil
}

type chainDesc struct {
	addr   uint64
	length uint32
}

// serveChain reads one descriptor chain, decodes the request and writes the
// response into the device-writable descriptors. It returns the number of
// bytes written.
func (m *Model) serveChain(layout virtq.Layout, head uint16) (uint32, error) {
	var request []byte
	var writable []chainDesc

	cur := head
	for hops := uint16(0); ; hops++ {
		if hops >= layout.Size {
			return 0, fmt.Errorf("gpumodel: descriptor chain at %d does not terminate", head)
		}
		var d [16]byte
		if err := m.arena.ReadAt(layout.DescAddr+uint64(cur)*16, d[:]); err != nil {
			return 0, err
		}
		addr := binary.LittleEndian.Uint64(d[0:8])
		length := binary.LittleEndian.Uint32(d[8:12])
		flags := binary.LittleEndian.Uint16(d[12:14])
		next := binary.LittleEndian.Uint16(d[14:16])

		if flags&0x2 != 0 {
			writable = append(writable, chainDesc{addr: addr, length: length})
		} else {
			buf := make([]byte, length)
			if err := m.arena.ReadAt(addr, buf); err != nil {
				return 0, err
			}
			request = append(request, buf...)
		}
		if flags&0x1 == 0 {
			break
		}
		cur = next
	}

	resp := m.respond(request)
	if m.options.forceResp != 0 {
		binary.LittleEndian.PutUint32(resp[0:4], uint32(m.options.forceResp))
	}

	var written uint32
	for _, d := range writable {
		if len(resp) == 0 {
			break
		}
		n := int(d.length)
		if n > len(resp) {
			n = len(resp)
		}
		if err := m.arena.WriteAt(d.addr, resp[:n]); err != nil {
			return 0, err
		}
		resp = resp[n:]
		written += uint32(n)
	}
	return written, nil
}

// respond decodes one request and builds the wire response.
func (m *Model) respond(request []byte) []byte {
	if len(request) < gpuwire.CtrlHeaderSize {
		return errResponse(gpuwire.RespErrInvalidParameter)
	}
	hdr := gpuwire.DecodeCtrlHeader(request)
	switch hdr.Type {
	case gpuwire.CmdGetDisplayInfo:
		resp := gpuwire.RespDisplayInfo{Hdr: gpuwire.NewCtrlHeader(gpuwire.RespOKDisplayInfo)}
		for i, d := range m.options.displays {
			if i >= gpuwire.MaxScanouts {
				break
			}
			resp.PModes[i] = d
		}
		p := make([]byte, gpuwire.RespDisplayInfoSize)
		resp.Encode(p)
		return p

	case gpuwire.CmdGetEDID:
		if len(request) < gpuwire.GetEDIDSize {
			return errResponse(gpuwire.RespErrInvalidParameter)
		}
		req := gpuwire.DecodeGetEDID(request)
		if req.Scanout >= m.config.NumScanouts {
			return errResponse(gpuwire.RespErrInvalidScanoutID)
		}
		resp := gpuwire.RespEDID{Hdr: gpuwire.NewCtrlHeader(gpuwire.RespOKEDID)}
		resp.Size = uint32(copy(resp.EDID[:], m.options.edid))
		p := make([]byte, gpuwire.RespEDIDSize)
		resp.Encode(p)
		return p

	case gpuwire.CmdUpdateCursor, gpuwire.CmdMoveCursor:
		if len(request) < gpuwire.UpdateCursorSize {
			return errResponse(gpuwire.RespErrInvalidParameter)
		}
		cmd := gpuwire.DecodeUpdateCursor(request)
		m.lastCursor.Store(&cmd)
		return errResponse(gpuwire.RespOKNoData)

	default:
		m.log.Warn("unhandled command", zap.Stringer("type", hdr.Type))
		return errResponse(gpuwire.RespErrUnspec)
	}
}

func errResponse(t gpuwire.CtrlType) []byte {
	resp := gpuwire.RespNoData{Hdr: gpuwire.NewCtrlHeader(t)}
	p := make([]byte, gpuwire.RespNoDataSize)
	resp.Encode(p)
	return p
}

var _ gputransport.Transport = (*Model)(nil)
