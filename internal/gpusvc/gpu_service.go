// Package gpusvc is the display/cursor control path of the virtio-gpu
// driver. A Device owns the control and cursor virtqueues plus four
// one-page DMA scratch streams and exposes the display-info, EDID and
// cursor operations as synchronous request/response transactions.
package gpusvc

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/virtkit/virtgpu/gpuwire"
	"github.com/virtkit/virtgpu/internal/gputransport"
	"github.com/virtkit/virtgpu/pkg/bus"
	"github.com/virtkit/virtgpu/pkg/dma"
	"github.com/virtkit/virtgpu/pkg/virtq"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

const (
	controlQueueIndex = 0
	cursorQueueIndex  = 1
	queueDepth        = 64
)

var (
	// ErrTimeout means the device did not complete a submitted request
	// before the completion deadline.
	ErrTimeout = errors.New("gpusvc: request timed out")

	// ErrEDIDUnsupported means the EDID feature was not negotiated.
	ErrEDIDUnsupported = errors.New("gpusvc: device does not support EDID")
)

// ProtocolError is returned when a response header carries an unexpected
// type. The rest of the response is discarded.
type ProtocolError struct {
	Got  gpuwire.CtrlType
	Want gpuwire.CtrlType
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("gpusvc: device answered %v, want %v", e.Got, e.Want)
}

// EventType keys device events on the event bus.
type EventType uint8

const (
	EventQueueCompletion EventType = iota
	EventConfigChange
)

// Event is one device interrupt surfaced to subscribers.
type Event struct {
	Type  EventType
	Queue uint16
}

// EventBus carries device events out of interrupt handlers.
type EventBus = bus.Bus[EventType, Event]

var defaultOptions = deviceOptions{
	completionTimeout: 5 * time.Second,
}

type deviceOptions struct {
	completionTimeout time.Duration
	events            *EventBus
}

type Option func(*deviceOptions)

// WithCompletionTimeout bounds the completion poll of every transaction.
func WithCompletionTimeout(d time.Duration) Option {
	return func(o *deviceOptions) {
		o.completionTimeout = d
	}
}

// WithEventBus publishes queue-completion and config-change interrupts on b.
func WithEventBus(b *EventBus) Option {
	return func(o *deviceOptions) {
		o.events = b
	}
}

// ioQueue pairs one virtqueue with its request and response scratch
// streams. The mutex serializes the whole submit-notify-poll-pop sequence,
// so at most one transaction is in flight per queue. abandoned holds the
// heads of chains whose transactions timed out; their late completions are
// reclaimed instead of being correlated with the next submission.
type ioQueue struct {
	mu        sync.Mutex
	vq        *virtq.Queue
	request   *dma.Stream
	response  *dma.Stream
	abandoned map[uint16]struct{}
}

// Stats counts transaction outcomes since the device was created.
type Stats struct {
	Transactions   uint64
	ProtocolErrors uint64
	Timeouts       uint64
}

// Device is a live virtio-gpu driver instance. It is safe for concurrent
// use; the control and cursor queues are independently serialized.
type Device struct {
	log       *zap.Logger
	transport gputransport.Transport
	options   deviceOptions

	config   gpuwire.DeviceConfig
	features uint64

	control ioQueue
	cursor  ioQueue

	scanouts *xsync.MapOf[uint32, gpuwire.DisplayOne]

	transactions   atomic.Uint64
	protocolErrors atomic.Uint64
	timeouts       atomic.Uint64
}

// NegotiateFeatures reduces the feature bits offered by the device to the
// set this driver implements. The result is always a subset of the input;
// virgl 3D and context-init are never accepted.
func NegotiateFeatures(features uint64) uint64 {
	return features &^ (gpuwire.FeatureVirGL | gpuwire.FeatureContextInit)
}

// New brings up the device: reads its configuration, negotiates features,
// builds the control and cursor queues, maps the four scratch streams, and
// only then registers the interrupt callbacks and finishes initialization.
// Any failure aborts before anything is registered with the transport.
func New(transport gputransport.Transport, log *zap.Logger, opts ...Option) (*Device, error) {
	options := defaultOptions
	for _, opt := range opts {
		opt(&options)
	}

	config, err := transport.ReadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to read device config: %w", err)
	}
	features := NegotiateFeatures(transport.DeviceFeatures())
	log.Info("gpu device",
		zap.Uint32("scanouts", config.NumScanouts),
		zap.Uint64("features", features))

	arena := transport.Memory()
	d := &Device{
		log:       log,
		transport: transport,
		options:   options,
		config:    config,
		features:  features,
		scanouts:  xsync.NewMapOf[uint32, gpuwire.DisplayOne](),
	}

	d.control.vq, err = virtq.New(arena, controlQueueIndex, queueDepth, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create control queue: %w", err)
	}
	d.cursor.vq, err = virtq.New(arena, cursorQueueIndex, queueDepth, transport)
	if err != nil {
		return nil, fmt.Errorf("failed to create cursor queue: %w", err)
	}

	for _, q := range []*ioQueue{&d.control, &d.cursor} {
		q.abandoned = make(map[uint16]struct{})
		q.request, err = arena.AllocStream(1, dma.Bidirectional)
		if err != nil {
			return nil, fmt.Errorf("failed to map request stream: %w", err)
		}
		q.response, err = arena.AllocStream(1, dma.Bidirectional)
		if err != nil {
			return nil, fmt.Errorf("failed to map response stream: %w", err)
		}
	}

	transport.RegisterQueueCallback(controlQueueIndex, func() { d.handleQueueInterrupt(controlQueueIndex) })
	transport.RegisterQueueCallback(cursorQueueIndex, func() { d.handleQueueInterrupt(cursorQueueIndex) })
	transport.RegisterConfigCallback(d.handleConfigChange)
	transport.FinishInit()
	return d, nil
}

// Completion detection stays on the polling path; the interrupt only
// acknowledges and surfaces an event for observers.
func (d *Device) handleQueueInterrupt(index uint16) {
	d.log.Debug("queue completion interrupt", zap.Uint16("queue", index))
	d.publish(Event{Type: EventQueueCompletion, Queue: index})
}

func (d *Device) handleConfigChange() {
	d.log.Info("device configuration changed")
	d.publish(Event{Type: EventConfigChange})
}

// publish never blocks: interrupt handlers drop events nobody is draining.
func (d *Device) publish(ev Event) {
	if d.options.events == nil {
		return
	}
	if !d.options.events.TryPublish(ev.Type, ev) {
		d.log.Debug("event dropped", zap.Uint8("type", uint8(ev.Type)))
	}
}

// Config returns the device configuration read at bring-up.
func (d *Device) Config() gpuwire.DeviceConfig {
	return d.config
}

// Features returns the negotiated feature bits.
func (d *Device) Features() uint64 {
	return d.features
}

// Stats returns transaction counters.
func (d *Device) Stats() Stats {
	return Stats{
		Transactions:   d.transactions.Load(),
		ProtocolErrors: d.protocolErrors.Load(),
		Timeouts:       d.timeouts.Load(),
	}
}

// Scanout returns the cached geometry of one scanout, populated by the
// last successful RequestDisplayInfo.
func (d *Device) Scanout(id uint32) (gpuwire.DisplayOne, bool) {
	return d.scanouts.Load(id)
}

// RequestDisplayInfo queries the current display geometry over the control
// queue.
func (d *Device) RequestDisplayInfo() (gpuwire.RespDisplayInfo, error) {
	hdr := gpuwire.NewCtrlHeader(gpuwire.CmdGetDisplayInfo)
	req := make([]byte, gpuwire.CtrlHeaderSize)
	hdr.Encode(req)

	buf, err := d.transact(&d.control, req, gpuwire.RespDisplayInfoSize, gpuwire.RespOKDisplayInfo)
	if err != nil {
		return gpuwire.RespDisplayInfo{}, err
	}
	resp := gpuwire.DecodeRespDisplayInfo(buf)
	for i := range resp.PModes {
		id := uint32(i)
		if resp.PModes[i].Enabled != 0 {
			d.scanouts.Store(id, resp.PModes[i])
		} else {
			d.scanouts.Delete(id)
		}
	}
	return resp, nil
}

// RequestEDID fetches the EDID blob of one scanout. It fails with
// ErrEDIDUnsupported when the feature was not negotiated.
func (d *Device) RequestEDID(scanout uint32) ([]byte, error) {
	if d.features&gpuwire.FeatureEDID == 0 {
		return nil, ErrEDIDUnsupported
	}
	msg := gpuwire.NewGetEDID(scanout)
	req := make([]byte, gpuwire.GetEDIDSize)
	msg.Encode(req)

	buf, err := d.transact(&d.control, req, gpuwire.RespEDIDSize, gpuwire.RespOKEDID)
	if err != nil {
		return nil, err
	}
	resp := gpuwire.DecodeRespEDID(buf)
	if resp.Size > gpuwire.EDIDBlobSize {
		return nil, fmt.Errorf("gpusvc: EDID size %d exceeds %d-byte payload", resp.Size, gpuwire.EDIDBlobSize)
	}
	edid := make([]byte, resp.Size)
	copy(edid, resp.EDID[:resp.Size])
	return edid, nil
}

// RequestCursorUpdate attaches the cursor image identified by resourceID
// and places it at pos. resourceID zero detaches the cursor image.
func (d *Device) RequestCursorUpdate(pos gpuwire.CursorPos, resourceID, padding uint32) error {
	d.log.Debug("cursor update",
		zap.Uint32("scanout", pos.ScanoutID),
		zap.Uint32("resource", resourceID))
	msg := gpuwire.NewUpdateCursor(pos, resourceID, padding)
	return d.cursorTransact(msg)
}

// RequestCursorMove moves the already attached cursor.
func (d *Device) RequestCursorMove(hotX, hotY, padding uint32) error {
	d.log.Debug("cursor move", zap.Uint32("x", hotX), zap.Uint32("y", hotY))
	msg := gpuwire.NewMoveCursor(hotX, hotY, padding)
	return d.cursorTransact(msg)
}

func (d *Device) cursorTransact(msg gpuwire.UpdateCursor) error {
	req := make([]byte, gpuwire.UpdateCursorSize)
	msg.Encode(req)
	_, err := d.transact(&d.cursor, req, gpuwire.RespNoDataSize, gpuwire.RespOKNoData)
	return err
}

// transact runs one request/response exchange: stage and flush the request,
// zero the response placeholder, submit both buffers as one chain, notify
// if the device asked for it, poll for completion under a deadline, pop
// used entries until this chain's head comes back, and validate the
// response type. The queue lock is held for the whole sequence. A timeout
// leaves the chain submitted; its head is recorded so that a later
// transaction reclaims the late completion instead of mistaking it for its
// own.
func (d *Device) transact(q *ioQueue, req []byte, respSize int, want gpuwire.CtrlType) ([]byte, error) {
	reqSlice, err := q.request.Slice(0, len(req))
	if err != nil {
		return nil, err
	}
	respSlice, err := q.response.Slice(0, respSize)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	// Drain completions for previously abandoned chains before reusing the
	// scratch streams, so their descriptors return to the free list.
	for q.vq.CanPop() {
		if err := d.reclaimAbandoned(q); err != nil {
			return nil, err
		}
	}

	if err := reqSlice.Write(0, req); err != nil {
		return nil, err
	}
	if err := reqSlice.Sync(); err != nil {
		return nil, err
	}
	// A stale response must never be mistaken for a fresh one.
	if err := respSlice.Zero(); err != nil {
		return nil, err
	}

	head, err := q.vq.AddBuffers([]dma.Slice{reqSlice}, []dma.Slice{respSlice})
	if err != nil {
		return nil, fmt.Errorf("gpusvc: submit on queue %d failed: %w", q.vq.Index(), err)
	}
	if q.vq.ShouldNotify() {
		q.vq.Notify()
	}
	deadline := time.Now().Add(d.options.completionTimeout)
	for {
		if q.vq.CanPop() {
			id, err := q.vq.PopUsed()
			if err != nil {
				return nil, fmt.Errorf("gpusvc: completion on queue %d failed: %w", q.vq.Index(), err)
			}
			if id == head {
				break
			}
			if _, ok := q.abandoned[id]; !ok {
				return nil, fmt.Errorf("gpusvc: queue %d completed unsubmitted chain %d", q.vq.Index(), id)
			}
			delete(q.abandoned, id)
			d.log.Debug("reclaimed abandoned chain",
				zap.Uint16("queue", q.vq.Index()), zap.Uint16("head", id))
			continue
		}
		if time.Now().After(deadline) {
			q.abandoned[head] = struct{}{}
			d.timeouts.Inc()
			d.log.Warn("transaction timed out, chain abandoned",
				zap.Uint16("queue", q.vq.Index()), zap.Uint16("head", head))
			return nil, ErrTimeout
		}
		runtime.Gosched()
	}

	if err := respSlice.Sync(); err != nil {
		return nil, err
	}
	buf := make([]byte, respSize)
	if err := respSlice.Read(0, buf); err != nil {
		return nil, err
	}
	d.transactions.Inc()

	hdr := gpuwire.DecodeCtrlHeader(buf)
	if hdr.Type != want {
		d.protocolErrors.Inc()
		return nil, &ProtocolError{Got: hdr.Type, Want: want}
	}
	return buf, nil
}

// reclaimAbandoned pops one pending used entry, which must belong to a
// chain abandoned by an earlier timeout. Called with the queue lock held.
func (d *Device) reclaimAbandoned(q *ioQueue) error {
	id, err := q.vq.PopUsed()
	if err != nil {
		return fmt.Errorf("gpusvc: completion on queue %d failed: %w", q.vq.Index(), err)
	}
	if _, ok := q.abandoned[id]; !ok {
		return fmt.Errorf("gpusvc: queue %d completed unsubmitted chain %d", q.vq.Index(), id)
	}
	delete(q.abandoned, id)
	d.log.Debug("reclaimed abandoned chain",
		zap.Uint16("queue", q.vq.Index()), zap.Uint16("head", id))
	return nil
}
