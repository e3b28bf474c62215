// Package gputransport declares the virtio transport surface the GPU driver
// consumes: device configuration, feature bits, queue registration and
// doorbells, and interrupt callback registration.
package gputransport

import (
	"github.com/virtkit/virtgpu/gpuwire"
	"github.com/virtkit/virtgpu/pkg/dma"
	"github.com/virtkit/virtgpu/pkg/virtq"
)

// Transport is the device side of the driver. Implementations are a real
// virtio transport (PCI, MMIO) or an in-process device model.
type Transport interface {
	virtq.Transport

	// Memory returns the device-visible memory the transport maps.
	Memory() *dma.Arena

	// ReadConfig reads the device configuration space.
	ReadConfig() (gpuwire.DeviceConfig, error)

	// DeviceFeatures returns the feature bits the device advertises.
	DeviceFeatures() uint64

	// RegisterQueueCallback installs fn as the completion interrupt handler
	// for queue index. Must be called before FinishInit.
	RegisterQueueCallback(index uint16, fn func())

	// RegisterConfigCallback installs fn as the configuration-change
	// interrupt handler. Must be called before FinishInit.
	RegisterConfigCallback(fn func())

	// FinishInit tells the device the driver is ready.
	FinishInit()
}
