// Package gpuwire defines the fixed-layout virtio-gpu protocol messages
// exchanged with the device over the control and cursor queues. All
// multi-byte fields are little-endian and every message is encoded at its
// declared wire size, independent of Go struct layout.
package gpuwire

import (
	"encoding/binary"
	"fmt"
)

// CtrlType is the numeric command/response code in a message header.
type CtrlType uint32

// 2D commands (control queue).
const (
	CmdGetDisplayInfo CtrlType = 0x0100 + iota
	CmdResourceCreate2D
	CmdResourceUnref
	CmdSetScanout
	CmdResourceFlush
	CmdTransferToHost2D
	CmdResourceAttachBacking
	CmdResourceDetachBacking
	CmdGetCapsetInfo
	CmdGetCapset
	CmdGetEDID
)

// Cursor commands (cursor queue).
const (
	CmdUpdateCursor CtrlType = 0x0300 + iota
	CmdMoveCursor
)

// Success responses.
const (
	RespOKNoData CtrlType = 0x1100 + iota
	RespOKDisplayInfo
	RespOKCapsetInfo
	RespOKCapset
	RespOKEDID
)

// Error responses.
const (
	RespErrUnspec CtrlType = 0x1200 + iota
	RespErrOutOfMemory
	RespErrInvalidScanoutID
	RespErrInvalidResourceID
	RespErrInvalidContextID
	RespErrInvalidParameter
)

func (t CtrlType) String() string {
	switch t {
	case CmdGetDisplayInfo:
		return "CMD_GET_DISPLAY_INFO"
	case CmdGetEDID:
		return "CMD_GET_EDID"
	case CmdUpdateCursor:
		return "CMD_UPDATE_CURSOR"
	case CmdMoveCursor:
		return "CMD_MOVE_CURSOR"
	case RespOKNoData:
		return "RESP_OK_NODATA"
	case RespOKDisplayInfo:
		return "RESP_OK_DISPLAY_INFO"
	case RespOKEDID:
		return "RESP_OK_EDID"
	case RespErrUnspec:
		return "RESP_ERR_UNSPEC"
	case RespErrOutOfMemory:
		return "RESP_ERR_OUT_OF_MEMORY"
	case RespErrInvalidScanoutID:
		return "RESP_ERR_INVALID_SCANOUT_ID"
	case RespErrInvalidResourceID:
		return "RESP_ERR_INVALID_RESOURCE_ID"
	case RespErrInvalidContextID:
		return "RESP_ERR_INVALID_CONTEXT_ID"
	case RespErrInvalidParameter:
		return "RESP_ERR_INVALID_PARAMETER"
	default:
		return fmt.Sprintf("CtrlType(%#04x)", uint32(t))
	}
}

// CtrlHeaderSize is the wire size of CtrlHeader.
const CtrlHeaderSize = 24

// CtrlHeader is the common prefix of every request and response.
type CtrlHeader struct {
	Type    CtrlType
	Flags   uint32
	FenceID uint64
	CtxID   uint32
	RingIdx uint8
	Padding [3]uint8
}

// NewCtrlHeader returns a header for the given command with all other
// fields zeroed.
func NewCtrlHeader(t CtrlType) CtrlHeader {
	return CtrlHeader{Type: t}
}

func (h *CtrlHeader) Encode(p []byte) {
	binary.LittleEndian.PutUint32(p[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(p[4:8], h.Flags)
	binary.LittleEndian.PutUint64(p[8:16], h.FenceID)
	binary.LittleEndian.PutUint32(p[16:20], h.CtxID)
	p[20] = h.RingIdx
	p[21] = 0
	p[22] = 0
	p[23] = 0
}

func DecodeCtrlHeader(p []byte) CtrlHeader {
	return CtrlHeader{
		Type:    CtrlType(binary.LittleEndian.Uint32(p[0:4])),
		Flags:   binary.LittleEndian.Uint32(p[4:8]),
		FenceID: binary.LittleEndian.Uint64(p[8:16]),
		CtxID:   binary.LittleEndian.Uint32(p[16:20]),
		RingIdx: p[20],
	}
}
