package gpuwire

import "encoding/binary"

// CursorPosSize is the wire size of CursorPos.
const CursorPosSize = 16

// CursorPos is a cursor position on one scanout.
type CursorPos struct {
	ScanoutID uint32
	X         uint32
	Y         uint32
	Padding   uint32
}

func (c *CursorPos) Encode(p []byte) {
	putUint32s(p, c.ScanoutID, c.X, c.Y, 0)
}

func DecodeCursorPos(p []byte) CursorPos {
	var c CursorPos
	getUint32s(p, &c.ScanoutID, &c.X, &c.Y, &c.Padding)
	return c
}

// UpdateCursorSize is the wire size of UpdateCursor.
const UpdateCursorSize = CtrlHeaderSize + CursorPosSize + 16

// UpdateCursor is the request body shared by CMD_UPDATE_CURSOR and
// CMD_MOVE_CURSOR. The two commands use the same physical layout and differ
// only in the header type and which fields are zeroed; the constructors
// below are the single place that enforces the zeroing discipline.
type UpdateCursor struct {
	Hdr        CtrlHeader
	Pos        CursorPos
	ResourceID uint32
	HotX       uint32
	HotY       uint32
	Padding    uint32
}

// NewUpdateCursor returns a CMD_UPDATE_CURSOR request attaching the cursor
// image identified by resourceID and placing it at pos. Hotspot fields are
// zero.
func NewUpdateCursor(pos CursorPos, resourceID, padding uint32) UpdateCursor {
	return UpdateCursor{
		Hdr:        NewCtrlHeader(CmdUpdateCursor),
		Pos:        pos,
		ResourceID: resourceID,
		Padding:    padding,
	}
}

// NewMoveCursor returns a CMD_MOVE_CURSOR request moving the already
// attached cursor. Position and resource are zero.
func NewMoveCursor(hotX, hotY, padding uint32) UpdateCursor {
	return UpdateCursor{
		Hdr:     NewCtrlHeader(CmdMoveCursor),
		HotX:    hotX,
		HotY:    hotY,
		Padding: padding,
	}
}

func (u *UpdateCursor) Encode(p []byte) {
	u.Hdr.Encode(p[0:CtrlHeaderSize])
	u.Pos.Encode(p[24:40])
	binary.LittleEndian.PutUint32(p[40:44], u.ResourceID)
	binary.LittleEndian.PutUint32(p[44:48], u.HotX)
	binary.LittleEndian.PutUint32(p[48:52], u.HotY)
	binary.LittleEndian.PutUint32(p[52:56], u.Padding)
}

func DecodeUpdateCursor(p []byte) UpdateCursor {
	return UpdateCursor{
		Hdr:        DecodeCtrlHeader(p[0:CtrlHeaderSize]),
		Pos:        DecodeCursorPos(p[24:40]),
		ResourceID: binary.LittleEndian.Uint32(p[40:44]),
		HotX:       binary.LittleEndian.Uint32(p[44:48]),
		HotY:       binary.LittleEndian.Uint32(p[48:52]),
		Padding:    binary.LittleEndian.Uint32(p[52:56]),
	}
}

// RespNoDataSize is the wire size of RespNoData.
const RespNoDataSize = CtrlHeaderSize

// RespNoData is the generic header-only acknowledgment. Valid only when the
// header type is RESP_OK_NODATA.
type RespNoData struct {
	Hdr CtrlHeader
}

func (r *RespNoData) Encode(p []byte) {
	r.Hdr.Encode(p[0:CtrlHeaderSize])
}

func DecodeRespNoData(p []byte) RespNoData {
	return RespNoData{Hdr: DecodeCtrlHeader(p[0:CtrlHeaderSize])}
}
