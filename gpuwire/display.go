package gpuwire

import "encoding/binary"

// RectSize is the wire size of Rect.
const RectSize = 16

// Rect is a display rectangle in pixels.
type Rect struct {
	X      uint32
	Y      uint32
	Width  uint32
	Height uint32
}

func (r *Rect) Encode(p []byte) {
	putUint32s(p, r.X, r.Y, r.Width, r.Height)
}

func DecodeRect(p []byte) Rect {
	var r Rect
	getUint32s(p, &r.X, &r.Y, &r.Width, &r.Height)
	return r
}

// DisplayOneSize is the wire size of DisplayOne.
const DisplayOneSize = RectSize + 8

// DisplayOne describes one scanout: its geometry and whether it is enabled.
type DisplayOne struct {
	R       Rect
	Enabled uint32
	Flags   uint32
}

func (d *DisplayOne) Encode(p []byte) {
	d.R.Encode(p[0:RectSize])
	binary.LittleEndian.PutUint32(p[16:20], d.Enabled)
	binary.LittleEndian.PutUint32(p[20:24], d.Flags)
}

func DecodeDisplayOne(p []byte) DisplayOne {
	return DisplayOne{
		R:       DecodeRect(p[0:RectSize]),
		Enabled: binary.LittleEndian.Uint32(p[16:20]),
		Flags:   binary.LittleEndian.Uint32(p[20:24]),
	}
}

// RespDisplayInfoSize is the wire size of RespDisplayInfo.
const RespDisplayInfoSize = CtrlHeaderSize + MaxScanouts*DisplayOneSize

// RespDisplayInfo is the response to CMD_GET_DISPLAY_INFO. Valid only when
// the header type is RESP_OK_DISPLAY_INFO.
type RespDisplayInfo struct {
	Hdr    CtrlHeader
	PModes [MaxScanouts]DisplayOne
}

func (r *RespDisplayInfo) Encode(p []byte) {
	r.Hdr.Encode(p[0:CtrlHeaderSize])
	off := CtrlHeaderSize
	for i := range r.PModes {
		r.PModes[i].Encode(p[off : off+DisplayOneSize])
		off += DisplayOneSize
	}
}

func DecodeRespDisplayInfo(p []byte) RespDisplayInfo {
	r := RespDisplayInfo{Hdr: DecodeCtrlHeader(p[0:CtrlHeaderSize])}
	off := CtrlHeaderSize
	for i := range r.PModes {
		r.PModes[i] = DecodeDisplayOne(p[off : off+DisplayOneSize])
		off += DisplayOneSize
	}
	return r
}

// GetEDIDSize is the wire size of GetEDID.
const GetEDIDSize = CtrlHeaderSize + 8

// GetEDID requests the EDID blob of one scanout. Only valid when the EDID
// feature has been negotiated.
type GetEDID struct {
	Hdr     CtrlHeader
	Scanout uint32
	Padding uint32
}

// NewGetEDID returns a CMD_GET_EDID request for the given scanout.
func NewGetEDID(scanout uint32) GetEDID {
	return GetEDID{
		Hdr:     NewCtrlHeader(CmdGetEDID),
		Scanout: scanout,
	}
}

func (g *GetEDID) Encode(p []byte) {
	g.Hdr.Encode(p[0:CtrlHeaderSize])
	binary.LittleEndian.PutUint32(p[24:28], g.Scanout)
	binary.LittleEndian.PutUint32(p[28:32], 0)
}

func DecodeGetEDID(p []byte) GetEDID {
	return GetEDID{
		Hdr:     DecodeCtrlHeader(p[0:CtrlHeaderSize]),
		Scanout: binary.LittleEndian.Uint32(p[24:28]),
	}
}

// EDIDBlobSize is the fixed capacity of the EDID payload on the wire.
const EDIDBlobSize = 1024

// RespEDIDSize is the wire size of RespEDID.
const RespEDIDSize = CtrlHeaderSize + 8 + EDIDBlobSize

// RespEDID is the response to CMD_GET_EDID. Size gives the number of valid
// bytes in EDID.
type RespEDID struct {
	Hdr     CtrlHeader
	Size    uint32
	Padding uint32
	EDID    [EDIDBlobSize]byte
}

func (r *RespEDID) Encode(p []byte) {
	r.Hdr.Encode(p[0:CtrlHeaderSize])
	binary.LittleEndian.PutUint32(p[24:28], r.Size)
	binary.LittleEndian.PutUint32(p[28:32], 0)
	copy(p[32:32+EDIDBlobSize], r.EDID[:])
}

func DecodeRespEDID(p []byte) RespEDID {
	r := RespEDID{
		Hdr:  DecodeCtrlHeader(p[0:CtrlHeaderSize]),
		Size: binary.LittleEndian.Uint32(p[24:28]),
	}
	copy(r.EDID[:], p[32:32+EDIDBlobSize])
	return r
}
