package gpuwire

import (
	"bytes"
	"testing"
)

func TestWireSizes(t *testing.T) {
	tests := []struct {
		name string
		size int
		want int
	}{
		{"CtrlHeader", CtrlHeaderSize, 24},
		{"Rect", RectSize, 16},
		{"DisplayOne", DisplayOneSize, 24},
		{"RespDisplayInfo", RespDisplayInfoSize, 408},
		{"CursorPos", CursorPosSize, 16},
		{"UpdateCursor", UpdateCursorSize, 56},
		{"RespNoData", RespNoDataSize, 24},
		{"GetEDID", GetEDIDSize, 32},
		{"RespEDID", RespEDIDSize, 1056},
		{"DeviceConfig", DeviceConfigSize, 16},
	}
	for _, test := range tests {
		if test.size != test.want {
			t.Errorf("%s: wire size is %d, want %d", test.name, test.size, test.want)
		}
	}
}

func TestCtrlHeaderRoundTrip(t *testing.T) {
	h := CtrlHeader{
		Type:    CmdGetDisplayInfo,
		Flags:   0x1,
		FenceID: 0xdeadbeefcafe,
		CtxID:   7,
		RingIdx: 3,
	}
	p := make([]byte, CtrlHeaderSize)
	h.Encode(p)
	if got := DecodeCtrlHeader(p); got != h {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestCtrlHeaderPaddingZeroed(t *testing.T) {
	h := CtrlHeader{Type: CmdMoveCursor, Padding: [3]uint8{0xff, 0xff, 0xff}}
	p := make([]byte, CtrlHeaderSize)
	h.Encode(p)
	if !bytes.Equal(p[21:24], []byte{0, 0, 0}) {
		t.Errorf("padding bytes not zeroed on the wire: %v", p[21:24])
	}
}

func TestCursorPosRoundTrip(t *testing.T) {
	pos := CursorPos{ScanoutID: 2, X: 640, Y: 480}
	p := make([]byte, CursorPosSize)
	pos.Encode(p)
	if got := DecodeCursorPos(p); got != pos {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, pos)
	}
}

func TestUpdateCursorRoundTrip(t *testing.T) {
	req := NewUpdateCursor(CursorPos{ScanoutID: 1, X: 10, Y: 20}, 5, 0)
	p := make([]byte, UpdateCursorSize)
	req.Encode(p)
	if got := DecodeUpdateCursor(p); got != req {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, req)
	}
}

func TestRespNoDataRoundTrip(t *testing.T) {
	resp := RespNoData{Hdr: NewCtrlHeader(RespOKNoData)}
	p := make([]byte, RespNoDataSize)
	resp.Encode(p)
	if got := DecodeRespNoData(p); got != resp {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, resp)
	}
}

func TestRespDisplayInfoRoundTrip(t *testing.T) {
	resp := RespDisplayInfo{Hdr: NewCtrlHeader(RespOKDisplayInfo)}
	resp.PModes[0] = DisplayOne{R: Rect{Width: 1920, Height: 1080}, Enabled: 1}
	resp.PModes[15] = DisplayOne{R: Rect{X: 1920, Width: 1280, Height: 720}, Enabled: 1}
	p := make([]byte, RespDisplayInfoSize)
	resp.Encode(p)
	if got := DecodeRespDisplayInfo(p); got != resp {
		t.Errorf("round trip mismatch")
	}
}

func TestRespEDIDRoundTrip(t *testing.T) {
	resp := RespEDID{Hdr: NewCtrlHeader(RespOKEDID), Size: 128}
	copy(resp.EDID[:], []byte{0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x00})
	p := make([]byte, RespEDIDSize)
	resp.Encode(p)
	if got := DecodeRespEDID(p); got != resp {
		t.Errorf("round trip mismatch")
	}
}

func TestDeviceConfigRoundTrip(t *testing.T) {
	cfg := DeviceConfig{EventsRead: 1, NumScanouts: 4, NumCapsets: 2}
	p := make([]byte, DeviceConfigSize)
	cfg.Encode(p)
	if got := DecodeDeviceConfig(p); got != cfg {
		t.Errorf("round trip mismatch: got %+v, want %+v", got, cfg)
	}
}
