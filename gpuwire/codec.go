package gpuwire

import "encoding/binary"

func putUint32s(p []byte, vals ...uint32) {
	for i, v := range vals {
		binary.LittleEndian.PutUint32(p[i*4:], v)
	}
}

func getUint32s(p []byte, vals ...*uint32) {
	for i, v := range vals {
		*v = binary.LittleEndian.Uint32(p[i*4:])
	}
}
