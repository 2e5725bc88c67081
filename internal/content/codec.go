package content

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"
)

// 对象头：kind(1) + codec(1)，差量对象额外带 base哈希(64) + 链深度(1)
const (
	kindFull  byte = 'F'
	kindDelta byte = 'D'

	codecNone     byte = 'n'
	codecXZ       byte = 'x'
	codecZstd     byte = 'z'
	codecZstdFast byte = 'f'

	hashLen         = 64
	fullHeaderSize  = 2
	deltaHeaderSize = 2 + hashLen + 1
)

var (
	encOnce    sync.Once
	encDefault *zstd.Encoder
	encFastest *zstd.Encoder
	decoder    *zstd.Decoder
	encInitErr error
)

func initZstd() error {
	encOnce.Do(func() {
		encDefault, encInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if encInitErr != nil {
			return
		}
		encFastest, encInitErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
		if encInitErr != nil {
			return
		}
		decoder, encInitErr = zstd.NewReader(nil)
	})
	return encInitErr
}

func compress(codec byte, data []byte) ([]byte, error) {
	switch codec {
	case codecNone:
		return data, nil
	case codecXZ:
		var buf bytes.Buffer
		w, err := xz.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	case codecZstd, codecZstdFast:
		if err := initZstd(); err != nil {
			return nil, err
		}
		if codec == codecZstdFast {
			return encFastest.EncodeAll(data, nil), nil
		}
		return encDefault.EncodeAll(data, nil), nil
	}
	return nil, fmt.Errorf("unknown codec %q", codec)
}

func decompress(codec byte, data []byte) ([]byte, error) {
	switch codec {
	case codecNone:
		return data, nil
	case codecXZ:
		r, err := xz.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, err
		}
		return io.ReadAll(r)
	case codecZstd, codecZstdFast:
		if err := initZstd(); err != nil {
			return nil, err
		}
		return decoder.DecodeAll(data, nil)
	}
	return nil, fmt.Errorf("unknown codec %q", codec)
}

// object 解码后的对象
type object struct {
	kind    byte
	codec   byte
	base    string // 仅差量对象
	depth   int    // 完整对象为0
	payload []byte // 已解压
}

func encodeFull(codec byte, raw []byte) ([]byte, error) {
	payload, err := compress(codec, raw)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, fullHeaderSize+len(payload))
	out = append(out, kindFull, codec)
	return append(out, payload...), nil
}

func encodeDelta(codec byte, base string, depth int, raw []byte) ([]byte, error) {
	if len(base) != hashLen {
		return nil, fmt.Errorf("invalid base hash %q", base)
	}
	if depth < 1 || depth > 255 {
		return nil, fmt.Errorf("delta depth %d out of range", depth)
	}
	payload, err := compress(codec, raw)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, deltaHeaderSize+len(payload))
	out = append(out, kindDelta, codec)
	out = append(out, base...)
	out = append(out, byte(depth))
	return append(out, payload...), nil
}

// decodeHeader 只解析对象头，不解压负载
func decodeHeader(data []byte) (*object, []byte, error) {
	if len(data) < fullHeaderSize {
		return nil, nil, fmt.Errorf("object too short")
	}
	obj := &object{kind: data[0], codec: data[1]}
	switch obj.kind {
	case kindFull:
		return obj, data[fullHeaderSize:], nil
	case kindDelta:
		if len(data) < deltaHeaderSize {
			return nil, nil, fmt.Errorf("delta object too short")
		}
		obj.base = string(data[2 : 2+hashLen])
		obj.depth = int(data[2+hashLen])
		return obj, data[deltaHeaderSize:], nil
	}
	return nil, nil, fmt.Errorf("unknown object kind %q", obj.kind)
}

func decodeObject(data []byte) (*object, error) {
	obj, payload, err := decodeHeader(data)
	if err != nil {
		return nil, err
	}
	obj.payload, err = decompress(obj.codec, payload)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress object: %w", err)
	}
	return obj, nil
}
