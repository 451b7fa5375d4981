// Package compression provides streaming request-body encoders for the
// collector transports and decoders for the receiver.
package compression

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Type represents a compression algorithm.
type Type string

const (
	TypeNone    Type = "none"
	TypeGzip    Type = "gzip"
	TypeZstd    Type = "zstd"
	TypeZlib    Type = "zlib"
	TypeDeflate Type = "deflate"
	TypeLZ4     Type = "lz4"
)

// Level is an algorithm-specific compression level; 0 means the default.
// For lz4, 1-9 map to lz4.Level1..Level9.
type Level int

// Config holds compression configuration.
type Config struct {
	Type  Type
	Level Level
}

// ParseType parses a compression type string.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return TypeNone, nil
	case "gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	case "zlib":
		return TypeZlib, nil
	case "deflate":
		return TypeDeflate, nil
	case "lz4":
		return TypeLZ4, nil
	default:
		return TypeNone, fmt.Errorf("unsupported compression type: %s", s)
	}
}

// ContentEncoding returns the HTTP Content-Encoding header value, empty for none.
func (t Type) ContentEncoding() string {
	switch t {
	case TypeGzip, TypeZstd, TypeZlib, TypeDeflate, TypeLZ4:
		return string(t)
	default:
		return ""
	}
}

// ParseContentEncoding maps an HTTP Content-Encoding header value to a Type.
func ParseContentEncoding(encoding string) (Type, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "", "identity":
		return TypeNone, nil
	case "gzip", "x-gzip":
		return TypeGzip, nil
	case "zstd":
		return TypeZstd, nil
	case "zlib":
		return TypeZlib, nil
	case "deflate":
		return TypeDeflate, nil
	case "lz4":
		return TypeLZ4, nil
	default:
		return TypeNone, fmt.Errorf("unsupported content encoding: %s", encoding)
	}
}

// zstd encoders are expensive to build; keep them per level.
var zstdPools sync.Map // zstd.EncoderLevel -> *sync.Pool

func zstdLevel(l Level) zstd.EncoderLevel {
	if l <= 0 {
		return zstd.SpeedDefault
	}
	return zstd.EncoderLevelFromZstd(int(l))
}

// lz4Level maps 1-9 onto lz4's high compression levels; 0 and below keep
// the fast block compressor and anything above 9 is clamped.
func lz4Level(l Level) lz4.CompressionLevel {
	switch {
	case l <= 0:
		return lz4.Fast
	case l >= 9:
		return lz4.Level9
	}
	return [...]lz4.CompressionLevel{
		lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4,
		lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8,
	}[l-1]
}

func getZstd(w io.Writer, level zstd.EncoderLevel) (*zstd.Encoder, error) {
	p, _ := zstdPools.LoadOrStore(level, &sync.Pool{})
	poolGets.Add(1)
	if enc, ok := p.(*sync.Pool).Get().(*zstd.Encoder); ok {
		enc.Reset(w)
		return enc, nil
	}
	poolNews.Add(1)
	return zstd.NewWriter(w, zstd.WithEncoderLevel(level), zstd.WithEncoderConcurrency(1))
}

type pooledZstd struct {
	*zstd.Encoder
	level zstd.EncoderLevel
	once  sync.Once
}

func (z *pooledZstd) Close() error {
	err := z.Encoder.Close()
	z.once.Do(func() {
		if err != nil {
			poolDiscards.Add(1)
			return
		}
		p, _ := zstdPools.Load(z.level)
		z.Encoder.Reset(nil)
		p.(*sync.Pool).Put(z.Encoder)
		poolPuts.Add(1)
	})
	return err
}

type nopCloser struct{ io.Writer }

func (nopCloser) Close() error { return nil }

// NewWriter wraps w in a streaming encoder. Close flushes the encoder but
// never closes w.
func NewWriter(w io.Writer, cfg Config) (io.WriteCloser, error) {
	switch cfg.Type {
	case TypeNone, "":
		return nopCloser{w}, nil
	case TypeGzip:
		level := gzip.DefaultCompression
		if cfg.Level != 0 {
			level = int(cfg.Level)
		}
		return gzip.NewWriterLevel(w, level)
	case TypeZlib:
		level := zlib.DefaultCompression
		if cfg.Level != 0 {
			level = int(cfg.Level)
		}
		return zlib.NewWriterLevel(w, level)
	case TypeDeflate:
		level := flate.DefaultCompression
		if cfg.Level != 0 {
			level = int(cfg.Level)
		}
		return flate.NewWriter(w, level)
	case TypeZstd:
		level := zstdLevel(cfg.Level)
		enc, err := getZstd(w, level)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		return &pooledZstd{Encoder: enc, level: level}, nil
	case TypeLZ4:
		lw := lz4.NewWriter(w)
		if err := lw.Apply(lz4.CompressionLevelOption(lz4Level(cfg.Level))); err != nil {
			return nil, fmt.Errorf("lz4 level: %w", err)
		}
		return lw, nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", cfg.Type)
	}
}

// Compress encodes data in one shot.
func Compress(data []byte, cfg Config) ([]byte, error) {
	if cfg.Type == TypeNone || cfg.Type == "" {
		return data, nil
	}
	var buf bytes.Buffer
	w, err := NewWriter(&buf, cfg)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("write %s data: %w", cfg.Type, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close %s encoder: %w", cfg.Type, err)
	}
	return buf.Bytes(), nil
}

// NewReader wraps r in a decoder for t.
func NewReader(r io.Reader, t Type) (io.ReadCloser, error) {
	switch t {
	case TypeNone, "":
		return io.NopCloser(r), nil
	case TypeGzip:
		return gzip.NewReader(r)
	case TypeZlib:
		return zlib.NewReader(r)
	case TypeDeflate:
		return flate.NewReader(r), nil
	case TypeZstd:
		dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, err
		}
		return dec.IOReadCloser(), nil
	case TypeLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	default:
		return nil, fmt.Errorf("unsupported compression type: %s", t)
	}
}

// Decompress decodes data, reading at most limit bytes of output
// (limit <= 0 means unbounded).
func Decompress(data []byte, t Type, limit int64) ([]byte, error) {
	if t == TypeNone || t == "" {
		return data, nil
	}
	rc, err := NewReader(bytes.NewReader(data), t)
	if err != nil {
		return nil, fmt.Errorf("create %s decoder: %w", t, err)
	}
	defer rc.Close()

	var src io.Reader = rc
	if limit > 0 {
		src = io.LimitReader(rc, limit+1)
	}
	out, err := io.ReadAll(src)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", t, err)
	}
	if limit > 0 && int64(len(out)) > limit {
		return nil, ErrTooLarge
	}
	return out, nil
}

// ErrTooLarge is returned when decoded data exceeds the caller's limit.
var ErrTooLarge = errors.New("decompressed body exceeds limit")
