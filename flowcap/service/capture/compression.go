package capture

import (
	"bytes"
	"errors"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const (
	encodingGzip    = "gzip"
	encodingDeflate = "deflate"
	encodingZstd    = "zstd"
)

// NormalizeEncoding normalizes a Content-Encoding value and reports whether it
// names a single supported encoding. Stacked encodings ("gzip, br") are not
// supported since they cannot be partially decoded.
func NormalizeEncoding(encoding string) (string, bool) {
	encoding = strings.TrimSpace(strings.ToLower(encoding))
	if strings.Contains(encoding, ",") {
		return "", false
	}

	switch encoding {
	case encodingGzip, "x-gzip":
		return encodingGzip, true
	case encodingDeflate:
		return encodingDeflate, true
	case encodingZstd:
		return encodingZstd, true
	default:
		return encoding, false
	}
}

// errDecompressLimit stops a decoder once its output passes the capture limit.
var errDecompressLimit = errors.New("decompressed body exceeds capture limit")

// Decompress decodes data per its Content-Encoding, producing at most limit
// bytes (limit <= 0 means unbounded). decoded reports whether data was
// decoded; on unsupported encodings or corrupt input the original bytes are
// returned. overLimit reports that the decoded form exceeds limit, in which
// case the original bytes are returned as well.
func Decompress(data []byte, encoding string, limit int64) (out []byte, decoded, overLimit bool) {
	normalized, supported := NormalizeEncoding(encoding)
	if !supported || len(data) == 0 {
		return data, false, false
	}

	var err error
	switch normalized {
	case encodingGzip:
		out, err = decompressGzip(data, limit)
	case encodingDeflate:
		// raw DEFLATE or zlib-wrapped, servers send both
		if out, err = decompressRawDeflate(data, limit); err != nil && !errors.Is(err, errDecompressLimit) {
			out, err = decompressZlib(data, limit)
		}
	case encodingZstd:
		out, err = decompressZstd(data, limit)
	}
	if errors.Is(err, errDecompressLimit) {
		return data, false, true
	} else if err != nil {
		return data, false, false
	}
	return out, true, false
}

func readLimited(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	out, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, err
	} else if int64(len(out)) > limit {
		return nil, errDecompressLimit
	}
	return out, nil
}

func decompressGzip(data []byte, limit int64) ([]byte, error) {
	gr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = gr.Close() }()
	return readLimited(gr, limit)
}

func decompressRawDeflate(data []byte, limit int64) ([]byte, error) {
	fr := flate.NewReader(bytes.NewReader(data))
	defer func() { _ = fr.Close() }()
	return readLimited(fr, limit)
}

func decompressZlib(data []byte, limit int64) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = zr.Close() }()
	return readLimited(zr, limit)
}

func decompressZstd(data []byte, limit int64) ([]byte, error) {
	zr, err := zstd.NewReader(bytes.NewReader(data), zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return readLimited(zr, limit)
}
