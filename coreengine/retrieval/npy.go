package retrieval

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
)

var npyMagic = []byte("\x93NUMPY")

// Bounds on header-declared sizes, so a corrupt file fails instead of
// allocating without limit.
const (
	maxNPYHeader = 1 << 16
	maxNPYRows   = 1 << 24
	maxNPYCols   = 1 << 16
)

var (
	descrRe   = regexp.MustCompile(`'descr'\s*:\s*'([^']+)'`)
	fortranRe = regexp.MustCompile(`'fortran_order'\s*:\s*(True|False)`)
	shapeRe   = regexp.MustCompile(`'shape'\s*:\s*\(([^)]*)\)`)
)

// ReadNPY decodes a two-dimensional little-endian float32 or float64 .npy matrix
// into rows of float32.
func ReadNPY(r io.Reader) ([][]float32, error) {
	pre := make([]byte, 8)
	if _, err := io.ReadFull(r, pre); err != nil {
		return nil, fmt.Errorf("npy: read preamble: %w", err)
	}
	if !bytes.Equal(pre[:6], npyMagic) {
		return nil, errors.New("npy: bad magic")
	}

	var headerLen int
	switch pre[6] {
	case 1:
		var n uint16
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(n)
	case 2, 3:
		var n uint32
		if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
			return nil, fmt.Errorf("npy: read header length: %w", err)
		}
		headerLen = int(n)
	default:
		return nil, fmt.Errorf("npy: unsupported version %d.%d", pre[6], pre[7])
	}

	if headerLen > maxNPYHeader {
		return nil, fmt.Errorf("npy: header length %d exceeds %d", headerLen, maxNPYHeader)
	}
	header := make([]byte, headerLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("npy: read header: %w", err)
	}
	descr, rows, cols, err := parseNPYHeader(string(header))
	if err != nil {
		return nil, err
	}

	var width int
	switch descr {
	case "<f4":
		width = 4
	case "<f8":
		width = 8
	default:
		return nil, fmt.Errorf("npy: unsupported dtype %s", descr)
	}

	buf := make([]byte, cols*width)
	out := make([][]float32, 0, min(rows, 4096))
	for i := 0; i < rows; i++ {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, fmt.Errorf("npy: read row %d: %w", i, err)
		}
		row := make([]float32, cols)
		for j := 0; j < cols; j++ {
			if width == 4 {
				row[j] = math.Float32frombits(binary.LittleEndian.Uint32(buf[j*4:]))
			} else {
				row[j] = float32(math.Float64frombits(binary.LittleEndian.Uint64(buf[j*8:])))
			}
		}
		out = append(out, row)
	}
	return out, nil
}

func parseNPYHeader(h string) (descr string, rows, cols int, err error) {
	m := descrRe.FindStringSubmatch(h)
	if m == nil {
		return "", 0, 0, errors.New("npy: header has no descr")
	}
	descr = m[1]

	if f := fortranRe.FindStringSubmatch(h); f != nil && f[1] == "True" {
		return "", 0, 0, errors.New("npy: fortran order is not supported")
	}

	s := shapeRe.FindStringSubmatch(h)
	if s == nil {
		return "", 0, 0, errors.New("npy: header has no shape")
	}
	var dims []int
	for _, part := range strings.Split(s[1], ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, convErr := strconv.Atoi(part)
		if convErr != nil {
			return "", 0, 0, fmt.Errorf("npy: bad shape %q", s[1])
		}
		dims = append(dims, n)
	}
	if len(dims) != 2 {
		return "", 0, 0, fmt.Errorf("npy: want a 2-d matrix, got shape (%s)", s[1])
	}
	if dims[0] < 0 || dims[1] < 0 || dims[0] > maxNPYRows || dims[1] > maxNPYCols {
		return "", 0, 0, fmt.Errorf("npy: shape (%s) is out of range", s[1])
	}
	return descr, dims[0], dims[1], nil
}
