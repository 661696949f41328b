package local

import (
	"bufio"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"strings"
)

// Block-count extraction reads the transformer layer count from a GGUF model
// file. Three strategies, in order: structured metadata keys, a raw scan of
// the file prefix for length-prefixed key records, and inference from the
// largest layer number embedded in tensor names.

var blockCountKeys = []string{
	"llama.block_count",
	"llama.layer_count",
	"llama.n_layer",
	"qwen.block_count",
	"qwen2.block_count",
	"block_count",
}

// ggufScanBytes bounds the raw prefix scan; GGUF metadata lives at the head
// of the file.
const ggufScanBytes = 8 * 1024 * 1024

// GGUF metadata value types.
const (
	ggufTypeUint8   = 0
	ggufTypeInt8    = 1
	ggufTypeUint16  = 2
	ggufTypeInt16   = 3
	ggufTypeUint32  = 4
	ggufTypeInt32   = 5
	ggufTypeFloat32 = 6
	ggufTypeBool    = 7
	ggufTypeString  = 8
	ggufTypeArray   = 9
	ggufTypeUint64  = 10
	ggufTypeInt64   = 11
	ggufTypeFloat64 = 12
)

// ExtractBlockCount returns the model's transformer layer count, or ok=false
// when it cannot be determined.
func ExtractBlockCount(modelPath string) (int, bool) {
	if count, ok := extractBlockCountStructured(modelPath); ok {
		return count, true
	}
	if count, ok := scanPrefixForBlockCount(modelPath); ok {
		return count, true
	}
	if meta, err := parseGGUF(modelPath); err == nil {
		if count, ok := inferBlockCountFromTensors(meta.tensorNames); ok {
			return count, true
		}
	}
	return 0, false
}

type ggufMetadata struct {
	values      map[string]int64
	tensorNames []string
}

// extractBlockCountStructured parses the GGUF header and reads the block
// count from the known metadata keys.
func extractBlockCountStructured(modelPath string) (int, bool) {
	meta, err := parseGGUF(modelPath)
	if err != nil {
		return 0, false
	}

	for _, key := range blockCountKeys {
		if value, ok := meta.values[key]; ok && value > 0 {
			return int(value), true
		}
	}
	return 0, false
}

// parseGGUF reads the GGUF header, metadata key/value section, and tensor
// info section. Integer metadata values are collected; everything else is
// skipped by type.
func parseGGUF(modelPath string) (*ggufMetadata, error) {
	f, err := os.Open(modelPath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := bufio.NewReaderSize(f, 1<<20)

	var magic [4]byte
	if _, err := io.ReadFull(r, magic[:]); err != nil {
		return nil, err
	}
	if string(magic[:]) != "GGUF" {
		return nil, errors.New("not a GGUF file")
	}

	var version uint32
	if err := binary.Read(r, binary.LittleEndian, &version); err != nil {
		return nil, err
	}
	if version < 2 {
		return nil, errors.New("unsupported GGUF version")
	}

	var tensorCount, kvCount uint64
	if err := binary.Read(r, binary.LittleEndian, &tensorCount); err != nil {
		return nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &kvCount); err != nil {
		return nil, err
	}
	if tensorCount > 1<<20 || kvCount > 1<<20 {
		return nil, errors.New("implausible GGUF header counts")
	}

	meta := &ggufMetadata{values: make(map[string]int64)}

	for i := uint64(0); i < kvCount; i++ {
		key, err := readGGUFString(r)
		if err != nil {
			return nil, err
		}
		var valueType uint32
		if err := binary.Read(r, binary.LittleEndian, &valueType); err != nil {
			return nil, err
		}
		value, ok, err := readGGUFValue(r, valueType)
		if err != nil {
			return nil, err
		}
		if ok {
			meta.values[key] = value
		}
	}

	for i := uint64(0); i < tensorCount; i++ {
		name, err := readGGUFString(r)
		if err != nil {
			// Tensor infos are best-effort; the kv section already parsed.
			return meta, nil
		}
		meta.tensorNames = append(meta.tensorNames, name)

		var nDims uint32
		if err := binary.Read(r, binary.LittleEndian, &nDims); err != nil {
			return meta, nil
		}
		if nDims > 8 {
			return meta, nil
		}
		if _, err := io.CopyN(io.Discard, r, int64(nDims)*8); err != nil {
			return meta, nil
		}
		// tensor type (u32) + data offset (u64)
		if _, err := io.CopyN(io.Discard, r, 12); err != nil {
			return meta, nil
		}
	}

	return meta, nil
}

func readGGUFString(r io.Reader) (string, error) {
	var length uint64
	if err := binary.Read(r, binary.LittleEndian, &length); err != nil {
		return "", err
	}
	if length > 1<<20 {
		return "", errors.New("implausible GGUF string length")
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// readGGUFValue consumes one metadata value. Integer values are returned
// with ok=true; other types are skipped.
func readGGUFValue(r io.Reader, valueType uint32) (int64, bool, error) {
	switch valueType {
	case ggufTypeUint8, ggufTypeInt8, ggufTypeBool:
		var v uint8
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, err
		}
		if valueType == ggufTypeBool {
			return 0, false, nil
		}
		return int64(v), true, nil
	case ggufTypeUint16, ggufTypeInt16:
		var v uint16
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, err
		}
		if valueType == ggufTypeInt16 {
			return int64(int16(v)), true, nil
		}
		return int64(v), true, nil
	case ggufTypeUint32, ggufTypeInt32:
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, err
		}
		if valueType == ggufTypeInt32 {
			return int64(int32(v)), true, nil
		}
		return int64(v), true, nil
	case ggufTypeFloat32:
		var v uint32
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	case ggufTypeString:
		if _, err := readGGUFString(r); err != nil {
			return 0, false, err
		}
		return 0, false, nil
	case ggufTypeArray:
		var elemType uint32
		if err := binary.Read(r, binary.LittleEndian, &elemType); err != nil {
			return 0, false, err
		}
		var count uint64
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return 0, false, err
		}
		if count > 1<<28 {
			return 0, false, errors.New("implausible GGUF array length")
		}
		for i := uint64(0); i < count; i++ {
			if _, _, err := readGGUFValue(r, elemType); err != nil {
				return 0, false, err
			}
		}
		return 0, false, nil
	case ggufTypeUint64, ggufTypeInt64, ggufTypeFloat64:
		var v uint64
		if err := binary.Read(r, binary.LittleEndian, &v); err != nil {
			return 0, false, err
		}
		if valueType == ggufTypeFloat64 {
			return 0, false, nil
		}
		if valueType == ggufTypeInt64 {
			return int64(v), true, nil
		}
		return int64(v), true, nil
	default:
		return 0, false, errors.New("unknown GGUF value type")
	}
}

// inferBlockCountFromTensors takes the largest decimal number appearing in
// any tensor name and adds one (layer indices are zero-based).
func inferBlockCountFromTensors(names []string) (int, bool) {
	maxLayer := -1
	for _, name := range names {
		current := -1
		for i := 0; i < len(name); i++ {
			if name[i] < '0' || name[i] > '9' {
				continue
			}
			value := 0
			for i < len(name) && name[i] >= '0' && name[i] <= '9' {
				value = value*10 + int(name[i]-'0')
				i++
			}
			if value > current {
				current = value
			}
		}
		if current > maxLayer {
			maxLayer = current
		}
	}
	if maxLayer >= 0 {
		return maxLayer + 1, true
	}
	return 0, false
}

// scanPrefixForBlockCount searches the first 8 MiB of the file for the known
// keys laid out as GGUF records: a little-endian u64 length prefix, the key
// bytes, a u32 type tag, and the numeric value.
func scanPrefixForBlockCount(modelPath string) (int, bool) {
	f, err := os.Open(modelPath)
	if err != nil {
		return 0, false
	}
	defer f.Close()

	buf := make([]byte, ggufScanBytes)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return 0, false
	}
	if n == 0 {
		return 0, false
	}
	data := buf[:n]
	text := string(data)

	for _, key := range blockCountKeys {
		pos := strings.Index(text, key)
		for pos >= 0 {
			if value, ok := parseBlockCountEntry(data, pos, key); ok {
				return value, true
			}
			next := strings.Index(text[pos+1:], key)
			if next < 0 {
				break
			}
			pos += 1 + next
		}
	}
	return 0, false
}

func parseBlockCountEntry(data []byte, keyPos int, key string) (int, bool) {
	if keyPos < 8 {
		return 0, false
	}
	declaredLen := binary.LittleEndian.Uint64(data[keyPos-8:])
	if declaredLen != uint64(len(key)) {
		return 0, false
	}

	typeOffset := keyPos + len(key)
	if typeOffset+4 > len(data) {
		return 0, false
	}
	valueType := binary.LittleEndian.Uint32(data[typeOffset:])
	valueOffset := typeOffset + 4
	if valueOffset >= len(data) {
		return 0, false
	}

	available := len(data) - valueOffset
	switch valueType {
	case ggufTypeUint32, ggufTypeInt32:
		if available >= 4 {
			return int(int32(binary.LittleEndian.Uint32(data[valueOffset:]))), true
		}
	case ggufTypeUint64, ggufTypeInt64:
		if available >= 8 {
			return int(int64(binary.LittleEndian.Uint64(data[valueOffset:]))), true
		}
	}
	return 0, false
}
