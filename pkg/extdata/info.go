// Package extdata reads and writes the external-data metadata of ONNX
// initializers: where a tensor's bytes live in a side file, and where the
// prepacked forms of that tensor were saved next to them.
package extdata

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	keyLocation = "location"
	keyOffset   = "offset"
	keyLength   = "length"
	keyChecksum = "checksum"

	// prepackedPrefix starts every attribute carrying prepacked blob records.
	prepackedPrefix = "prepacked"
)

// PrepackedInfo locates one saved buffer of a prepacked blob.
type PrepackedInfo struct {
	Offset   int64
	Length   int
	Checksum string
}

// PrepackedInfos maps a cache key to the buffers saved for it, in buffer
// order.
type PrepackedInfos map[string][]PrepackedInfo

// ExternalDataInfo is the parsed external-data attribute list of one tensor.
type ExternalDataInfo struct {
	relPath   string
	offset    int64
	length    int
	checksum  string
	prepacked PrepackedInfos
}

// Create parses entries in order. Recognized keys are location, offset,
// length and checksum (each with a non-empty value) and any key starting with
// "prepacked". Anything else is a format error, as is a missing location.
//
// A prepacked value has the form key|offset;length;checksum[|...]. Records that
// do not have exactly three fields are dropped; a three-field record whose
// offset or length does not parse fails the whole call.
func Create(entries []StringStringEntry) (*ExternalDataInfo, error) {
	out := &ExternalDataInfo{}
	infos := make(PrepackedInfos)

	for _, e := range entries {
		if e.Key == "" {
			return nil, fmt.Errorf("%w: need a key for the external data info", ErrFormat)
		}
		switch {
		case e.Key == keyLocation && e.Value != "":
			out.relPath = e.Value
		case e.Key == keyOffset && e.Value != "":
			v, err := parseInt(e.Value)
			if err != nil {
				return nil, err
			}
			out.offset = v
		case e.Key == keyLength && e.Value != "":
			v, err := parseLength(e.Value)
			if err != nil {
				return nil, err
			}
			out.length = v
		case e.Key == keyChecksum && e.Value != "":
			out.checksum = e.Value
		case strings.HasPrefix(e.Key, prepackedPrefix):
			if err := parsePrepacked(e.Value, infos); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unexpected entry %q", ErrFormat, e.Key)
		}
	}

	if out.relPath == "" {
		return nil, fmt.Errorf("%w: missing %q", ErrFormat, keyLocation)
	}
	if len(infos) > 0 {
		out.prepacked = infos
	}
	return out, nil
}

func parsePrepacked(value string, infos PrepackedInfos) error {
	fields := splitNonEmpty(value, "|")
	if len(fields) < 2 {
		return nil
	}
	key := fields[0]
	blobs := infos[key]
	for _, f := range fields[1:] {
		parts := splitNonEmpty(f, ";")
		if len(parts) != 3 {
			continue
		}
		off, err := parseInt(parts[0])
		if err != nil {
			return err
		}
		n, err := parseLength(parts[1])
		if err != nil {
			return err
		}
		blobs = append(blobs, PrepackedInfo{Offset: off, Length: n, Checksum: parts[2]})
	}
	if len(blobs) == 0 {
		delete(infos, key)
		return nil
	}
	infos[key] = blobs
	return nil
}

func splitNonEmpty(s, sep string) []string {
	var out []string
	for _, tok := range strings.Split(s, sep) {
		if tok != "" {
			out = append(out, tok)
		}
	}
	return out
}

func parseInt(s string) (int64, error) {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: parsing %q failed", ErrFormat, s)
	}
	return v, nil
}

func parseLength(s string) (int, error) {
	v, err := parseInt(s)
	if err != nil {
		return 0, err
	}
	if v < 0 || int64(int(v)) != v {
		return 0, fmt.Errorf("%w: length %q out of range", ErrFormat, s)
	}
	return int(v), nil
}

// RelPath is the data file path relative to the model directory.
func (e *ExternalDataInfo) RelPath() string { return e.relPath }

func (e *ExternalDataInfo) Offset() int64 { return e.offset }

func (e *ExternalDataInfo) Length() int { return e.length }

func (e *ExternalDataInfo) Checksum() string { return e.checksum }

func (e *ExternalDataInfo) HasPrepackedInfo() bool { return len(e.prepacked) > 0 }

// TakePrepackedInfos moves the prepacked records out. Later calls return nil.
func (e *ExternalDataInfo) TakePrepackedInfos() PrepackedInfos {
	out := e.prepacked
	e.prepacked = nil
	return out
}

// SetExternalLocationToProto marks proto as externally stored and appends its
// location, offset and length.
func SetExternalLocationToProto(path string, offset int64, length int, proto *TensorProto) {
	proto.DataLocation = DataLocationExternal
	proto.ExternalData = append(proto.ExternalData,
		StringStringEntry{Key: keyLocation, Value: path},
		StringStringEntry{Key: keyOffset, Value: strconv.FormatInt(offset, 10)},
		StringStringEntry{Key: keyLength, Value: strconv.Itoa(length)},
	)
}

// PrepackedEntry is one saved blob: its cache key and where each buffer went.
type PrepackedEntry struct {
	Key   string
	Blobs []PrepackedInfo
}

// AddPrepackedEntriesToProto appends one "prepacked.<i>" attribute per entry
// in the form Create reads back. Entries without buffers are skipped.
func AddPrepackedEntriesToProto(entries []PrepackedEntry, proto *TensorProto) {
	i := 0
	for _, entry := range entries {
		if len(entry.Blobs) == 0 {
			continue
		}
		var sb strings.Builder
		sb.WriteString(entry.Key)
		for _, b := range entry.Blobs {
			fmt.Fprintf(&sb, "|%d;%d;%s", b.Offset, b.Length, b.Checksum)
		}
		proto.ExternalData = append(proto.ExternalData, StringStringEntry{
			Key:   prepackedPrefix + "." + strconv.Itoa(i),
			Value: sb.String(),
		})
		i++
	}
}
