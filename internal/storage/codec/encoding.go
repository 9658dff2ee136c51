package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/avessar/vitaldb/internal/storage/types"
)

// Point block encoding (binary, little-endian):
// - Point count (4 bytes)
// - Base timestamp (8 bytes)
// - Per point:
//   - Timestamp delta from previous point (zigzag varint)
//   - MetricID (4 bytes)
//   - Value (8 bytes, float64 bits)
//   - Tag count (2 bytes) + per tag: key length (2 bytes) + key +
//     value length (2 bytes) + value
//
// Delta-encoding the timestamps keeps mostly-ordered blocks small
// before the block codec runs over the result.

// EncodePoints encodes a slice of points into the block format.
func EncodePoints(points []types.Point) []byte {
	if len(points) == 0 {
		return nil
	}

	// Estimate ~40 bytes per untagged point.
	buf := make([]byte, 0, len(points)*40)

	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(points)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(points[0].TimestampMs))

	prev := points[0].TimestampMs
	for i := range points {
		p := &points[i]

		delta := p.TimestampMs - prev
		buf = binary.AppendVarint(buf, delta)
		prev = p.TimestampMs

		buf = binary.LittleEndian.AppendUint32(buf, uint32(p.MetricID))
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(p.Value))

		buf = binary.LittleEndian.AppendUint16(buf, uint16(len(p.Tags)))
		for k, v := range p.Tags {
			buf = appendString(buf, k)
			buf = appendString(buf, v)
		}
	}

	return buf
}

// DecodePoints decodes the block format into a slice of points.
func DecodePoints(data []byte) ([]types.Point, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < 12 {
		return nil, fmt.Errorf("block too short: %d bytes", len(data))
	}

	count := int(binary.LittleEndian.Uint32(data[0:4]))
	base := int64(binary.LittleEndian.Uint64(data[4:12]))
	offset := 12

	points := make([]types.Point, count)
	prev := base

	for i := 0; i < count; i++ {
		delta, n := binary.Varint(data[offset:])
		if n <= 0 {
			return nil, fmt.Errorf("point %d: bad timestamp delta", i)
		}
		offset += n
		prev += delta
		points[i].TimestampMs = prev

		if offset+12 > len(data) {
			return nil, fmt.Errorf("point %d: block too short for id and value", i)
		}
		points[i].MetricID = types.MetricID(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		points[i].Value = math.Float64frombits(binary.LittleEndian.Uint64(data[offset:]))
		offset += 8

		if offset+2 > len(data) {
			return nil, fmt.Errorf("point %d: block too short for tag count", i)
		}
		tagCount := int(binary.LittleEndian.Uint16(data[offset:]))
		offset += 2

		if tagCount > 0 {
			tags := make(map[string]string, tagCount)
			for j := 0; j < tagCount; j++ {
				var k, v string
				var err error
				k, offset, err = readString(data, offset)
				if err != nil {
					return nil, fmt.Errorf("point %d tag %d key: %w", i, j, err)
				}
				v, offset, err = readString(data, offset)
				if err != nil {
					return nil, fmt.Errorf("point %d tag %d value: %w", i, j, err)
				}
				tags[k] = v
			}
			points[i].Tags = tags
		}
	}

	if offset != len(data) {
		return nil, fmt.Errorf("trailing garbage: %d bytes", len(data)-offset)
	}

	return points, nil
}

// appendString appends a length-prefixed string to the buffer.
func appendString(buf []byte, s string) []byte {
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

// readString reads a length-prefixed string from the buffer.
func readString(data []byte, offset int) (string, int, error) {
	if offset+2 > len(data) {
		return "", offset, fmt.Errorf("data too short for string length")
	}

	length := int(binary.LittleEndian.Uint16(data[offset:]))
	offset += 2

	if offset+length > len(data) {
		return "", offset, fmt.Errorf("data too short for string content")
	}

	s := string(data[offset : offset+length])
	return s, offset + length, nil
}
