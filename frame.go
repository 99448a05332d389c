package bridgemcp

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Wire framing: each message is an ASCII header line
// "Content-Length: <N>\r\n\r\n" followed by exactly N bytes of UTF-8 JSON.
const (
	frameHeaderName = "Content-Length"
	frameSeparator  = "\r\n\r\n"
)

// FrameInfo is the result of scanning a buffer for one frame.
type FrameInfo struct {
	HeaderLength  int
	ContentLength int
	Complete      bool
}

// EncodeFrame prepends the length header to a payload.
func EncodeFrame(payload string) []byte {
	var sb strings.Builder
	sb.Grow(len(frameHeaderName) + len(frameSeparator) + 22 + len(payload))
	sb.WriteString(frameHeaderName)
	sb.WriteString(": ")
	sb.WriteString(strconv.Itoa(len(payload)))
	sb.WriteString(frameSeparator)
	sb.WriteString(payload)
	return []byte(sb.String())
}

// ParseFrame scans buf for the first complete header. If the header/body
// separator has not arrived yet it reports an incomplete frame with no
// error. A separator with a missing, non-numeric, negative, or
// larger-than-maxContent length value is a parse failure, reported as an
// error here so a buggy or malicious peer cannot force unbounded
// buffering by claiming an enormous "almost complete" frame.
func ParseFrame(buf []byte, maxContent int) (FrameInfo, error) {
	sep := bytes.Index(buf, []byte(frameSeparator))
	if sep < 0 {
		return FrameInfo{}, nil
	}
	headerLen := sep + len(frameSeparator)

	contentLen, ok := parseContentLength(buf[:sep])
	if !ok {
		return FrameInfo{}, fmt.Errorf("malformed frame header: %q", string(buf[:sep]))
	}
	if contentLen < 0 || contentLen > maxContent {
		return FrameInfo{}, fmt.Errorf("frame content length %d out of range (max %d)", contentLen, maxContent)
	}

	return FrameInfo{
		HeaderLength:  headerLen,
		ContentLength: contentLen,
		Complete:      len(buf) >= headerLen+contentLen,
	}, nil
}

// parseContentLength finds a case-insensitive Content-Length header line
// and parses its decimal value.
func parseContentLength(header []byte) (int, bool) {
	for _, line := range strings.Split(string(header), "\r\n") {
		name, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(name), frameHeaderName) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil {
			return 0, false
		}
		return n, true
	}
	return 0, false
}

// ExtractFrame slices the payload out of buf and returns the leftover
// bytes. Must only be called with an info whose Complete flag is true.
func ExtractFrame(buf []byte, info FrameInfo) (payload string, rest []byte) {
	end := info.HeaderLength + info.ContentLength
	return string(buf[info.HeaderLength:end]), buf[end:]
}

// FrameDecoder reassembles framed messages from a byte stream. One
// decoder is created per socket generation and discarded on disconnect.
type FrameDecoder struct {
	buf        *DynamicBuffer
	maxContent int
}

// NewFrameDecoder returns a decoder whose buffer and maximum frame size
// are both capped at max (DefaultMaxBufferSize when non-positive).
func NewFrameDecoder(max int) *FrameDecoder {
	if max <= 0 {
		max = DefaultMaxBufferSize
	}
	return &FrameDecoder{
		buf:        NewDynamicBuffer(max),
		maxContent: max,
	}
}

// Push appends a chunk and drains every complete frame, in arrival
// order. One socket read containing several back-to-back messages is
// split here. On a framing error the frames decoded so far are returned
// alongside the error; the caller is expected to log and Reset.
func (d *FrameDecoder) Push(chunk []byte) ([]string, error) {
	if err := d.buf.Append(chunk); err != nil {
		return nil, err
	}

	var frames []string
	for {
		info, err := ParseFrame(d.buf.Bytes(), d.maxContent)
		if err != nil {
			return frames, err
		}
		if !info.Complete {
			return frames, nil
		}
		payload, rest := ExtractFrame(d.buf.Bytes(), info)
		frames = append(frames, payload)
		d.buf.setBytes(rest)
	}
}

// Buffered returns the number of bytes held for a not-yet-complete frame.
func (d *FrameDecoder) Buffered() int { return d.buf.Len() }

// Reset drops any partially-received data.
func (d *FrameDecoder) Reset() { d.buf.Clear() }
