package protocol

import "fmt"

// HID report geometry.
const (
	ReportSize        = 64
	ReportPayloadSize = ReportSize - 1 // byte 0 carries ReportID
)

// SplitBytes splits data into consecutive chunks of at most maxBytes.
// Returns nil for empty data. maxBytes <= 0 returns data as a single chunk.
// The chunks alias data.
func SplitBytes(data []byte, maxBytes int) [][]byte {
	if len(data) == 0 {
		return nil
	}
	if maxBytes <= 0 || len(data) <= maxBytes {
		return [][]byte{data}
	}
	chunks := make([][]byte, 0, (len(data)+maxBytes-1)/maxBytes)
	for len(data) > 0 {
		n := maxBytes
		if n > len(data) {
			n = len(data)
		}
		chunks = append(chunks, data[:n])
		data = data[n:]
	}
	return chunks
}

// HIDReports re-fragments a frame into fixed 64-byte USB-HID style reports.
// Each report starts with ReportID; the last one is zero padded.
func HIDReports(frame []byte) [][]byte {
	parts := SplitBytes(frame, ReportPayloadSize)
	reports := make([][]byte, 0, len(parts))
	for _, p := range parts {
		report := make([]byte, ReportSize)
		report[0] = ReportID
		copy(report[1:], p)
		reports = append(reports, report)
	}
	return reports
}

// ReportAssembler collects HID reports produced by HIDReports back into the
// frame they came from.
type ReportAssembler struct {
	buf  []byte
	want int // total frame bytes, known after the first report
}

// Add consumes one report. It returns the frame once all of its reports have
// been seen.
func (a *ReportAssembler) Add(report []byte) (Frame, bool, error) {
	if len(report) == 0 || report[0] != ReportID {
		return nil, false, fmt.Errorf("protocol: report missing id 0x%02x", ReportID)
	}
	a.buf = append(a.buf, report[1:]...)
	if a.want == 0 {
		h, err := ParseHeader(a.buf)
		if err != nil {
			a.buf = nil
			return nil, false, err
		}
		a.want = h.FrameSize()
	}
	if len(a.buf) < a.want {
		return nil, false, nil
	}
	frame := Frame(a.buf[:a.want])
	a.buf = nil
	a.want = 0
	return frame, true, nil
}
