// Package byterange turns a complete body plus an inbound Range header into the
// status, headers and payload of a single-range HTTP response. It performs no
// I/O and never fails: malformed headers degrade to the full body.
package byterange

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

var (
	// ErrNoRange 表示请求未携带 Range 头。
	ErrNoRange = errors.New("header Range not found")
	// ErrMalformedRange 表示 Range 头无法解析或包含多个区间。
	ErrMalformedRange = errors.New("malformed Range header")
)

const unitPrefix = "bytes="

// Spec 是解析后的单个字节区间。
type Spec struct {
	Start  int64 // inclusive
	End    int64 // inclusive, -1 表示 open-ended (100-)
	Suffix int64 // >0 表示 bytes=-N
}

// IsSuffix 报告是否为 bytes=-N 形式。
func (s Spec) IsSuffix() bool {
	return s.Suffix > 0
}

func (s Spec) String() string {
	switch {
	case s.IsSuffix():
		return fmt.Sprintf("bytes=-%d", s.Suffix)
	case s.End < 0:
		return fmt.Sprintf("bytes=%d-", s.Start)
	default:
		return fmt.Sprintf("bytes=%d-%d", s.Start, s.End)
	}
}

// Resolve 依据实体总长计算闭区间 [start, end]，ok=false 表示区间不可满足。
func (s Spec) Resolve(total int64) (start, end int64, ok bool) {
	if total <= 0 {
		return 0, 0, false
	}
	if s.IsSuffix() {
		n := min(s.Suffix, total)
		return total - n, total - 1, true
	}
	if s.Start > total-1 {
		return 0, 0, false
	}
	end = total - 1
	if s.End >= 0 && s.End < end {
		end = s.End
	}
	return s.Start, end, true
}

// Parse 解析单区间 Range 头。空头返回 ErrNoRange，其余不合法形式返回 ErrMalformedRange。
func Parse(header string) (Spec, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Spec{}, ErrNoRange
	}
	if !strings.HasPrefix(header, unitPrefix) {
		return Spec{}, ErrMalformedRange
	}
	raw := strings.TrimSpace(strings.TrimPrefix(header, unitPrefix))
	if raw == "" || strings.Contains(raw, ",") {
		return Spec{}, ErrMalformedRange
	}

	dash := strings.IndexByte(raw, '-')
	if dash < 0 {
		return Spec{}, ErrMalformedRange
	}
	startStr := strings.TrimSpace(raw[:dash])
	endStr := strings.TrimSpace(raw[dash+1:])

	if startStr == "" {
		suffix, err := parseOffset(endStr)
		if err != nil || suffix == 0 {
			return Spec{}, ErrMalformedRange
		}
		return Spec{End: -1, Suffix: suffix}, nil
	}

	start, err := parseOffset(startStr)
	if err != nil {
		return Spec{}, ErrMalformedRange
	}
	if endStr == "" {
		return Spec{Start: start, End: -1}, nil
	}
	end, err := parseOffset(endStr)
	if err != nil || end < start {
		return Spec{}, ErrMalformedRange
	}
	return Spec{Start: start, End: end}, nil
}

func parseOffset(s string) (int64, error) {
	if s == "" || s[0] == '+' || s[0] == '-' {
		return 0, ErrMalformedRange
	}
	return strconv.ParseInt(s, 10, 64)
}

// Result 描述一次切片后的响应。Body 与源正文共享底层数组，调用方不得修改。
type Result struct {
	Status      int
	Body        []byte
	ContentType string
	Start       int64
	End         int64
	Total       int64
	Partial     bool
}

// Slice 按 Range 头从完整正文合成响应：
//   - 无 Range 或格式非法：200 + 完整正文；
//   - 合法单区间：206，end 截断到 total-1；
//   - 起点越过末尾（含空正文）：416 + Content-Range: bytes */total。
func Slice(body []byte, rangeHeader, contentType string) Result {
	total := int64(len(body))
	full := Result{
		Status:      http.StatusOK,
		Body:        body,
		ContentType: contentType,
		End:         total - 1,
		Total:       total,
	}

	spec, err := Parse(rangeHeader)
	if err != nil {
		return full
	}

	start, end, ok := spec.Resolve(total)
	if !ok {
		return Result{
			Status:      http.StatusRequestedRangeNotSatisfiable,
			Body:        nil,
			ContentType: contentType,
			Start:       0,
			End:         -1,
			Total:       total,
		}
	}

	return Result{
		Status:      http.StatusPartialContent,
		Body:        body[start : end+1],
		ContentType: contentType,
		Start:       start,
		End:         end,
		Total:       total,
		Partial:     true,
	}
}

// ContentRange 返回 Content-Range 值；200 响应返回空串。
func (r Result) ContentRange() string {
	switch r.Status {
	case http.StatusPartialContent:
		return fmt.Sprintf("bytes %d-%d/%d", r.Start, r.End, r.Total)
	case http.StatusRequestedRangeNotSatisfiable:
		return fmt.Sprintf("bytes */%d", r.Total)
	default:
		return ""
	}
}

// Headers 返回响应需要设置的实体头，键使用规范大小写。
func (r Result) Headers() map[string]string {
	headers := map[string]string{
		"Accept-Ranges":  "bytes",
		"Content-Length": strconv.Itoa(len(r.Body)),
	}
	if r.ContentType != "" && r.Status != http.StatusRequestedRangeNotSatisfiable {
		headers["Content-Type"] = r.ContentType
	}
	if cr := r.ContentRange(); cr != "" {
		headers["Content-Range"] = cr
	}
	return headers
}
