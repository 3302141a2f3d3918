package transform

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"llmdx/pkg/contract"
)

// Verify 离线比较两条记录流的 id/anchor/label 序列（不重新执行变换）。
func Verify(a, b []contract.SegmentRecord) error {
	if len(a) != len(b) {
		return fmt.Errorf("verify: %w: record count %d vs %d", contract.ErrAnchorInvariant, len(a), len(b))
	}
	for i := range a {
		if err := contract.CheckAnchor(i, a[i], b[i]); err != nil {
			return err
		}
	}
	return nil
}

// VerifyStreams 解码两条 JSONL 记录流后比较。
func VerifyStreams(a, b io.Reader) error {
	ra, err := DecodeRecords(a)
	if err != nil {
		return fmt.Errorf("verify: first stream: %w", err)
	}
	rb, err := DecodeRecords(b)
	if err != nil {
		return fmt.Errorf("verify: second stream: %w", err)
	}
	return Verify(ra, rb)
}

// DecodeRecords 逐行解码 JSONL 记录流；空行忽略。
func DecodeRecords(r io.Reader) ([]contract.SegmentRecord, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	var out []contract.SegmentRecord
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" {
			continue
		}
		var rec contract.SegmentRecord
		if err := json.Unmarshal([]byte(s), &rec); err != nil {
			return nil, fmt.Errorf("line %d: %w: %v", line, contract.ErrInvalidInput, err)
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
