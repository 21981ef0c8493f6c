package format

import (
	"bufio"
	"encoding/csv"
	"io"
	"strings"
)

var delimiterCandidates = []rune{',', ';', '\t', '|'}

// SniffDelimiter picks the separator of a delimited file from its header
// line and first data line. Each candidate scores
// headerCols*10 + min(sampleCols, 200) - |sampleCols - headerCols|;
// candidates yielding fewer than four header columns are ignored. When no
// candidate qualifies the most frequent candidate character in the header
// wins, defaulting to a comma. The split header is returned alongside.
func SniffDelimiter(header, sample string) (rune, []string) {
	best, bestScore := ',', -1
	var bestCols []string
	for _, d := range delimiterCandidates {
		h := splitNonEmpty(header, d)
		s := len(strings.Split(sample, string(d)))
		score := len(h)*10 + min(s, 200) - abs(s-len(h))
		if len(h) >= 4 && score > bestScore {
			best, bestScore, bestCols = d, score, h
		}
	}
	if bestScore >= 0 {
		return best, bestCols
	}

	d, n := ',', 0
	for _, c := range delimiterCandidates {
		if k := strings.Count(header, string(c)); k > n {
			d, n = c, k
		}
	}
	return d, splitNonEmpty(header, d)
}

// FirstLines reads the first two non-blank lines of r, BOM stripped.
func FirstLines(r io.Reader) (header, sample string, err error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var lines []string
	for len(lines) < 2 && sc.Scan() {
		l := strings.TrimSpace(sc.Text())
		if len(lines) == 0 {
			l = strings.TrimPrefix(l, "\ufeff")
		}
		if l != "" {
			lines = append(lines, l)
		}
	}
	if err := sc.Err(); err != nil {
		return "", "", err
	}
	switch len(lines) {
	case 0:
		return "", "", nil
	case 1:
		return lines[0], "", nil
	}
	return lines[0], lines[1], nil
}

func splitNonEmpty(s string, d rune) []string {
	var out []string
	for _, p := range strings.Split(s, string(d)) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// NewDelimitedReader sniffs the separator from the first lines of f and
// returns a reader positioned at the start of the file.
func NewDelimitedReader(f io.ReadSeeker) (*csv.Reader, error) {
	header, sample, err := FirstLines(f)
	if err != nil {
		return nil, err
	}
	delim, _ := SniffDelimiter(header, sample)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	r := csv.NewReader(f)
	r.Comma = delim
	r.LazyQuotes = true
	r.FieldsPerRecord = -1
	return r, nil
}

// ScanHeader reads records until one satisfies m, giving up after
// MaxHeaderScan records or at end of input. head holds every record read
// with the header last; hi is -1 when none matched. A byte-order mark on
// the first cell is dropped. The caller keeps reading data rows from r.
func ScanHeader(r *csv.Reader, m Matcher) (head [][]string, hi int, err error) {
	for len(head) < MaxHeaderScan {
		rec, rerr := r.Read()
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return head, -1, rerr
		}
		if len(head) == 0 && len(rec) > 0 {
			rec[0] = strings.TrimPrefix(rec[0], "\ufeff")
		}
		head = append(head, rec)
		if len(rec) > 0 && m.Match(NewHeaderSet(rec)) {
			return head, len(head) - 1, nil
		}
	}
	return head, -1, nil
}
