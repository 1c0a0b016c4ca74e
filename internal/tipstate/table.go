package tipstate

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var ErrTraitTable = errors.New("invalid trait table")

var headerKeys = map[string]struct{}{"traits": {}, "taxon": {}, "taxa": {}, "id": {}, "tip": {}}

// ReadTraitTable parses a two column tip/state table. The delimiter is a tab
// when the first line holds one and a comma otherwise. A first row whose
// leading cell is traits, taxon, taxa, id or tip is treated as a header.
func ReadTraitTable(in io.Reader) (map[string]string, error) {
	br := bufio.NewReader(in)
	head, err := br.Peek(4096)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return nil, err
	}
	firstLine, _, _ := bytes.Cut(head, []byte("\n"))

	r := csv.NewReader(br)
	r.Comma = ','
	if bytes.ContainsRune(firstLine, '\t') {
		r.Comma = '\t'
	}
	r.Comment = '#'
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true

	out := make(map[string]string)
	for line := 1; ; line++ {
		record, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTraitTable, err)
		}
		if len(record) < 2 {
			return nil, fmt.Errorf("%w: row %d has %d columns", ErrTraitTable, line, len(record))
		}
		tip, state := strings.TrimSpace(record[0]), strings.TrimSpace(record[1])
		if line == 1 {
			if _, ok := headerKeys[strings.ToLower(tip)]; ok {
				continue
			}
		}
		if tip == "" || state == "" {
			return nil, fmt.Errorf("%w: row %d has an empty cell", ErrTraitTable, line)
		}
		if prev, dup := out[tip]; dup && prev != state {
			return nil, fmt.Errorf("%w: tip %s listed as %s and %s", ErrTraitTable, tip, prev, state)
		}
		out[tip] = state
	}
	return out, nil
}

func ReadTraitTableFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadTraitTable(f)
}
