// Package operators maps mobile country and network codes to the
// countries they are licensed in.
package operators

import (
	"compress/gzip"
	"embed"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

//go:embed data/countries.csv data/operators.csv
var builtin embed.FS

var ErrMissingColumn = errors.New("operators: missing column")

// Country is one row of the country table. A country may own several
// MCCs and an MCC may have no ISO code (international ranges).
type Country struct {
	MCC  int32
	Name string
	ISO  string
}

// Operator is one row of the operator table
type Operator struct {
	MCC     int32
	MNC     int32
	Brand   string
	Name    string
	Status  int
	Country string
	ISO     []string
}

type network struct {
	mcc, mnc int32
}

// Table answers country questions for MCC and MCC/MNC pairs
type Table struct {
	countries map[int32][]string
	operators map[network]Operator
}

// Load reads the country and operator tables. Columns are matched by
// header name so extra columns are ignored.
func Load(countries, operators io.Reader) (*Table, error) {
	t := &Table{
		countries: make(map[int32][]string),
		operators: make(map[network]Operator),
	}

	err := readRows(countries, []string{"mcc", "iso"}, func(row map[string]string) error {
		mcc, err := parseCode(row["mcc"])
		if err != nil {
			return err
		}
		if iso := strings.ToUpper(strings.TrimSpace(row["iso"])); iso != "" {
			t.countries[mcc] = appendUnique(t.countries[mcc], iso)
		} else if _, ok := t.countries[mcc]; !ok {
			t.countries[mcc] = nil
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("countries: %w", err)
	}

	err = readRows(operators, []string{"mcc", "mnc", "iso"}, func(row map[string]string) error {
		mcc, err := parseCode(row["mcc"])
		if err != nil {
			return err
		}
		mnc, err := parseCode(row["mnc"])
		if err != nil {
			return err
		}
		op := Operator{
			MCC:     mcc,
			MNC:     mnc,
			Brand:   row["brand"],
			Name:    row["operator"],
			Country: row["country_name"],
		}
		if s := strings.TrimSpace(row["status"]); s != "" {
			if op.Status, err = strconv.Atoi(s); err != nil {
				return fmt.Errorf("status %q: %w", s, err)
			}
		}
		for _, iso := range strings.Split(row["iso"], "/") {
			if iso = strings.ToUpper(strings.TrimSpace(iso)); iso != "" {
				op.ISO = appendUnique(op.ISO, iso)
			}
		}
		t.operators[network{mcc, mnc}] = op
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("operators: %w", err)
	}
	return t, nil
}

// LoadFiles reads both tables from disk. Files ending in .gz are
// decompressed.
func LoadFiles(countriesPath, operatorsPath string) (*Table, error) {
	countries, closeCountries, err := open(countriesPath)
	if err != nil {
		return nil, err
	}
	defer closeCountries()

	operators, closeOperators, err := open(operatorsPath)
	if err != nil {
		return nil, err
	}
	defer closeOperators()

	return Load(countries, operators)
}

var (
	defaultOnce  sync.Once
	defaultTable *Table
	defaultErr   error
)

// Default returns the table compiled into the binary
func Default() (*Table, error) {
	defaultOnce.Do(func() {
		countries, err := builtin.Open("data/countries.csv")
		if err != nil {
			defaultErr = err
			return
		}
		defer countries.Close()
		operators, err := builtin.Open("data/operators.csv")
		if err != nil {
			defaultErr = err
			return
		}
		defer operators.Close()
		defaultTable, defaultErr = Load(countries, operators)
	})
	return defaultTable, defaultErr
}

// Countries returns the ISO codes of the countries owning the MCC.
// Unknown and international MCCs yield nil.
func (t *Table) Countries(mcc int32) []string {
	if t == nil {
		return nil
	}
	return t.countries[mcc]
}

// NetworkCountries returns the ISO codes the operator of the network
// serves. Without a known operator it falls back to the MCC.
func (t *Table) NetworkCountries(mcc, mnc int32) []string {
	if t == nil {
		return nil
	}
	if op, ok := t.operators[network{mcc, mnc}]; ok && len(op.ISO) > 0 {
		return op.ISO
	}
	return t.countries[mcc]
}

// Operator looks up a single network
func (t *Table) Operator(mcc, mnc int32) (Operator, bool) {
	if t == nil {
		return Operator{}, false
	}
	op, ok := t.operators[network{mcc, mnc}]
	return op, ok
}

// Len returns the number of known MCCs and operators
func (t *Table) Len() (mccs, networks int) {
	if t == nil {
		return 0, 0
	}
	return len(t.countries), len(t.operators)
}

// MCCs lists the known country codes in ascending order
func (t *Table) MCCs() []int32 {
	if t == nil {
		return nil
	}
	out := make([]int32, 0, len(t.countries))
	for mcc := range t.countries {
		out = append(out, mcc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func readRows(r io.Reader, required []string, fn func(map[string]string) error) error {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return fmt.Errorf("header: %w", err)
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range required {
		if _, ok := index[name]; !ok {
			return fmt.Errorf("%w: %s", ErrMissingColumn, name)
		}
	}

	line := 1
	for {
		record, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		line++
		if err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		row := make(map[string]string, len(index))
		for name, i := range index {
			if i < len(record) {
				row[name] = record[i]
			}
		}
		if err := fn(row); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
	}
}

func parseCode(s string) (int32, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("code %q: %w", s, err)
	}
	return int32(v), nil
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

func open(path string) (io.Reader, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	if !strings.HasSuffix(path, ".gz") {
		return f, func() { f.Close() }, nil
	}
	gz, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return gz, func() { gz.Close(); f.Close() }, nil
}
