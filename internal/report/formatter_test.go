package report

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"table", FormatTable, false},
		{"", FormatTable, false},
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"yaml", FormatYAML, false},
		{"yml", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	f := &Formatter{Format: FormatJSON, Writer: &buf}

	require.NoError(t, f.Print(map[string]int{"passed": 3}))

	var decoded map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, 3, decoded["passed"])
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	f := &Formatter{Format: FormatYAML, Writer: &buf}

	require.NoError(t, f.Print(map[string]string{"database": "db.example.com"}))
	assert.Contains(t, buf.String(), "database: db.example.com")
}

func TestPrintTable(t *testing.T) {
	data := TableData{
		Headers: []string{"Table", "Outcome"},
		Rows:    [][]string{{"public.posts", "DENY"}},
	}

	t.Run("TableMode", func(t *testing.T) {
		var buf bytes.Buffer
		f := &Formatter{Format: FormatTable, Writer: &buf}
		f.PrintTable(data)

		out := buf.String()
		assert.Contains(t, out, "public.posts")
		assert.Contains(t, out, "DENY")
	})

	t.Run("JSONModeKeysByHeader", func(t *testing.T) {
		var buf bytes.Buffer
		f := &Formatter{Format: FormatJSON, Writer: &buf}
		f.PrintTable(data)

		var rows []map[string]string
		require.NoError(t, json.Unmarshal(buf.Bytes(), &rows))
		require.Len(t, rows, 1)
		assert.Equal(t, "public.posts", rows[0]["table"])
		assert.Equal(t, "DENY", rows[0]["outcome"])
	})
}

func TestQuietSuppressesOutput(t *testing.T) {
	var buf bytes.Buffer
	f := &Formatter{Format: FormatTable, Quiet: true, Writer: &buf}

	require.NoError(t, f.Print(map[string]int{"a": 1}))
	f.PrintTable(TableData{Headers: []string{"H"}, Rows: [][]string{{"v"}}})
	f.PrintInfo("nothing")

	assert.Empty(t, buf.String())
}
