package output

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", FormatTable, false},
		{"table", FormatTable, false},
		{"JSON", FormatJSON, false},
		{" yml ", FormatYAML, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func sampleTable() *Table {
	table := NewTable("Name", "Dialect")
	table.AddRow("fs1", "SMB 3.1.1")
	table.AddRow("fs2", "SMB 2.1")
	return table
}

func TestPrintTable(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatTable, sampleTable()))

	out := buf.String()
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "DIALECT")
	assert.Contains(t, out, "fs1")
	assert.Contains(t, out, "SMB 2.1")
}

func TestPrintJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatJSON, sampleTable()))

	var got []map[string]string
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "fs1", got[0]["name"])
	assert.Equal(t, "SMB 2.1", got[1]["dialect"])
}

func TestPrintYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Print(&buf, FormatYAML, sampleTable()))

	var got []map[string]string
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, "fs2", got[1]["name"])
}

func TestPrintTableRequiresRenderer(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Print(&buf, FormatTable, struct{}{}))
}

func TestKeyValues(t *testing.T) {
	var buf bytes.Buffer
	KeyValues(&buf, [][2]string{{"Dialect", "SMB 3.0"}, {"Credits", "512"}})

	out := buf.String()
	assert.Contains(t, out, "Dialect")
	assert.Contains(t, out, "SMB 3.0")
	assert.Contains(t, out, "512")
}
