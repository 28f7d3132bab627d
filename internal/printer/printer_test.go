package printer

import (
	"bytes"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTableAlignsColumns(t *testing.T) {
	color.NoColor = true
	defer func() { color.NoColor = false }()

	var buf bytes.Buffer
	Table(&buf, []string{"ID", "TEMPLATE"}, [][]string{
		{"a", "watchtower"},
		{"long-id", "crypt"},
	})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "ID       TEMPLATE", lines[0])
	assert.Equal(t, "a        watchtower", lines[1])
	assert.Equal(t, "long-id  crypt", lines[2])
}

func TestErrorReturnsTitle(t *testing.T) {
	err := Error("index not found", "no structures.sqlite under the data dir", "run serve first")
	require.Error(t, err)
	assert.Equal(t, "index not found", err.Error())
}
