package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExecLines(t *testing.T) {
	t.Parallel()
	input := "scan\n\n  connect 0  \ndisconnect"
	var lines []string
	ExecLines(strings.NewReader(input), func(line string) { lines = append(lines, line) })
	assert.Equal(t, []string{"scan", "connect 0", "disconnect"}, lines)
}
