package helpers

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFoldErrors(t *testing.T) {
	t.Parallel()
	assert.NoError(t, FoldErrors(nil))
	assert.NoError(t, FoldErrors([]error{nil, nil}))
	err := FoldErrors([]error{fmt.Errorf("ble.adapter empty"), nil, fmt.Errorf("persist.interval_sec=-1")})
	assert.EqualError(t, err, "ble.adapter empty\npersist.interval_sec=-1")
}
