package kafka

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToHeadersSorted(t *testing.T) {
	headers := toHeaders(map[string]string{"stage": "write", "reason": "mapper_parsing_exception"})
	if assert.Len(t, headers, 2) {
		assert.Equal(t, "reason", headers[0].Key)
		assert.Equal(t, "mapper_parsing_exception", string(headers[0].Value))
		assert.Equal(t, "stage", headers[1].Key)
	}
	assert.Nil(t, toHeaders(nil))
}
