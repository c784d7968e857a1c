package etcd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLockKey(t *testing.T) {
	assert.Equal(t, "/chunkstore/locks/node-1", lockKey("node-1"))
}
