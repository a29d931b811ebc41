package redisindex

import (
	"testing"

	"github.com/chainview/chainview-go/watchindex"
	"github.com/chainview/chainview-go/watchindex/indextest"
)

func TestRedisIndex(t *testing.T) {
	// Quick availability check to allow graceful skip in environments without Redis
	i, err := NewFromEnv()
	if err != nil {
		t.Skipf("skipping redis index tests: %v", err)
		return
	}
	_ = i.Close()

	indextest.RunIndexTests(t, func(t *testing.T) watchindex.Index {
		ii, err := NewFromEnv()
		if err != nil {
			t.Fatalf("NewFromEnv: %v", err)
		}
		return ii
	})
}
