package store_test

import (
	"testing"

	"github.com/warp/bloodbank/allocation/store"
	"github.com/warp/bloodbank/allocation/storetest"
)

func TestMemory_Contract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) storetest.Backend {
		return store.NewMemory()
	})
}
