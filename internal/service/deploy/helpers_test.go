package deploy

import (
	"strconv"
	"testing"

	"github.com/splax/shipyard/internal/ports"
)

func itoa(n int) string { return strconv.Itoa(n) }

func mustAllocator(t *testing.T, start, end int) *ports.Allocator {
	t.Helper()
	a, err := ports.New(start, end, nil)
	if err != nil {
		t.Fatalf("ports.New: %v", err)
	}
	return a
}
