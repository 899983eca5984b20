package diagnostics

import (
	"context"
	"testing"
)

func TestCollectReturnsWithoutError(t *testing.T) {
	snap := Collect(context.Background(), t.TempDir())
	// Probes are best-effort; only shape is asserted.
	if snap.DiskPath == "" {
		t.Fatal("disk path not recorded")
	}
	if snap.MemTotalMB < 0 || snap.DiskTotalGB < 0 {
		t.Fatalf("negative sizes: %+v", snap)
	}
}

func TestCollectDefaultsDiskPath(t *testing.T) {
	snap := Collect(context.Background(), "")
	if snap.DiskPath == "" {
		t.Fatal("expected platform root as default disk path")
	}
}
