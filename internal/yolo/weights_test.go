package yolo

import (
	"archive/tar"
	"compress/gzip"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/e7canasta/zynq-yolo-sensor/internal/accel"
)

// writeArchive builds a weight archive fixture. Entries map name to int16
// payload, encoded little-endian.
func writeArchive(t *testing.T, entries map[string][]int16) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "weights.tar.gz")

	f, err := os.Create(path)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	defer f.Close()

	gz := gzip.NewWriter(f)
	tw := tar.NewWriter(gz)
	for name, words := range entries {
		raw := make([]byte, 2*len(words))
		for i, w := range words {
			binary.LittleEndian.PutUint16(raw[2*i:], uint16(w))
		}
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(raw)), Typeflag: tar.TypeReg}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("write header %s: %v", name, err)
		}
		if _, err := tw.Write(raw); err != nil {
			t.Fatalf("write entry %s: %v", name, err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("close gzip: %v", err)
	}
	return path
}

// TestLoadArchive verifies weights and biases land in the right stages with
// the right values.
func TestLoadArchive(t *testing.T) {
	hw := accel.NewSimulatedHardware("yolo")
	c, err := NewController(hw, "yolo", accel.DefaultPollPolicy())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	defer c.Close()

	path := writeArchive(t, map[string][]int16{
		"weights0":   {1, 2, 3, -4},
		"biases0":    {5, -6},
		"weights13":  {7},
		"._weights3": {99}, // resource fork, must be skipped
		"notes.txt":  {42}, // unrecognized, must be skipped
	})

	if err := c.LoadArchive(path); err != nil {
		t.Fatalf("LoadArchive: %v", err)
	}

	g0 := c.Groups()[0]
	if len(g0.Weights) != 4 || g0.Weights[3] != -4 {
		t.Errorf("stage 0 weights = %v, want [1 2 3 -4]", g0.Weights)
	}
	if len(g0.Biases) != 2 || g0.Biases[1] != -6 {
		t.Errorf("stage 0 biases = %v, want [5 -6]", g0.Biases)
	}
	if g13 := c.Groups()[13]; len(g13.Weights) != 1 || g13.Weights[0] != 7 {
		t.Errorf("stage 13 weights = %v, want [7]", g13.Weights)
	}
	if g3 := c.Groups()[3]; g3.Weights != nil {
		t.Errorf("stage 3 weights = %v, want nil (resource fork skipped)", g3.Weights)
	}
}

// TestLoadArchiveBadIndex verifies out-of-range stage indices fail.
func TestLoadArchiveBadIndex(t *testing.T) {
	hw := accel.NewSimulatedHardware("yolo")
	c, err := NewController(hw, "yolo", accel.DefaultPollPolicy())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	defer c.Close()

	path := writeArchive(t, map[string][]int16{"weights14": {1}})
	if err := c.LoadArchive(path); err == nil {
		t.Fatal("expected error for stage index 14")
	}
}

// TestLoadArchiveMissingFile verifies a useful error for a bad path.
func TestLoadArchiveMissingFile(t *testing.T) {
	hw := accel.NewSimulatedHardware("yolo")
	c, err := NewController(hw, "yolo", accel.DefaultPollPolicy())
	if err != nil {
		t.Fatalf("NewController: %v", err)
	}
	defer c.Close()

	if err := c.LoadArchive(filepath.Join(t.TempDir(), "absent.tar.gz")); err == nil {
		t.Fatal("expected error for missing archive")
	}
}
