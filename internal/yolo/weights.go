package yolo

import (
	"archive/tar"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LoadArchive populates every stage's weights and biases from a
// gzip-compressed tar archive. Entries are named weightsN / biasesN with N
// the stage index; entry bytes are little-endian int16 Q8.8 words. Entries
// with unrecognized names are skipped with a warning; macOS resource forks
// ("._" prefixes) are ignored outright.
func (c *Controller) LoadArchive(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("yolo: open archive: %w", err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("yolo: archive %s: %w", path, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("yolo: archive %s: %w", path, err)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		name := baseName(hdr.Name)
		if strings.HasPrefix(name, "._") {
			continue
		}

		switch {
		case strings.HasPrefix(name, "weights"):
			idx, err := c.parseStageIndex(name, "weights")
			if err != nil {
				return err
			}
			data, err := readInt16LE(tr)
			if err != nil {
				return fmt.Errorf("yolo: archive entry %s: %w", name, err)
			}
			slog.Info("loading weights", "stage", idx, "words", len(data))
			c.groups[idx].Weights = data
		case strings.HasPrefix(name, "biases"):
			idx, err := c.parseStageIndex(name, "biases")
			if err != nil {
				return err
			}
			data, err := readInt16LE(tr)
			if err != nil {
				return fmt.Errorf("yolo: archive entry %s: %w", name, err)
			}
			slog.Info("loading biases", "stage", idx, "words", len(data))
			c.groups[idx].Biases = data
		default:
			slog.Warn("archive entry is not a weights or biases file", "entry", name)
		}
	}
	return nil
}

func (c *Controller) parseStageIndex(name, prefix string) (int, error) {
	idx, err := strconv.Atoi(strings.TrimPrefix(name, prefix))
	if err != nil {
		return 0, fmt.Errorf("yolo: archive entry %s: bad stage index: %w", name, err)
	}
	if idx < 0 || idx >= len(c.groups) {
		return 0, fmt.Errorf("yolo: archive entry %s: stage index out of range", name)
	}
	return idx, nil
}

func baseName(path string) string {
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		return path[i+1:]
	}
	return path
}

// readInt16LE decodes a stream of little-endian int16 words.
func readInt16LE(r io.Reader) ([]int16, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("odd byte count %d", len(raw))
	}
	data := make([]int16, len(raw)/2)
	for i := range data {
		data[i] = int16(binary.LittleEndian.Uint16(raw[2*i:]))
	}
	return data, nil
}
