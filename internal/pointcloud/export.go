package pointcloud

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/banshee-data/scanrgbd/internal/capture"
	"github.com/banshee-data/scanrgbd/internal/security"
)

const plyLineEnd = "\r\n"

var plyHeaderProperties = []string{
	"property float x",
	"property float y",
	"property float z",
	"property uchar red",
	"property uchar green",
	"property uchar blue",
	"property uchar alpha",
	"element face 0",
	"property list uchar int vertex_indices",
	"end_header",
}

// WritePLY writes the records of src with Confidence >= threshold as an
// ASCII PLY point cloud and returns the number of vertices written.
//
// Matching records are collected before anything is written so the header's
// vertex count agrees with the body even while src keeps changing.
func WritePLY(w io.Writer, src Readable, threshold capture.ConfidenceLevel) (int, error) {
	var kept []PointRecord
	err := src.Iterate(func(chunk []PointRecord) error {
		for _, p := range chunk {
			if p.Confidence >= float32(threshold) {
				kept = append(kept, p)
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("read points: %w", err)
	}

	bw := bufio.NewWriter(w)
	bw.WriteString("ply" + plyLineEnd)
	bw.WriteString("format ascii 1.0" + plyLineEnd)
	bw.WriteString("element vertex " + strconv.Itoa(len(kept)) + plyLineEnd)
	for _, line := range plyHeaderProperties {
		bw.WriteString(line + plyLineEnd)
	}

	line := make([]byte, 0, 96)
	for _, p := range kept {
		line = appendVertex(line[:0], p)
		if _, err := bw.Write(line); err != nil {
			return 0, fmt.Errorf("write vertex: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		return 0, fmt.Errorf("write ply: %w", err)
	}
	return len(kept), nil
}

func appendVertex(b []byte, p PointRecord) []byte {
	for _, v := range p.Position {
		b = strconv.AppendFloat(b, float64(v), 'g', -1, 32)
		b = append(b, ' ')
	}
	for _, c := range p.Color {
		b = strconv.AppendUint(b, uint64(ColorByte(c)), 10)
		b = append(b, ' ')
	}
	b = append(b, "255"...)
	return append(b, plyLineEnd...)
}

// ColorByte converts a [0, 1] colour component to 0..255 with rounding.
func ColorByte(c float32) uint8 {
	v := float64(c) * 255
	if math.IsNaN(v) || v <= 0 {
		return 0
	}
	if v >= 255 {
		return 255
	}
	return uint8(math.Round(v))
}

// ExportFile writes a PLY file named name inside dir and returns its path.
// The file is written to a temporary name and renamed on success, so a
// failed export leaves nothing behind and can be retried.
func ExportFile(dir, name string, src Readable, threshold capture.ConfidenceLevel) (string, int, error) {
	if dir == "" {
		return "", 0, fmt.Errorf("export directory not configured")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", 0, fmt.Errorf("create export dir: %w", err)
	}

	base := security.SanitizeFilename(strings.TrimSuffix(filepath.Base(name), ".ply")) + ".ply"
	path := filepath.Join(dir, base)
	if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
		return "", 0, fmt.Errorf("invalid export path: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+base+".*.tmp")
	if err != nil {
		return "", 0, fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	kept, err := WritePLY(tmp, src, threshold)
	if err != nil {
		cleanup()
		return "", 0, err
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", 0, fmt.Errorf("sync export: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("close export: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", 0, fmt.Errorf("rename export: %w", err)
	}
	return path, kept, nil
}
