package segment

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
)

// PredictionMap holds one class index per pixel, row-major.
type PredictionMap struct {
	Height int
	Width  int
	Labels []int32
}

func (p *PredictionMap) At(y, x int) int32 {
	return p.Labels[y*p.Width+x]
}

// WriteText writes one line per row with comma-separated class indices.
func (p *PredictionMap) WriteText(w io.Writer) error {
	bw := bufio.NewWriter(w)
	line := make([]byte, 0, 4*p.Width)

	for y := range p.Height {
		line = line[:0]

		for x, v := range p.Labels[y*p.Width : (y+1)*p.Width] {
			if x > 0 {
				line = append(line, ',')
			}

			line = strconv.AppendInt(line, int64(v), 10)
		}

		line = append(line, '\n')
		if _, err := bw.Write(line); err != nil {
			return err
		}
	}

	return bw.Flush()
}

// SaveText writes the map to path, replacing any existing file.
func (p *PredictionMap) SaveText(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("segment: save prediction: %w", err)
	}

	if err := p.WriteText(f); err != nil {
		_ = f.Close()
		return fmt.Errorf("segment: save prediction: %w", err)
	}

	return f.Close()
}

// Histogram counts pixels per class. Labels outside [0,numClass) are not
// counted.
func (p *PredictionMap) Histogram(numClass int) []int {
	counts := make([]int, numClass)

	for _, v := range p.Labels {
		if v >= 0 && int(v) < numClass {
			counts[v]++
		}
	}

	return counts
}
