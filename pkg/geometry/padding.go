// Package geometry holds the size arithmetic and boundary handling used when
// an image is cut into network-sized pieces.
package geometry

import (
	"gonum.org/v1/gonum/mat"
)

// SizeFactor is the divisibility the segmentation network requires of its
// input edges. It doubles as the context radius kept around every tile.
const SizeFactor = 32

// TargetSize returns the smallest dimensions at or above h x w that are exact
// multiples of divisor, along with the bottom and right padding needed to get there.
func TargetSize(h, w, divisor int) (targetH, targetW, padBottom, padRight int) {
	padBottom = (divisor - h%divisor) % divisor
	padRight = (divisor - w%divisor) % divisor
	return h + padBottom, w + padRight, padBottom, padRight
}

// ReflectIndex maps a virtual index onto [0, n) by mirroring across the edges
// without repeating the edge element: for n=4, index -1 maps to 1 and index 4
// maps to 2. Indices further out keep bouncing between the two edges.
func ReflectIndex(i, n int) int {
	if n == 1 {
		return 0
	}
	period := 2 * (n - 1)
	i %= period
	if i < 0 {
		i += period
	}
	if i >= n {
		i = period - i
	}
	return i
}

// ReflectPad returns a copy of src grown by the given number of rows and
// columns on each side, filled by reflecting src across its borders.
func ReflectPad(src mat.Matrix, top, bottom, left, right int) *mat.Dense {
	rows, cols := src.Dims()
	out := mat.NewDense(rows+top+bottom, cols+left+right, nil)

	// Column lookup is shared by every output row.
	colMap := make([]int, cols+left+right)
	for j := range colMap {
		colMap[j] = ReflectIndex(j-left, cols)
	}

	for i := 0; i < rows+top+bottom; i++ {
		si := ReflectIndex(i-top, rows)
		for j, sj := range colMap {
			out.Set(i, j, src.At(si, sj))
		}
	}
	return out
}
