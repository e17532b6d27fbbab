// Package fec implements the systematic Reed-Solomon erasure code used to
// protect the media streams. It is a Go rendering of the classic GF(2^8)
// Vandermonde/Cauchy construction from moonlight-common-c, oriented toward
// the host side: Encode produces parity shards for outgoing packet groups,
// Reconstruct exists to verify recoverability.
package fec

import (
	"errors"
	"sync"
)

const (
	gfBits = 8
	// gfPoly is the primitive polynomial for GF(2^8), x^8+x^4+x^3+x^2+1.
	gfPoly = "101110001"
	gfSize = (1 << gfBits) - 1

	// MaxShards is the maximum number of data + parity shards per group.
	MaxShards = 255
)

var (
	// ErrTooManyShards indicates a geometry New cannot build: a
	// non-positive data or parity count, or data+parity above MaxShards
	ErrTooManyShards = errors.New("too many shards")
	// ErrNotEnoughShards indicates reconstruction cannot proceed
	ErrNotEnoughShards = errors.New("not enough shards for reconstruction")
	// ErrShardSize indicates inconsistent or empty shard sizes
	ErrShardSize = errors.New("invalid shard size")
	// ErrSingular indicates a non-invertible decode matrix
	ErrSingular = errors.New("singular matrix")
)

var (
	tablesOnce sync.Once
	gfExp      [2 * gfSize]byte
	gfLog      [gfSize + 1]int
	gfInv      [gfSize + 1]byte
	gfMulTab   [(gfSize + 1) * (gfSize + 1)]byte
)

// Codec encodes a fixed geometry of data and parity shards.
type Codec struct {
	dataShards   int
	parityShards int
	totalShards  int
	matrix       []byte
	parity       []byte
}

// New creates a codec for the given shard geometry.
func New(dataShards, parityShards int) (*Codec, error) {
	tablesOnce.Do(buildTables)

	total := dataShards + parityShards
	if dataShards <= 0 || parityShards <= 0 || total > MaxShards {
		return nil, ErrTooManyShards
	}

	c := &Codec{
		dataShards:   dataShards,
		parityShards: parityShards,
		totalShards:  total,
	}

	// Identity over the data rows, Cauchy-style parity rows below. The
	// systematic form keeps the data shards transmitted as-is.
	m := make([]byte, total*dataShards)
	for i := 0; i < dataShards; i++ {
		m[i*dataShards+i] = 1
	}
	for j := 0; j < parityShards; j++ {
		for i := 0; i < dataShards; i++ {
			m[(dataShards+j)*dataShards+i] = gfInv[(parityShards+i)^j]
		}
	}
	c.matrix = m
	c.parity = m[dataShards*dataShards:]

	return c, nil
}

// DataShards returns the data shard count.
func (c *Codec) DataShards() int { return c.dataShards }

// ParityShards returns the parity shard count.
func (c *Codec) ParityShards() int { return c.parityShards }

// TotalShards returns data + parity.
func (c *Codec) TotalShards() int { return c.totalShards }

// Encode fills shards[dataShards:] with parity computed over
// shards[:dataShards]. All shards must be equal length.
func (c *Codec) Encode(shards [][]byte) error {
	if len(shards) != c.totalShards {
		return ErrShardSize
	}
	size := len(shards[0])
	if size == 0 {
		return ErrShardSize
	}
	for _, s := range shards {
		if len(s) != size {
			return ErrShardSize
		}
	}

	coerce(c.parity, shards[:c.dataShards], shards[c.dataShards:], c.dataShards)
	return nil
}

// Reconstruct recovers missing data shards in place. present[i] reports
// whether shards[i] arrived; missing data shards may be nil and are
// allocated as needed.
func (c *Codec) Reconstruct(shards [][]byte, present []bool) error {
	if len(shards) != c.totalShards || len(present) != c.totalShards {
		return ErrShardSize
	}

	size := 0
	for i, s := range shards {
		if present[i] {
			if size == 0 {
				size = len(s)
			} else if len(s) != size {
				return ErrShardSize
			}
		}
	}
	if size == 0 {
		return ErrNotEnoughShards
	}

	var missing []int
	for i := 0; i < c.dataShards; i++ {
		if !present[i] {
			missing = append(missing, i)
		}
	}
	if len(missing) == 0 {
		return nil
	}

	// Select surviving rows: data rows that arrived, topped up with parity
	// rows until we have dataShards equations.
	decode := make([]byte, c.dataShards*c.dataShards)
	sub := make([][]byte, c.dataShards)
	row := 0
	for i := 0; i < c.dataShards; i++ {
		if present[i] {
			copy(decode[row*c.dataShards:], c.matrix[i*c.dataShards:(i+1)*c.dataShards])
			sub[row] = shards[i]
			row++
		}
	}
	for i := c.dataShards; i < c.totalShards && row < c.dataShards; i++ {
		if present[i] {
			copy(decode[row*c.dataShards:], c.matrix[i*c.dataShards:(i+1)*c.dataShards])
			sub[row] = shards[i]
			row++
		}
	}
	if row < c.dataShards {
		return ErrNotEnoughShards
	}

	if err := invert(decode, c.dataShards); err != nil {
		return err
	}

	outputs := make([][]byte, len(missing))
	rows := make([]byte, len(missing)*c.dataShards)
	for i, idx := range missing {
		if shards[idx] == nil {
			shards[idx] = make([]byte, size)
		}
		outputs[i] = shards[idx]
		copy(rows[i*c.dataShards:], decode[idx*c.dataShards:(idx+1)*c.dataShards])
	}

	coerce(rows, sub, outputs, c.dataShards)
	return nil
}

// ParityCount computes the parity shard count for a group of dataShards
// packets at the configured FEC percentage, honouring the client's
// minimum. The result is clamped so the group fits MaxShards.
func ParityCount(dataShards, fecPercentage, minRequired int) int {
	if dataShards <= 0 || fecPercentage <= 0 {
		return 0
	}
	parity := (dataShards*fecPercentage + 99) / 100
	if parity < minRequired {
		parity = minRequired
	}
	if dataShards+parity > MaxShards {
		parity = MaxShards - dataShards
		if parity < 0 {
			parity = 0
		}
	}
	return parity
}

// MaxDataShardsPerGroup bounds the data shards per FEC group so that the
// group plus its parity fits MaxShards at the given percentage.
func MaxDataShardsPerGroup(fecPercentage int) int {
	if fecPercentage <= 0 {
		return MaxShards
	}
	// k + ceil(k*p/100) <= MaxShards
	k := MaxShards * 100 / (100 + fecPercentage)
	if k < 1 {
		k = 1
	}
	return k
}

// Galois field arithmetic.

func buildTables() {
	var mask byte = 1
	gfExp[gfBits] = 0
	for i := 0; i < gfBits; i++ {
		gfExp[i] = mask
		gfLog[gfExp[i]] = i
		if gfPoly[i] == '1' {
			gfExp[gfBits] ^= mask
		}
		mask <<= 1
	}
	gfLog[gfExp[gfBits]] = gfBits

	mask = 1 << (gfBits - 1)
	for i := gfBits + 1; i < gfSize; i++ {
		if gfExp[i-1] >= mask {
			gfExp[i] = gfExp[gfBits] ^ ((gfExp[i-1] ^ mask) << 1)
		} else {
			gfExp[i] = gfExp[i-1] << 1
		}
		gfLog[gfExp[i]] = i
	}
	gfLog[0] = gfSize
	for i := 0; i < gfSize; i++ {
		gfExp[i+gfSize] = gfExp[i]
	}

	gfInv[0] = 0
	gfInv[1] = 1
	for i := 2; i <= gfSize; i++ {
		gfInv[i] = gfExp[gfSize-gfLog[i]]
	}

	for i := 0; i <= gfSize; i++ {
		for j := 0; j <= gfSize; j++ {
			gfMulTab[(i<<8)+j] = gfExp[modnn(gfLog[i]+gfLog[j])]
		}
	}
	for j := 0; j <= gfSize; j++ {
		gfMulTab[j] = 0
		gfMulTab[j<<8] = 0
	}
}

func modnn(x int) int {
	for x >= gfSize {
		x -= gfSize
		x = (x >> gfBits) + (x & gfSize)
	}
	return x
}

func gfMul(x, y byte) byte {
	return gfMulTab[(int(x)<<8)+int(y)]
}

// mulRow sets dst = src * c.
func mulRow(dst, src []byte, c byte) {
	if c == 0 {
		for i := range dst {
			dst[i] = 0
		}
		return
	}
	tab := gfMulTab[int(c)<<8:]
	for i := range dst {
		dst[i] = tab[src[i]]
	}
}

// addMulRow sets dst ^= src * c.
func addMulRow(dst, src []byte, c byte) {
	if c == 0 {
		return
	}
	tab := gfMulTab[int(c)<<8:]
	for i := range dst {
		dst[i] ^= tab[src[i]]
	}
}

// coerce applies the matrix rows to the inputs, producing outputs.
func coerce(rows []byte, inputs, outputs [][]byte, dataShards int) {
	for col := 0; col < dataShards; col++ {
		in := inputs[col]
		for r := range outputs {
			if col == 0 {
				mulRow(outputs[r], in, rows[r*dataShards+col])
			} else {
				addMulRow(outputs[r], in, rows[r*dataShards+col])
			}
		}
	}
}

// invert performs in-place Gauss-Jordan inversion of a k×k matrix.
func invert(m []byte, k int) error {
	indxc := make([]int, k)
	indxr := make([]int, k)
	ipiv := make([]int, k)

	for col := 0; col < k; col++ {
		irow, icol := -1, -1

		if ipiv[col] != 1 && m[col*k+col] != 0 {
			irow, icol = col, col
		} else {
			for r := 0; r < k && icol == -1; r++ {
				if ipiv[r] == 1 {
					continue
				}
				for c := 0; c < k; c++ {
					if ipiv[c] == 0 && m[r*k+c] != 0 {
						irow, icol = r, c
						break
					}
				}
			}
		}
		if icol == -1 {
			return ErrSingular
		}
		ipiv[icol]++

		if irow != icol {
			for c := 0; c < k; c++ {
				m[irow*k+c], m[icol*k+c] = m[icol*k+c], m[irow*k+c]
			}
		}
		indxr[col], indxc[col] = irow, icol

		pivotRow := m[icol*k : (icol+1)*k]
		pivot := pivotRow[icol]
		if pivot == 0 {
			return ErrSingular
		}
		if pivot != 1 {
			inv := gfInv[pivot]
			pivotRow[icol] = 1
			for c := 0; c < k; c++ {
				pivotRow[c] = gfMul(inv, pivotRow[c])
			}
		}

		for r := 0; r < k; r++ {
			if r == icol {
				continue
			}
			row := m[r*k : (r+1)*k]
			factor := row[icol]
			row[icol] = 0
			addMulRow(row, pivotRow, factor)
		}
	}

	for col := k - 1; col >= 0; col-- {
		if indxr[col] != indxc[col] {
			for r := 0; r < k; r++ {
				m[r*k+indxr[col]], m[r*k+indxc[col]] = m[r*k+indxc[col]], m[r*k+indxr[col]]
			}
		}
	}
	return nil
}
