// Package fec implements a k-of-n systematic Reed-Solomon code over
// GF(2^8), the classic zfec Vandermonde construction: any k of the n
// emitted blocks suffice to reconstruct the k original data blocks.
// Ground: original_source/iwa-client/wasm/fec.c.
package fec

import (
	"github.com/tetherfpv/fpv-transport/internal/errors"
)

// Codec holds a cached n x k encoding matrix for a fixed (k, n) pair. The
// top k rows are the identity (systematic code); the remaining n-k rows
// are derived from an inverted Vandermonde matrix so that any k of the n
// rows form an invertible k x k submatrix.
type Codec struct {
	k, n      int
	encMatrix []gf // n x k
}

// NewCodec builds the encoding matrix for the given (k, n). Init must have
// been called first; 1 <= k <= n <= 256.
func NewCodec(k, n int) (*Codec, error) {
	const op = "fec.new_codec"
	if k < 1 || n < 1 || n > 256 || k > n {
		return nil, errors.NewFecError(op, errInvalidParams(k, n))
	}

	tmp := make([]gf, n*k)
	tmp[0] = 1
	for col := 1; col < k; col++ {
		tmp[col] = 0
	}
	for row, p := 0, k; row+1 < n; row, p = row+1, p+k {
		for col := 0; col < k; col++ {
			tmp[p+col] = gfExp[modnn(row*col)]
		}
	}
	invertVandermonde(tmp, k)

	encMatrix := make([]gf, n*k)
	matmul(tmp[k*k:], tmp, encMatrix[k*k:], n-k, k, k)
	for i := 0; i < k*k; i++ {
		encMatrix[i] = 0
	}
	for col := 0; col < k; col++ {
		encMatrix[col*k+col] = 1
	}

	return &Codec{k: k, n: n, encMatrix: encMatrix}, nil
}

// K returns the codec's data-block count.
func (c *Codec) K() int { return c.k }

// N returns the codec's total (data+parity) block count.
func (c *Codec) N() int { return c.n }

// Encode produces the n-k parity blocks for the given k equal-length data
// blocks. All blocks (data and parity) must share the same length.
func (c *Codec) Encode(data [][]byte) ([][]byte, error) {
	const op = "fec.encode"
	if len(data) != c.k {
		return nil, errors.NewFecError(op, errWrongBlockCount(c.k, len(data)))
	}
	sz := blockSize(data)
	if sz < 0 {
		return nil, errors.NewFecError(op, errUnevenBlockSize())
	}

	parity := make([][]byte, c.n-c.k)
	for i := range parity {
		parity[i] = make([]byte, sz)
		fecnum := c.k + i
		row := c.encMatrix[fecnum*c.k : fecnum*c.k+c.k]
		for j := 0; j < c.k; j++ {
			addmul(parity[i], data[j], row[j])
		}
	}
	return parity, nil
}

// Block pairs a received block with its original index in [0, n) among the
// codec's systematic+parity block numbering.
type Block struct {
	Index int
	Data  []byte
}

// Decode reconstructs the k original data blocks from any k distinct
// (index, data) pairs.
func (c *Codec) Decode(blocks []Block) ([][]byte, error) {
	const op = "fec.decode"
	if len(blocks) < c.k {
		return nil, errors.NewFecError(op, errInsufficientBlocks(c.k, len(blocks)))
	}
	blocks = blocks[:c.k]

	sz := len(blocks[0].Data)
	for _, b := range blocks {
		if len(b.Data) != sz {
			return nil, errors.NewFecError(op, errUnevenBlockSize())
		}
	}

	index := make([]int, c.k)
	for i, b := range blocks {
		index[i] = b.Index
	}

	decMatrix := make([]gf, c.k*c.k)
	for i := 0; i < c.k; i++ {
		row := decMatrix[i*c.k : i*c.k+c.k]
		if index[i] < c.k {
			row[index[i]] = 1
		} else {
			copy(row, c.encMatrix[index[i]*c.k:index[i]*c.k+c.k])
		}
	}
	invertMat(decMatrix, c.k)

	// decMatrix is the inverse of the submatrix formed by the received
	// rows, so decMatrix * received_blocks reconstructs every original
	// data block uniformly, not just the rows that were actually missing
	// (unlike fec_decode's in-place variant, which only recomputes rows
	// the caller didn't already have).
	out := make([][]byte, c.k)
	for row := 0; row < c.k; row++ {
		rebuilt := make([]byte, sz)
		for col := 0; col < c.k; col++ {
			addmul(rebuilt, blocks[col].Data, decMatrix[row*c.k+col])
		}
		out[row] = rebuilt
	}

	return out, nil
}

func blockSize(blocks [][]byte) int {
	if len(blocks) == 0 {
		return -1
	}
	sz := len(blocks[0])
	for _, b := range blocks {
		if len(b) != sz {
			return -1
		}
	}
	return sz
}
