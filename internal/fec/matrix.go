package fec

// matmul computes c (n x m) = a (n x k) * b (k x m) over GF(256). Ground:
// iwa-client/wasm/fec.c's _matmul.
func matmul(a, b []gf, c []gf, n, k, m int) {
	for row := 0; row < n; row++ {
		for col := 0; col < m; col++ {
			var acc gf
			for i := 0; i < k; i++ {
				acc ^= gfMul(a[row*k+i], b[i*m+col])
			}
			c[row*m+col] = acc
		}
	}
}

// invertMat inverts the k x k matrix src in place via Gauss-Jordan
// elimination with full pivoting over GF(256). Ground: iwa-client/wasm/
// fec.c's _invert_mat.
func invertMat(src []gf, k int) {
	indxc := make([]int, k)
	indxr := make([]int, k)
	ipiv := make([]int, k)
	idRow := make([]gf, k)

	var irow, icol int

	for col := 0; col < k; col++ {
		found := false
		if ipiv[col] != 1 && src[col*k+col] != 0 {
			irow, icol = col, col
			found = true
		}
		if !found {
		search:
			for row := 0; row < k; row++ {
				if ipiv[row] != 1 {
					for ix := 0; ix < k; ix++ {
						if ipiv[ix] == 0 && src[row*k+ix] != 0 {
							irow, icol = row, ix
							found = true
							break search
						}
					}
				}
			}
		}

		ipiv[icol]++
		if irow != icol {
			for ix := 0; ix < k; ix++ {
				src[irow*k+ix], src[icol*k+ix] = src[icol*k+ix], src[irow*k+ix]
			}
		}
		indxr[col] = irow
		indxc[col] = icol

		pivotRow := src[icol*k : icol*k+k]
		c := pivotRow[icol]
		if c != 1 {
			cInv := gfInverse[c]
			pivotRow[icol] = 1
			for ix := 0; ix < k; ix++ {
				pivotRow[ix] = gfMul(cInv, pivotRow[ix])
			}
		}
		idRow[icol] = 1
		if !rowEqual(pivotRow, idRow) {
			for ix := 0; ix < k; ix++ {
				if ix != icol {
					p := src[ix*k : ix*k+k]
					c := p[icol]
					p[icol] = 0
					addmul(p, pivotRow, c)
				}
			}
		}
		idRow[icol] = 0
	}

	for col := k; col > 0; col-- {
		if indxr[col-1] != indxc[col-1] {
			for row := 0; row < k; row++ {
				a, b := row*k+indxr[col-1], row*k+indxc[col-1]
				src[a], src[b] = src[b], src[a]
			}
		}
	}
}

func rowEqual(a, b []gf) bool {
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// invertVandermonde inverts the k x k Vandermonde matrix described by src
// (only the second column, src[1], src[k+1], ..., src[(k-1)*k+1], is used
// as the set of evaluation points) in place. Ground: iwa-client/wasm/fec.c's _invert_vdm.
func invertVandermonde(src []gf, k int) {
	if k == 1 {
		return
	}
	c := make([]gf, k)
	b := make([]gf, k)
	p := make([]gf, k)

	for i, j := 0, 1; i < k; i, j = i+1, j+k {
		c[i] = 0
		p[i] = src[j]
	}
	c[k-1] = p[0]
	for i := 1; i < k; i++ {
		pi := p[i]
		for j := k - 1 - (i - 1); j < k-1; j++ {
			c[j] ^= gfMul(pi, c[j+1])
		}
		c[k-1] ^= pi
	}

	for row := 0; row < k; row++ {
		xx := p[row]
		t := gf(1)
		b[k-1] = 1
		for i := k - 1; i > 0; i-- {
			b[i-1] = c[i] ^ gfMul(xx, b[i])
			t = gfMul(xx, t) ^ b[i-1]
		}
		tInv := gfInverse[t]
		for col := 0; col < k; col++ {
			src[col*k+row] = gfMul(tInv, b[col])
		}
	}
}
