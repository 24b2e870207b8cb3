package fec

import "sync"

// gf is a single element of GF(2^8).
type gf = byte

// primitivePoly is x^8+x^4+x^3+x^2+1 represented as the low-to-high bit
// string used to build the exponent table (ground: iwa-client/wasm/fec.c's
// Pp = "101110001", the classic zfec construction).
const primitivePoly = "101110001"

var (
	gfExp     [510]gf
	gfLog     [256]int
	gfInverse [256]gf
	gfMulTbl  [256][256]gf

	initOnce sync.Once
)

// Init builds the GF(256) exponent/log/inverse/multiplication tables. It is
// safe to call from multiple goroutines; only the first call does work
// (spec §4.3: "call fec_init once before any fec_new/encode/decode;
// thread-safe thereafter; concurrent fec_init is disallowed" — sync.Once
// gives us that for free instead of a hand-rolled init flag).
func Init() {
	initOnce.Do(func() {
		generateGF()
		initMulTable()
	})
}

func modnn(x int) int {
	for x >= 255 {
		x -= 255
		x = (x >> 8) + (x & 255)
	}
	return x
}

func generateGF() {
	var mask gf = 1
	gfExp[8] = 0
	for i := 0; i < 8; i, mask = i+1, mask<<1 {
		gfExp[i] = mask
		gfLog[gfExp[i]] = i
		if primitivePoly[i] == '1' {
			gfExp[8] ^= mask
		}
	}
	gfLog[gfExp[8]] = 8
	mask = 1 << 7
	for i := 9; i < 255; i++ {
		if gfExp[i-1] >= mask {
			gfExp[i] = gfExp[8] ^ ((gfExp[i-1] ^ mask) << 1)
		} else {
			gfExp[i] = gfExp[i-1] << 1
		}
		gfLog[gfExp[i]] = i
	}
	gfLog[0] = 255
	for i := 0; i < 255; i++ {
		gfExp[i+255] = gfExp[i]
	}
	gfInverse[0] = 0
	gfInverse[1] = 1
	for i := 2; i <= 255; i++ {
		gfInverse[i] = gfExp[255-gfLog[i]]
	}
}

func initMulTable() {
	for i := 0; i < 256; i++ {
		for j := 0; j < 256; j++ {
			gfMulTbl[i][j] = gfExp[modnn(gfLog[i]+gfLog[j])]
		}
	}
	for j := 0; j < 256; j++ {
		gfMulTbl[0][j] = 0
		gfMulTbl[j][0] = 0
	}
}

func gfMul(x, y gf) gf { return gfMulTbl[x][y] }

// addmul computes dst[i] ^= c*src[i] for i in [0,len(dst)), the GF(256)
// multiply-accumulate at the heart of both encode and decode. The C
// original unrolls this by 16; this version is a plain per-byte loop.
func addmul(dst, src []gf, c gf) {
	if c == 0 {
		return
	}
	row := gfMulTbl[c]
	n := len(dst)
	if len(src) < n {
		n = len(src)
	}
	for i := 0; i < n; i++ {
		dst[i] ^= row[src[i]]
	}
}
