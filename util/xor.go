package util

import "crypto/subtle"

// Xors src into dst. Panics if src is shorter than dst.
func BlockXor(dst []byte, src []byte) {
	if len(src) < len(dst) {
		panic("xor source shorter than destination")
	}
	subtle.XORBytes(dst, dst, src[:len(dst)])
}

func GCD(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// The least common multiple; zero if either argument is zero.
func LCM(a, b uint32) uint32 {
	if a == 0 || b == 0 {
		return 0
	}
	return a / GCD(a, b) * b
}
