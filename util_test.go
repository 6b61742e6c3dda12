package hix

import (
	"testing"
	"unsafe"
)

func calcEntriesSim(ps, cl int) int {
	target := min(cl, 32+32*(ps/8))
	overhead := 8 + ps + 8
	if r := (8 + ps) % 8; r != 0 {
		// the count word is 8-byte aligned
		overhead += 8 - r
	}
	if target <= overhead {
		return 0
	}
	return min(opByteIdx-1, (target-overhead)/ps)
}

func TestEntriesPerGroup_Simulated(t *testing.T) {
	cases := []struct {
		ps   int
		cl   int
		want int
	}{
		{8, 64, 5},
		{8, 128, 5},
		{8, 256, 5},
		{4, 32, 2},
		{4, 64, 2},
		{4, 128, 2},
	}
	for _, c := range cases {
		got := calcEntriesSim(c.ps, c.cl)
		if got != c.want {
			t.Fatalf("ps=%d cl=%d got=%d want=%d", c.ps, c.cl, got, c.want)
		}
		if got > opByteIdx-1 {
			t.Fatalf("ps=%d cl=%d got=%d exceeds tag bytes", c.ps, c.cl, got)
		}
	}
}

func TestEntriesPerGroup_Actual(t *testing.T) {
	ps := int(unsafe.Sizeof(unsafe.Pointer(nil)))
	cl := int(cacheLineSize)
	if exp := calcEntriesSim(ps, cl); entriesPerGroup != exp {
		t.Fatalf("entriesPerGroup=%d exp=%d", entriesPerGroup, exp)
	}
	// every tag byte must be covered by metaMask and none of the op bits
	for i := range entriesPerGroup {
		if metaMask&(uint64(0x80)<<(i*8)) == 0 {
			t.Fatalf("metaMask misses tag byte %d", i)
		}
	}
	if metaMask&opMask != 0 {
		t.Fatal("metaMask overlaps the op byte")
	}
}

func TestNextPowOf2(t *testing.T) {
	cases := []struct{ in, want int }{
		{0, 1},
		{1, 1},
		{2, 2},
		{3, 4},
		{4, 4},
		{5, 8},
		{1000, 1024},
		{1024, 1024},
		{1025, 2048},
		{maxInt/2 + 1, maxInt/2 + 1},
	}
	for _, c := range cases {
		if got := nextPowOf2(c.in); got != c.want {
			t.Fatalf("nextPowOf2(%d)=%d, want %d", c.in, got, c.want)
		}
	}
}

func TestBroadcast(t *testing.T) {
	if got := broadcast(0); got != 0 {
		t.Fatalf("broadcast(0)=%#x", got)
	}
	if got := broadcast(0xAB); got != 0xABABABABABABABAB {
		t.Fatalf("broadcast(0xAB)=%#x", got)
	}
}

func TestMarkZeroBytes(t *testing.T) {
	tag := uint8(0x91)
	w := broadcast(tag)
	// all bytes match
	if got := markZeroBytes(w ^ broadcast(tag)); got != metaMask {
		t.Fatalf("all-match got %#x, want %#x", got, metaMask)
	}
	// single byte match at position 2
	var meta uint64
	meta = setByte(meta, tag, 2)
	marked := markZeroBytes(meta ^ w)
	if firstMarkedByteIndex(marked) != 2 {
		t.Fatalf("marked=%#x, want bit in byte 2", marked)
	}
	marked &= marked - 1
	// remaining marks are the empty slots that XORed to tag-distance zero
	// only when they equal the tag; zeroed bytes differ from 0x91
	for ; marked != 0; marked &= marked - 1 {
		if i := firstMarkedByteIndex(marked); i == 2 {
			t.Fatal("byte 2 marked twice")
		}
	}
}

func TestSetByte(t *testing.T) {
	var w uint64
	for i := range entriesPerGroup {
		w = setByte(w, uint8(i+1)|slotMask, i)
	}
	for i := range entriesPerGroup {
		got := uint8(w >> (i * 8))
		if got != uint8(i+1)|slotMask {
			t.Fatalf("byte %d is %#x", i, got)
		}
	}
	w = setByte(w, slotEmpty, 1)
	if uint8(w>>8) != slotEmpty {
		t.Fatal("clearing byte 1 failed")
	}
	if uint8(w) != 1|slotMask || uint8(w>>16) != 3|slotMask {
		t.Fatal("neighbors disturbed")
	}
}

func TestUnsafeSlice(t *testing.T) {
	s := make([]int, 16)
	us := makeUnsafeSlice(s)
	for i := range s {
		*us.At(i) = i * 2
	}
	for i := range s {
		if s[i] != i*2 {
			t.Fatalf("s[%d]=%d", i, s[i])
		}
	}
}
