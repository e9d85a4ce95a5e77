package arena

import (
	"fmt"
	"testing"
	"time"
)

func benchArena(b *testing.B) *Arena {
	b.Helper()
	a, err := New(Config{MemoryBytes: 64 << 20, BlockSize: 256, DictCapacity: 1 << 16})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = a.Close() })
	return a
}

func BenchmarkArenaPut(b *testing.B) {
	a := benchArena(b)
	val := make([]byte, 512)
	keys := make([][]byte, 1024)
	for i := range keys {
		keys[i] = fmt.Appendf(nil, "bench-key-%d", i)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			a.Put(keys[i&1023], val, time.Minute)
			i++
		}
	})
}

func BenchmarkArenaGet(b *testing.B) {
	a := benchArena(b)
	val := make([]byte, 512)
	keys := make([][]byte, 1024)
	for i := range keys {
		keys[i] = fmt.Appendf(nil, "bench-key-%d", i)
		a.Put(keys[i], val, time.Minute)
	}
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		var sink []byte
		for pb.Next() {
			sink = a.Get(keys[i&1023])
			i++
		}
		_ = sink
	})
}
