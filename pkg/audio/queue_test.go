package audio_test

import (
	"errors"
	"sync"
	"testing"

	"github.com/MrWong99/callbridge/pkg/audio"
)

func ramp(start, n int) []int16 {
	out := make([]int16, n)
	for i := range out {
		out[i] = int16(start + i)
	}
	return out
}

func TestFrameQueue_PartialHead(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(0)
	a := ramp(0, 500)
	b := ramp(1000, 300)
	if err := q.Push(a); err != nil {
		t.Fatalf("push a: %v", err)
	}
	if err := q.Push(b); err != nil {
		t.Fatalf("push b: %v", err)
	}

	dst := make([]int16, 600)
	n, ok := q.ReadInto(dst)
	if !ok {
		t.Fatal("ReadInto reported contention on an idle queue")
	}
	if n != 600 {
		t.Fatalf("read: got %d, want 600", n)
	}
	equalSamples(t, dst[:500], ramp(0, 500))
	equalSamples(t, dst[500:], ramp(1000, 100))

	if got := q.Samples(); got != 200 {
		t.Errorf("remaining samples: got %d, want 200", got)
	}
	if got := q.Len(); got != 1 {
		t.Errorf("remaining blocks: got %d, want 1", got)
	}

	rest := make([]int16, 200)
	n, _ = q.ReadInto(rest)
	if n != 200 {
		t.Fatalf("second read: got %d, want 200", n)
	}
	equalSamples(t, rest, ramp(1100, 200))
}

func TestFrameQueue_ShortRead(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(0)
	_ = q.Push(ramp(0, 10))
	dst := make([]int16, 25)
	n, ok := q.ReadInto(dst)
	if !ok || n != 10 {
		t.Fatalf("got n=%d ok=%v, want n=10 ok=true", n, ok)
	}
	if q.Samples() != 0 || q.Len() != 0 {
		t.Errorf("queue not empty: %d samples, %d blocks", q.Samples(), q.Len())
	}
}

func TestFrameQueue_Continuity(t *testing.T) {
	t.Parallel()

	blocks := [][]int16{ramp(0, 7), ramp(7, 120), ramp(127, 3), ramp(130, 64)}
	splits := []struct{ n1, n2 int }{
		{0, 194}, {1, 193}, {7, 100}, {8, 8}, {130, 64}, {150, 60}, {194, 0},
	}
	for _, sp := range splits {
		whole := audio.NewFrameQueue(0)
		split := audio.NewFrameQueue(0)
		for _, b := range blocks {
			_ = whole.Push(append([]int16(nil), b...))
			_ = split.Push(append([]int16(nil), b...))
		}

		once := make([]int16, sp.n1+sp.n2)
		nOnce, _ := whole.ReadInto(once)

		twice := make([]int16, sp.n1+sp.n2)
		a, _ := split.ReadInto(twice[:sp.n1])
		b, _ := split.ReadInto(twice[sp.n1:])

		if nOnce != a+b {
			t.Fatalf("split %d+%d: read %d vs %d", sp.n1, sp.n2, nOnce, a+b)
		}
		for i := range once {
			if once[i] != twice[i] {
				t.Fatalf("split %d+%d: sample %d differs: %d vs %d", sp.n1, sp.n2, i, once[i], twice[i])
			}
		}
		if whole.Samples() != split.Samples() {
			t.Errorf("split %d+%d: remaining %d vs %d", sp.n1, sp.n2, whole.Samples(), split.Samples())
		}
	}
}

func TestFrameQueue_EmptyPushIgnored(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(0)
	if err := q.Push(nil); err != nil {
		t.Fatalf("push nil: %v", err)
	}
	if q.Len() != 0 {
		t.Errorf("Len: got %d, want 0", q.Len())
	}
}

func TestFrameQueue_Limit(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(100)
	if err := q.Push(ramp(0, 80)); err != nil {
		t.Fatalf("first push: %v", err)
	}
	if err := q.Push(ramp(0, 30)); !errors.Is(err, audio.ErrQueueFull) {
		t.Fatalf("over-limit push: got %v, want ErrQueueFull", err)
	}
	if err := q.Push(ramp(0, 20)); err != nil {
		t.Fatalf("push up to limit: %v", err)
	}
	if got := q.Samples(); got != 100 {
		t.Errorf("samples: got %d, want 100", got)
	}
}

func TestFrameQueue_Close(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(0)
	_ = q.Push(ramp(0, 10))
	q.Close()
	q.Close()

	if !q.Closed() {
		t.Error("Closed: got false after Close")
	}
	if q.Samples() != 0 {
		t.Errorf("samples after close: got %d, want 0", q.Samples())
	}
	if err := q.Push(ramp(0, 10)); !errors.Is(err, audio.ErrQueueClosed) {
		t.Errorf("push after close: got %v, want ErrQueueClosed", err)
	}
	n, ok := q.ReadInto(make([]int16, 4))
	if !ok || n != 0 {
		t.Errorf("read after close: got n=%d ok=%v, want n=0 ok=true", n, ok)
	}
}

func TestFrameQueue_Compaction(t *testing.T) {
	t.Parallel()

	q := audio.NewFrameQueue(0)
	for i := range 200 {
		_ = q.Push(ramp(i*2, 2))
	}
	dst := make([]int16, 2)
	for i := range 150 {
		n, _ := q.ReadInto(dst)
		if n != 2 || dst[0] != int16(i*2) {
			t.Fatalf("read %d: got n=%d first=%d", i, n, dst[0])
		}
	}
	if got := q.Len(); got != 50 {
		t.Fatalf("Len: got %d, want 50", got)
	}
	all := make([]int16, 100)
	n, _ := q.ReadInto(all)
	if n != 100 {
		t.Fatalf("drain: got %d, want 100", n)
	}
	equalSamples(t, all, ramp(300, 100))
}

func TestFrameQueue_ConcurrentPushRead(t *testing.T) {
	t.Parallel()

	const writers, perWriter, blockLen = 4, 200, 16
	q := audio.NewFrameQueue(0)

	var wg sync.WaitGroup
	for range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWriter {
				_ = q.Push(make([]int16, blockLen))
			}
		}()
	}

	total := 0
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	dst := make([]int16, 37)
	for {
		n, _ := q.ReadInto(dst)
		total += n
		select {
		case <-done:
			for {
				n, ok := q.ReadInto(dst)
				if ok && n == 0 {
					break
				}
				total += n
			}
			if want := writers * perWriter * blockLen; total != want {
				t.Fatalf("total read: got %d, want %d", total, want)
			}
			return
		default:
		}
	}
}
