package poolstat

import (
	"errors"
	"testing"

	"github.com/gtfodev/kvs-video-producer/pkg/kvserrors"
)

func TestReserveAndRelease(t *testing.T) {
	a := New(1024)

	if err := a.Reserve(512); err != nil {
		t.Fatalf("Reserve(512) error = %v", err)
	}
	st := a.Stat()
	if st.Used != 512 || st.Free != 512 || st.HighWaterMark != 512 {
		t.Fatalf("Stat() = %+v, want Used=512 Free=512 HighWaterMark=512", st)
	}

	a.Release(256)
	st = a.Stat()
	if st.Used != 256 || st.Free != 768 {
		t.Fatalf("Stat() after release = %+v, want Used=256 Free=768", st)
	}
	if st.HighWaterMark != 512 {
		t.Fatalf("HighWaterMark = %d, want 512 (unaffected by release)", st.HighWaterMark)
	}
}

func TestReserveOverflow(t *testing.T) {
	a := New(1024)
	if err := a.Reserve(1025); !errors.Is(err, kvserrors.ErrBufferOverflow) {
		t.Fatalf("Reserve(1025) error = %v, want ErrBufferOverflow", err)
	}
	if a.Stat().Used != 0 {
		t.Fatal("failed Reserve must not account partial bytes")
	}
}

func TestReserveUnboundedWhenCapacityZero(t *testing.T) {
	a := New(0)
	if err := a.Reserve(1 << 30); err != nil {
		t.Fatalf("Reserve() on unbounded arena error = %v", err)
	}
	if a.Stat().Free != 0 {
		t.Fatalf("Free = %d on unbounded arena, want 0", a.Stat().Free)
	}
}

func TestReleaseClampsAtZero(t *testing.T) {
	a := New(100)
	_ = a.Reserve(40)
	a.Release(1000)
	if a.Stat().Used != 0 {
		t.Fatalf("Used = %d after over-release, want clamped to 0", a.Stat().Used)
	}
}

func TestResetPreservesHighWaterMark(t *testing.T) {
	a := New(100)
	_ = a.Reserve(90)
	a.Release(90)
	a.Reset()
	st := a.Stat()
	if st.Used != 0 {
		t.Fatalf("Used = %d after Reset, want 0", st.Used)
	}
	if st.HighWaterMark != 90 {
		t.Fatalf("HighWaterMark = %d after Reset, want 90 preserved", st.HighWaterMark)
	}
}
