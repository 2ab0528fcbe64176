package virtio

import (
	"bytes"
	"encoding/gob"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/yuluo-zy/stratovrit/internal/hv"
)

// decodeDeviceSnapshot strips the header and decodes the gob body.
func decodeDeviceSnapshot(t *testing.T, data []byte) deviceRecord {
	t.Helper()
	r := bytes.NewReader(data)
	if _, err := hv.ReadSnapshotHeader(r); err != nil {
		t.Fatalf("snapshot header: %v", err)
	}
	var rec deviceRecord
	if err := gob.NewDecoder(r).Decode(&rec); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	return rec
}

// mutateDeviceSnapshot rewrites a snapshot with f applied to its record.
func mutateDeviceSnapshot(t *testing.T, data []byte, f func(*deviceRecord)) []byte {
	t.Helper()
	rec := decodeDeviceSnapshot(t, data)
	f(&rec)
	var buf bytes.Buffer
	if err := hv.WriteSnapshotHeader(&buf, hv.SnapshotHeader{
		Magic:   hv.SnapshotMagic,
		Version: hv.SnapshotVersion,
	}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := gob.NewEncoder(&buf).Encode(&rec); err != nil {
		t.Fatalf("encode snapshot: %v", err)
	}
	return buf.Bytes()
}

func TestDeviceSnapshotRoundTrip(t *testing.T) {
	mem := newMockGuestMemory()
	src := newStubHandler()
	copy(src.config, []byte{1, 2, 3, 4, 5, 6, 7, 8})
	a := newTestDevice(t, src, mem)

	setupQueue(a, 0, 16)
	driveToDriverOK(t, a, FeatureVersion1|FeatureRingEventIdx)
	a.mu.Lock()
	a.queues[0].lastAvailIdx = 7
	a.queues[0].usedIdx = 7
	a.queues[0].usedEvent = 6
	a.queues[0].availEvent = 7
	a.cfgGeneration = 3
	a.mu.Unlock()

	var buf bytes.Buffer
	if err := a.SaveSnapshot(&buf); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	saved := buf.Bytes()

	dst := newStubHandler()
	b := newTestDevice(t, dst, mem)
	if err := b.RestoreSnapshot(bytes.NewReader(saved)); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	var again bytes.Buffer
	if err := b.SaveSnapshot(&again); err != nil {
		t.Fatalf("SaveSnapshot after restore: %v", err)
	}
	want := decodeDeviceSnapshot(t, saved)
	got := decodeDeviceSnapshot(t, again.Bytes())
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restored state differs (-want +got):\n%s", diff)
	}

	// The handler payload and negotiated ring mode came across too.
	dst.mu.Lock()
	if !bytes.Equal(dst.config, src.config) {
		t.Errorf("payload = %v, want %v", dst.config, src.config)
	}
	dst.mu.Unlock()
	b.mu.Lock()
	if !b.queues[0].ready || !b.queues[0].eventIdx {
		t.Errorf("queue state not relatched: ready=%v eventIdx=%v",
			b.queues[0].ready, b.queues[0].eventIdx)
	}
	b.mu.Unlock()
}

func TestRestoreReenablesHandler(t *testing.T) {
	mem := newMockGuestMemory()
	a := newTestDevice(t, newStubHandler(), mem)
	setupQueue(a, 0, 8)
	driveToDriverOK(t, a, FeatureVersion1)

	var buf bytes.Buffer
	if err := a.SaveSnapshot(&buf); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	dst := newStubHandler()
	b := newTestDevice(t, dst, mem)
	if err := b.RestoreSnapshot(&buf); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	dst.mu.Lock()
	defer dst.mu.Unlock()
	if len(dst.enabled) != 1 || dst.enabled[0]&FeatureVersion1 == 0 {
		t.Errorf("handler enable calls = %v", dst.enabled)
	}
}

func TestRestoreRejectsWrongDeviceType(t *testing.T) {
	mem := newMockGuestMemory()
	src := newStubHandler()
	src.id = DeviceIDBlock
	a := newTestDevice(t, src, mem)

	var buf bytes.Buffer
	if err := a.SaveSnapshot(&buf); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	b := newTestDevice(t, newStubHandler(), mem)
	if err := b.RestoreSnapshot(&buf); !errors.Is(err, ErrSnapshotGeometry) {
		t.Fatalf("expected ErrSnapshotGeometry, got %v", err)
	}
}

func TestRestoreValidatesBeforeApply(t *testing.T) {
	mem := newMockGuestMemory()
	a := newTestDevice(t, newStubHandler(), mem)
	setupQueue(a, 0, 8)
	driveToDriverOK(t, a, FeatureVersion1)

	var buf bytes.Buffer
	if err := a.SaveSnapshot(&buf); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	cases := []struct {
		name    string
		mutate  func(*deviceRecord)
		wantErr error
	}{
		{"size not power of two", func(r *deviceRecord) { r.Queues[0].Size = 3 }, ErrSnapshotGeometry},
		{"size above max", func(r *deviceRecord) { r.Queues[0].Size = 128 }, ErrSnapshotGeometry},
		{"enabled with zero size", func(r *deviceRecord) {
			r.Queues[0].Size = 0
			r.Queues[0].Enable = true
		}, ErrSnapshotGeometry},
		{"unoffered features", func(r *deviceRecord) { r.DriverFeatures |= 1 << 50 }, ErrFeatureRejected},
		{"event fields without negotiation", func(r *deviceRecord) { r.Queues[0].UsedEvent = 9 }, ErrSnapshotGeometry},
		{"queue count mismatch", func(r *deviceRecord) { r.Queues = r.Queues[:0] }, ErrSnapshotGeometry},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := newTestDevice(t, newStubHandler(), mem)
			setupQueue(b, 0, 8)
			driveToDriverOK(t, b, FeatureVersion1)
			before := b.Status()

			bad := mutateDeviceSnapshot(t, buf.Bytes(), tc.mutate)
			if err := b.RestoreSnapshot(bytes.NewReader(bad)); !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			// A rejected restore leaves the device alone.
			if b.Status() != before {
				t.Errorf("status changed on failed restore: %#x -> %#x", before, b.Status())
			}
		})
	}
}

func TestRestoreRejectsBadHeader(t *testing.T) {
	mem := newMockGuestMemory()
	d := newTestDevice(t, newStubHandler(), mem)

	var buf bytes.Buffer
	if err := hv.WriteSnapshotHeader(&buf, hv.SnapshotHeader{Magic: 0xdeadbeef, Version: 1}); err != nil {
		t.Fatalf("write header: %v", err)
	}
	if err := d.RestoreSnapshot(&buf); !errors.Is(err, hv.ErrSnapshotVersion) {
		t.Fatalf("expected ErrSnapshotVersion, got %v", err)
	}
}

func TestPCIFunctionSnapshotRoundTrip(t *testing.T) {
	mem := newMockGuestMemory()
	msi := &recordingMSI{}
	a := newTestFunction(t, newStubHandler(), mem, msi, nil)

	a.enableMSIX(t)
	a.writeMSIXEntry(t, 0, 0xfee0_1000, 0x31, false)
	a.writeMSIXEntry(t, 1, 0xfee0_2000, 0x32, true)
	a.commonWrite(t, commonQueueSelect, 2, 0)
	a.commonWrite(t, commonQueueMSIXVector, 2, 1)
	a.negotiate(t, FeatureVersion1, 8)

	var buf bytes.Buffer
	if err := a.SaveSnapshot(&buf); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}
	saved := append([]byte(nil), buf.Bytes()...)

	b := newTestFunction(t, newStubHandler(), mem, &recordingMSI{}, nil)
	if err := b.RestoreSnapshot(bytes.NewReader(saved)); err != nil {
		t.Fatalf("RestoreSnapshot: %v", err)
	}

	var again bytes.Buffer
	if err := b.SaveSnapshot(&again); err != nil {
		t.Fatalf("SaveSnapshot after restore: %v", err)
	}
	if diff := cmp.Diff(saved, again.Bytes()); diff != "" {
		t.Errorf("restored function state differs (-want +got):\n%s", diff)
	}

	// Transport registers landed: BAR placement matches the source.
	for off := uint16(0x10); off <= 0x24; off += 4 {
		want, err := a.ReadConfig(off, 4)
		if err != nil {
			t.Fatalf("ReadConfig: %v", err)
		}
		got, err := b.ReadConfig(off, 4)
		if err != nil {
			t.Fatalf("ReadConfig: %v", err)
		}
		if got != want {
			t.Errorf("BAR register %#x = %#x, want %#x", off, got, want)
		}
	}
}

func TestPCIRestoreRejectsMSIXMismatch(t *testing.T) {
	mem := newMockGuestMemory()
	a := newTestFunction(t, newStubHandler(), mem, &recordingMSI{}, nil)

	var buf bytes.Buffer
	if err := a.SaveSnapshot(&buf); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	// A function without MSI-X refuses a snapshot that carries table state.
	b := newTestFunction(t, newStubHandler(), mem, nil, &recordingLine{})
	if err := b.RestoreSnapshot(&buf); !errors.Is(err, ErrSnapshotGeometry) {
		t.Fatalf("expected ErrSnapshotGeometry, got %v", err)
	}
}

func TestSaveSnapshotWhileQuiesced(t *testing.T) {
	mem := newMockGuestMemory()
	p := newTestFunction(t, newStubHandler(), mem, &recordingMSI{}, nil)
	p.negotiate(t, FeatureVersion1, 8)

	// A machine-wide quiesce parks the worker before the per-function save
	// runs; the save must not wait for a second park.
	p.Quiesce()
	defer p.Resume()

	done := make(chan error, 1)
	go func() {
		var buf bytes.Buffer
		done <- p.SaveSnapshot(&buf)
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("SaveSnapshot: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SaveSnapshot did not return under an outer quiesce")
	}
}

func TestRestoreFailedPayloadLeavesFunctionUntouched(t *testing.T) {
	mem := newMockGuestMemory()
	src := newTestFunction(t, newStubHandler(), mem, &recordingMSI{}, nil)
	src.negotiate(t, FeatureVersion1, 8)

	var buf bytes.Buffer
	if err := src.SaveSnapshot(&buf); err != nil {
		t.Fatalf("SaveSnapshot: %v", err)
	}

	h := newStubHandler()
	h.restoreErr = errors.New("handler refused the payload")
	dst := newTestFunction(t, h, mem, &recordingMSI{}, nil)

	before, err := dst.ReadConfig(0x04, 2)
	if err != nil {
		t.Fatalf("ReadConfig: %v", err)
	}
	status := dst.Device().Status()

	if err := dst.RestoreSnapshot(bytes.NewReader(buf.Bytes())); err == nil {
		t.Fatal("expected a payload restore error")
	}
	if got := dst.Device().Status(); got != status {
		t.Errorf("status changed on failed restore: %#x -> %#x", status, got)
	}
	if after, _ := dst.ReadConfig(0x04, 2); after != before {
		t.Errorf("command register changed on failed restore: %#x -> %#x", before, after)
	}
	dst.dev.mu.Lock()
	size := dst.dev.queues[0].size
	dst.dev.mu.Unlock()
	if size != 0 {
		t.Errorf("queue size = %d on failed restore, want 0", size)
	}
}
