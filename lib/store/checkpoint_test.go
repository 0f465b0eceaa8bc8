package store

import (
	"bytes"
	"strings"
	"testing"
)

func TestCheckpointMetadataRoundTrip(t *testing.T) {
	s, sess := newScenarioStore(t)
	for k := 0; k < 20; k++ {
		sess.Upsert(skey(k), nil, bval(k))
	}
	s.FlushAndEvictLog()

	var buf bytes.Buffer
	written, err := s.WriteCheckpoint(&buf)
	if err != nil {
		t.Fatalf("WriteCheckpoint failed: %v", err)
	}

	read, err := ReadCheckpointMetadata(bytes.NewReader(buf.Bytes()))
	if err != nil {
		t.Fatalf("ReadCheckpointMetadata failed: %v", err)
	}

	if read.Guid != written.Guid {
		t.Fatalf("guid mismatch: %v vs %v", read.Guid, written.Guid)
	}
	if read.Version != written.Version || read.NextVersion != written.NextVersion {
		t.Fatalf("version mismatch: %+v vs %+v", read, written)
	}
	if read.FlushedLogicalAddress != written.FlushedLogicalAddress ||
		read.FinalLogicalAddress != written.FinalLogicalAddress ||
		read.HeadAddress != written.HeadAddress ||
		read.BeginAddress != written.BeginAddress {
		t.Fatalf("address fields mismatch: %+v vs %+v", read, written)
	}
	if len(read.Sessions) != 1 || read.Sessions[0].Name != "test" {
		t.Fatalf("sessions = %+v", read.Sessions)
	}
	if read.Sessions[0].UntilSerial != sess.Serial() {
		t.Fatalf("session serial = %d, want %d", read.Sessions[0].UntilSerial, sess.Serial())
	}
}

func TestCheckpointMetadataSessionBlocks(t *testing.T) {
	m := &CheckpointMetadata{
		Version:     7,
		NextVersion: 8,
		HeadAddress: 100,
		Sessions: []SessionState{
			{ID: 1, Name: "alpha", UntilSerial: 42, Exclusions: []string{"a", "b"}},
			{ID: 2, Name: "beta", UntilSerial: 7},
		},
		ObjectLogSegmentOffsets: []uint64{0, 4096, 8192},
	}

	var buf bytes.Buffer
	if err := m.Write(&buf); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	read, err := ReadCheckpointMetadata(&buf)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(read.Sessions) != 2 {
		t.Fatalf("sessions = %+v", read.Sessions)
	}
	if got := read.Sessions[0]; got.Name != "alpha" || got.UntilSerial != 42 || len(got.Exclusions) != 2 {
		t.Fatalf("session block = %+v", got)
	}
	if len(read.ObjectLogSegmentOffsets) != 3 || read.ObjectLogSegmentOffsets[2] != 8192 {
		t.Fatalf("segment offsets = %v", read.ObjectLogSegmentOffsets)
	}
}

func TestCheckpointRejectsCorruption(t *testing.T) {
	s, sess := newScenarioStore(t)
	sess.Upsert("1", nil, []byte("v"))

	var buf bytes.Buffer
	if _, err := s.WriteCheckpoint(&buf); err != nil {
		t.Fatalf("WriteCheckpoint failed: %v", err)
	}
	lines := strings.Split(buf.String(), "\n")

	t.Run("ChecksumMismatch", func(t *testing.T) {
		corrupted := append([]string(nil), lines...)
		// flip the headAddress field; the checksum no longer matches
		corrupted[10] = corrupted[10] + "7"
		_, err := ReadCheckpointMetadata(strings.NewReader(strings.Join(corrupted, "\n")))
		if err == nil {
			t.Fatalf("corrupted metadata accepted")
		}
	})

	t.Run("VersionMismatch", func(t *testing.T) {
		corrupted := append([]string(nil), lines...)
		corrupted[0] = "999"
		_, err := ReadCheckpointMetadata(strings.NewReader(strings.Join(corrupted, "\n")))
		if err == nil {
			t.Fatalf("unsupported format version accepted")
		}
	})

	t.Run("Truncated", func(t *testing.T) {
		_, err := ReadCheckpointMetadata(strings.NewReader(lines[0] + "\n" + lines[1]))
		if err == nil {
			t.Fatalf("truncated metadata accepted")
		}
	})
}

func TestInvalidCheckpointMarksStoreUnhealthy(t *testing.T) {
	s, sess := newScenarioStore(t)
	sess.Upsert("1", nil, []byte("v"))

	if _, err := s.ReadCheckpoint(strings.NewReader("garbage\n")); err == nil {
		t.Fatalf("garbage checkpoint accepted")
	}
	if s.Healthy() {
		t.Fatalf("store still healthy after invalid checkpoint")
	}

	// unhealthy: mutations refused, queries still served
	if st := sess.Upsert("2", nil, []byte("x")); st.Base() != StatusInternalError {
		t.Fatalf("Upsert on unhealthy store = %v", st)
	}
	if st := sess.Delete("1"); st.Base() != StatusInternalError {
		t.Fatalf("Delete on unhealthy store = %v", st)
	}
	if st, val := sess.Read("1", nil); !st.Found() || string(val) != "v" {
		t.Fatalf("Read on unhealthy store = %v %q", st, val)
	}
}
