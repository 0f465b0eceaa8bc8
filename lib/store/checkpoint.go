package store

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strconv"

	"github.com/google/uuid"
)

// --------------------------------------------------------------------------
// Checkpoint metadata
// --------------------------------------------------------------------------

// checkpointFormatVersion is the on-disk format version of the metadata
// blob; readers reject anything else.
const checkpointFormatVersion = 1

// SessionState is the per-session block of the checkpoint metadata.
type SessionState struct {
	ID          uint64
	Name        string
	UntilSerial uint64
	Exclusions  []string
}

// CheckpointMetadata is the serialized store state: one line per field,
// guarded by an XOR checksum over the guid, the version, the five address
// fields and the two counts.
type CheckpointMetadata struct {
	Guid            uuid.UUID
	UseSnapshotFile bool
	Version         uint64
	NextVersion     uint64

	FlushedLogicalAddress       uint64
	StartLogicalAddress         uint64
	FinalLogicalAddress         uint64
	SnapshotFinalLogicalAddress uint64
	HeadAddress                 uint64
	BeginAddress                uint64
	DeltaTailAddress            uint64

	ManualLockingActive bool
	Sessions            []SessionState

	ObjectLogSegmentOffsets []uint64
}

// checksum folds the integrity-relevant fields into one word.
func (m *CheckpointMetadata) checksum() uint64 {
	lo := binary.LittleEndian.Uint64(m.Guid[0:8])
	hi := binary.LittleEndian.Uint64(m.Guid[8:16])
	return lo ^ hi ^ m.Version ^
		m.FlushedLogicalAddress ^ m.StartLogicalAddress ^ m.FinalLogicalAddress ^
		m.HeadAddress ^ m.BeginAddress ^
		uint64(len(m.Sessions)) ^ uint64(len(m.ObjectLogSegmentOffsets))
}

// Write serializes the metadata, textual, line per field.
func (m *CheckpointMetadata) Write(w io.Writer) error {
	bw := bufio.NewWriter(w)

	write := func(s string) {
		bw.WriteString(s)
		bw.WriteByte('\n')
	}
	writeUint := func(v uint64) { write(strconv.FormatUint(v, 10)) }
	writeBool := func(v bool) { write(strconv.FormatBool(v)) }

	writeUint(checkpointFormatVersion)
	write(strconv.FormatInt(int64(m.checksum()), 10))
	write(m.Guid.String())
	writeBool(m.UseSnapshotFile)
	writeUint(m.Version)
	writeUint(m.NextVersion)
	writeUint(m.FlushedLogicalAddress)
	writeUint(m.StartLogicalAddress)
	writeUint(m.FinalLogicalAddress)
	writeUint(m.SnapshotFinalLogicalAddress)
	writeUint(m.HeadAddress)
	writeUint(m.BeginAddress)
	writeUint(m.DeltaTailAddress)
	writeBool(m.ManualLockingActive)

	writeUint(uint64(len(m.Sessions)))
	for _, sess := range m.Sessions {
		writeUint(sess.ID)
		write(sess.Name)
		writeUint(sess.UntilSerial)
		writeUint(uint64(len(sess.Exclusions)))
		for _, e := range sess.Exclusions {
			write(e)
		}
	}

	writeUint(uint64(len(m.ObjectLogSegmentOffsets)))
	for _, off := range m.ObjectLogSegmentOffsets {
		writeUint(off)
	}

	return bw.Flush()
}

// ReadCheckpointMetadata parses and validates a metadata blob. It rejects
// a format version mismatch and a checksum mismatch.
func ReadCheckpointMetadata(r io.Reader) (*CheckpointMetadata, error) {
	sc := bufio.NewScanner(r)

	var readErr error
	next := func() string {
		if readErr != nil {
			return ""
		}
		if !sc.Scan() {
			readErr = NewError(RetCInvalidMetadata, "checkpoint metadata truncated")
			return ""
		}
		return sc.Text()
	}
	nextUint := func() uint64 {
		v, err := strconv.ParseUint(next(), 10, 64)
		if err != nil && readErr == nil {
			readErr = NewError(RetCInvalidMetadata, "checkpoint metadata field is not an integer: "+err.Error())
		}
		return v
	}
	nextBool := func() bool {
		v, err := strconv.ParseBool(next())
		if err != nil && readErr == nil {
			readErr = NewError(RetCInvalidMetadata, "checkpoint metadata field is not a bool: "+err.Error())
		}
		return v
	}

	formatVersion := nextUint()
	if readErr == nil && formatVersion != checkpointFormatVersion {
		return nil, NewError(RetCInvalidMetadata,
			fmt.Sprintf("unsupported checkpoint format version %d (want %d)", formatVersion, checkpointFormatVersion))
	}
	checksumField, err := strconv.ParseInt(next(), 10, 64)
	if err != nil && readErr == nil {
		readErr = NewError(RetCInvalidMetadata, "invalid checksum field: "+err.Error())
	}

	m := &CheckpointMetadata{}
	m.Guid, err = uuid.Parse(next())
	if err != nil && readErr == nil {
		readErr = NewError(RetCInvalidMetadata, "invalid checkpoint guid: "+err.Error())
	}
	m.UseSnapshotFile = nextBool()
	m.Version = nextUint()
	m.NextVersion = nextUint()
	m.FlushedLogicalAddress = nextUint()
	m.StartLogicalAddress = nextUint()
	m.FinalLogicalAddress = nextUint()
	m.SnapshotFinalLogicalAddress = nextUint()
	m.HeadAddress = nextUint()
	m.BeginAddress = nextUint()
	m.DeltaTailAddress = nextUint()
	m.ManualLockingActive = nextBool()

	sessionCount := nextUint()
	for i := uint64(0); i < sessionCount && readErr == nil; i++ {
		sess := SessionState{}
		sess.ID = nextUint()
		sess.Name = next()
		sess.UntilSerial = nextUint()
		exclusionCount := nextUint()
		for j := uint64(0); j < exclusionCount && readErr == nil; j++ {
			sess.Exclusions = append(sess.Exclusions, next())
		}
		m.Sessions = append(m.Sessions, sess)
	}

	segmentCount := nextUint()
	for i := uint64(0); i < segmentCount && readErr == nil; i++ {
		m.ObjectLogSegmentOffsets = append(m.ObjectLogSegmentOffsets, nextUint())
	}

	if readErr != nil {
		return nil, readErr
	}
	if uint64(checksumField) != m.checksum() {
		return nil, NewError(RetCInvalidMetadata, "checkpoint metadata checksum mismatch")
	}
	return m, nil
}

// --------------------------------------------------------------------------
// Store checkpointing
// --------------------------------------------------------------------------

// WriteCheckpoint bumps the store version (sessions observe the shift and
// refresh) and writes the metadata blob for the current state.
func (s *Store) WriteCheckpoint(w io.Writer) (*CheckpointMetadata, error) {
	if !s.Healthy() {
		return nil, NewError(RetCInternalError, "store is unhealthy")
	}
	version := s.version.Add(1)

	m := &CheckpointMetadata{
		Guid:                        uuid.New(),
		Version:                     version,
		NextVersion:                 version + 1,
		FlushedLogicalAddress:       uint64(s.hlog.FlushedUntilAddress()),
		StartLogicalAddress:         uint64(s.hlog.ReadOnlyAddress()),
		FinalLogicalAddress:         uint64(s.hlog.TailAddress()),
		SnapshotFinalLogicalAddress: uint64(s.hlog.TailAddress()),
		HeadAddress:                 uint64(s.hlog.HeadAddress()),
		BeginAddress:                uint64(s.hlog.BeginAddress()),
		ManualLockingActive:         s.lockableSessions.Load() > 0,
	}
	s.sessions.Range(func(_ uint64, sess *Session) bool {
		m.Sessions = append(m.Sessions, SessionState{
			ID:          sess.ID(),
			Name:        sess.Name(),
			UntilSerial: sess.Serial(),
		})
		return true
	})

	if err := m.Write(w); err != nil {
		return nil, NewError(RetCInternalError, "writing checkpoint metadata failed: "+err.Error())
	}
	return m, nil
}

// ReadCheckpoint parses a metadata blob. A version or checksum mismatch is
// fatal: the store is marked unhealthy and refuses further mutations while
// staying queryable.
func (s *Store) ReadCheckpoint(r io.Reader) (*CheckpointMetadata, error) {
	m, err := ReadCheckpointMetadata(r)
	if err != nil {
		s.markUnhealthy("invalid checkpoint metadata: " + err.Error())
		return nil, err
	}
	return m, nil
}
