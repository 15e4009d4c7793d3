package silkdb

import (
	"github.com/pkg/errors"
)

// User-facing Masstree operations. Each locates or reserves a record, then
// only appends a redo record and a write-set entry; owner locks are taken
// at precommit. RETRY from a moved record or a mid-descent split is
// consumed here, bounded by retryBound before surfacing as a conflict.

// GetRecord copies the record's payload into buf and returns the payload
// length. When buf is too small the required length is returned alongside
// BUFFER_TOO_SMALL.
func (m *MasstreeStorage) GetRecord(t *Thread, key []byte, buf []byte) (int, error) {
	xct := t.currentXct()
	for attempt := 0; attempt < retryBound; attempt++ {
		border, index, err := m.locateRecord(t, key)
		if err != nil {
			return 0, err
		}
		var n int
		err = xct.optimisticRead(m.meta.ID, &border.Owners[index], func(observed XctIDSnap) error {
			if border.pointsToLayer(index) {
				return errors.WithStack(ErrRetry)
			}
			if observed.Deleted() {
				return errors.Wrap(ErrNotFound, "record is deleted")
			}
			payloadLen := int(border.PayloadLen[index])
			if payloadLen > len(buf) {
				n = payloadLen
				return errors.Wrapf(ErrBufferTooSmall, "payload %d buffer %d", payloadLen, len(buf))
			}
			copy(buf[:payloadLen], border.payloadAt(index))
			n = payloadLen
			return nil
		})
		if errors.Is(err, ErrRetry) {
			continue
		}
		return n, err
	}
	return 0, errors.Wrap(ErrConflict, "descent retries exhausted")
}

// GetRecordNormalized is the 8-byte-key form.
func (m *MasstreeStorage) GetRecordNormalized(t *Thread, key KeySlice, buf []byte) (int, error) {
	kb := sliceBytes(key)
	return m.GetRecord(t, kb[:], buf)
}

// InsertRecord stages an insert. The reserved slot's owner is observed
// deleted through the read protocol, so a racing insert of the same key is
// caught at precommit instead of silently double-applying.
func (m *MasstreeStorage) InsertRecord(t *Thread, key, payload []byte) error {
	if len(key) == 0 || len(key) > MaxKeyLength {
		return errors.Wrapf(ErrTooLongPayload, "key length %d out of range", len(key))
	}
	xct := t.currentXct()
	for attempt := 0; attempt < retryBound; attempt++ {
		border, index, err := m.reserveRecord(t, key, len(payload))
		if errors.Is(err, ErrRetry) {
			continue
		}
		if err != nil {
			return err
		}
		if int(border.PayloadLen[index]) < len(payload) {
			return errors.Wrapf(ErrTooLongPayload,
				"existing record space %d payload %d", border.PayloadLen[index], len(payload))
		}
		err = xct.optimisticRead(m.meta.ID, &border.Owners[index], func(observed XctIDSnap) error {
			if border.pointsToLayer(index) {
				return errors.WithStack(ErrRetry)
			}
			if !observed.Deleted() {
				return errors.Wrapf(ErrAlreadyExists, "key present")
			}
			return nil
		})
		if errors.Is(err, ErrRetry) {
			continue
		}
		if err != nil {
			return err
		}
		logRec, err := t.logBuf.Reserve(&LogRecord{
			Type:      LogMasstreeInsert,
			StorageID: m.meta.ID,
			Key:       append([]byte(nil), key...),
			Layer:     uint8(border.layer()),
			Payload:   append([]byte(nil), payload...),
		})
		if err != nil {
			return err
		}
		xct.addToWriteSet(m.meta.ID, &border.Owners[index], border.payloadAt(index), logRec)
		return nil
	}
	return errors.Wrap(ErrConflict, "descent retries exhausted")
}

// InsertRecordNormalized is the 8-byte-key form.
func (m *MasstreeStorage) InsertRecordNormalized(t *Thread, key KeySlice, payload []byte) error {
	kb := sliceBytes(key)
	return m.InsertRecord(t, kb[:], payload)
}

// DeleteRecord stages a logical delete.
func (m *MasstreeStorage) DeleteRecord(t *Thread, key []byte) error {
	xct := t.currentXct()
	for attempt := 0; attempt < retryBound; attempt++ {
		border, index, err := m.locateRecord(t, key)
		if err != nil {
			return err
		}
		err = xct.optimisticRead(m.meta.ID, &border.Owners[index], func(observed XctIDSnap) error {
			if border.pointsToLayer(index) {
				return errors.WithStack(ErrRetry)
			}
			if observed.Deleted() {
				return errors.Wrap(ErrNotFound, "record is deleted")
			}
			return nil
		})
		if errors.Is(err, ErrRetry) {
			continue
		}
		if err != nil {
			return err
		}
		logRec, err := t.logBuf.Reserve(&LogRecord{
			Type:      LogMasstreeDelete,
			StorageID: m.meta.ID,
			Key:       append([]byte(nil), key...),
			Layer:     uint8(border.layer()),
		})
		if err != nil {
			return err
		}
		xct.addToWriteSet(m.meta.ID, &border.Owners[index], border.payloadAt(index), logRec)
		return nil
	}
	return errors.Wrap(ErrConflict, "descent retries exhausted")
}

// DeleteRecordNormalized is the 8-byte-key form.
func (m *MasstreeStorage) DeleteRecordNormalized(t *Thread, key KeySlice) error {
	kb := sliceBytes(key)
	return m.DeleteRecord(t, kb[:])
}

// OverwriteRecord stages a partial overwrite at the payload offset.
func (m *MasstreeStorage) OverwriteRecord(t *Thread, key, payload []byte, payloadOffset uint16) error {
	xct := t.currentXct()
	for attempt := 0; attempt < retryBound; attempt++ {
		border, index, err := m.locateRecord(t, key)
		if err != nil {
			return err
		}
		err = xct.optimisticRead(m.meta.ID, &border.Owners[index], func(observed XctIDSnap) error {
			if border.pointsToLayer(index) {
				return errors.WithStack(ErrRetry)
			}
			if observed.Deleted() {
				return errors.Wrap(ErrNotFound, "record is deleted")
			}
			if int(border.PayloadLen[index]) < int(payloadOffset)+len(payload) {
				return errors.Wrapf(ErrTooShortPayload, "record %d offset %d count %d",
					border.PayloadLen[index], payloadOffset, len(payload))
			}
			return nil
		})
		if errors.Is(err, ErrRetry) {
			continue
		}
		if err != nil {
			return err
		}
		logRec, err := t.logBuf.Reserve(&LogRecord{
			Type:          LogMasstreeOverwrite,
			StorageID:     m.meta.ID,
			Key:           append([]byte(nil), key...),
			Layer:         uint8(border.layer()),
			PayloadOffset: payloadOffset,
			Payload:       append([]byte(nil), payload...),
		})
		if err != nil {
			return err
		}
		xct.addToWriteSet(m.meta.ID, &border.Owners[index], border.payloadAt(index), logRec)
		return nil
	}
	return errors.Wrap(ErrConflict, "descent retries exhausted")
}

// OverwriteRecordNormalized is the 8-byte-key form.
func (m *MasstreeStorage) OverwriteRecordNormalized(t *Thread, key KeySlice, payload []byte, payloadOffset uint16) error {
	kb := sliceBytes(key)
	return m.OverwriteRecord(t, kb[:], payload, payloadOffset)
}

// MasstreeGetRecordPrimitive reads one numeric value at a payload offset.
func MasstreeGetRecordPrimitive[T Primitive](t *Thread, m *MasstreeStorage, key []byte, payloadOffset uint16) (T, error) {
	xct := t.currentXct()
	var zero T
	size := primitiveSize[T]()
	for attempt := 0; attempt < retryBound; attempt++ {
		border, index, err := m.locateRecord(t, key)
		if err != nil {
			return zero, err
		}
		var out T
		err = xct.optimisticRead(m.meta.ID, &border.Owners[index], func(observed XctIDSnap) error {
			if border.pointsToLayer(index) {
				return errors.WithStack(ErrRetry)
			}
			if observed.Deleted() {
				return errors.Wrap(ErrNotFound, "record is deleted")
			}
			if int(border.PayloadLen[index]) < int(payloadOffset)+size {
				return errors.Wrapf(ErrTooShortPayload, "record %d offset %d size %d",
					border.PayloadLen[index], payloadOffset, size)
			}
			out = decodePrimitive[T](border.payloadAt(index)[payloadOffset : int(payloadOffset)+size])
			return nil
		})
		if errors.Is(err, ErrRetry) {
			continue
		}
		return out, err
	}
	return zero, errors.Wrap(ErrConflict, "descent retries exhausted")
}

// MasstreeGetRecordPrimitiveNormalized is the 8-byte-key form.
func MasstreeGetRecordPrimitiveNormalized[T Primitive](t *Thread, m *MasstreeStorage, key KeySlice, payloadOffset uint16) (T, error) {
	kb := sliceBytes(key)
	return MasstreeGetRecordPrimitive[T](t, m, kb[:], payloadOffset)
}

// MasstreeOverwriteRecordPrimitive stages a numeric overwrite.
func MasstreeOverwriteRecordPrimitive[T Primitive](t *Thread, m *MasstreeStorage, key []byte, value T, payloadOffset uint16) error {
	var buf [8]byte
	size := primitiveSize[T]()
	encodePrimitive(value, buf[:size])
	return m.OverwriteRecord(t, key, buf[:size], payloadOffset)
}

// MasstreeIncrementRecord reads, adds and stages the overwrite; the read
// side is idempotent, so protocol retries never double-apply the delta.
func MasstreeIncrementRecord[T Primitive](t *Thread, m *MasstreeStorage, key []byte, delta T, payloadOffset uint16) (T, error) {
	var zero T
	old, err := MasstreeGetRecordPrimitive[T](t, m, key, payloadOffset)
	if err != nil {
		return zero, err
	}
	next := addPrimitive(old, delta)
	if err := MasstreeOverwriteRecordPrimitive(t, m, key, next, payloadOffset); err != nil {
		return zero, err
	}
	return next, nil
}

// MasstreeIncrementRecordNormalized is the 8-byte-key form.
func MasstreeIncrementRecordNormalized[T Primitive](t *Thread, m *MasstreeStorage, key KeySlice, delta T, payloadOffset uint16) (T, error) {
	kb := sliceBytes(key)
	return MasstreeIncrementRecord[T](t, m, kb[:], delta, payloadOffset)
}
