// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package metadata

import (
	"fmt"

	"github.com/couchbase/goep/base"
	flatbuffers "github.com/google/flatbuffers/go"
	"github.com/klauspost/crc32"
)

// Table layouts
//
//	table Collection      { uid:uint32; name:string; }
//	table Manifest        { uid:uint64; separator:string; collections:[Collection]; default_exists:bool; }
//	table ManifestWithCrc { crc:uint32; manifest:[ubyte]; }
const (
	collectionSlotUid  = 0
	collectionSlotName = 1
	collectionNumSlots = 2

	manifestSlotUid           = 0
	manifestSlotSeparator     = 1
	manifestSlotCollections   = 2
	manifestSlotDefaultExists = 3
	manifestNumSlots          = 4

	envelopeSlotCrc      = 0
	envelopeSlotManifest = 1
	envelopeNumSlots     = 2
)

var crc32cTable = crc32.MakeTable(crc32.Castagnoli)

func ManifestCrc(payload []byte) uint32 {
	return crc32.Checksum(payload, crc32cTable)
}

// ToFlatbuffer encodes the manifest as the payload stored inside the CRC envelope
func (m *Manifest) ToFlatbuffer() []byte {
	builder := flatbuffers.NewBuilder(256 + 64*len(m.collections))

	collectionOffsets := make([]flatbuffers.UOffsetT, len(m.collections))
	for i, collection := range m.collections {
		nameOffset := builder.CreateString(collection.Name)
		builder.StartObject(collectionNumSlots)
		builder.PrependUint32Slot(collectionSlotUid, uint32(collection.Uid), 0)
		builder.PrependUOffsetTSlot(collectionSlotName, nameOffset, 0)
		collectionOffsets[i] = builder.EndObject()
	}
	builder.StartVector(flatbuffers.SizeUOffsetT, len(collectionOffsets), flatbuffers.SizeUOffsetT)
	for i := len(collectionOffsets) - 1; i >= 0; i-- {
		builder.PrependUOffsetT(collectionOffsets[i])
	}
	collectionsOffset := builder.EndVector(len(collectionOffsets))
	separatorOffset := builder.CreateString(m.separator)

	builder.StartObject(manifestNumSlots)
	builder.PrependUint64Slot(manifestSlotUid, m.uid, 0)
	builder.PrependUOffsetTSlot(manifestSlotSeparator, separatorOffset, 0)
	builder.PrependUOffsetTSlot(manifestSlotCollections, collectionsOffset, 0)
	builder.PrependBoolSlot(manifestSlotDefaultExists, m.defaultCollectionExists, false)
	builder.Finish(builder.EndObject())
	return builder.FinishedBytes()
}

// NewManifestFromFlatbuffer decodes a payload produced by ToFlatbuffer. The
// buffer is structurally verified before any field is read.
func NewManifestFromFlatbuffer(buf []byte) (*Manifest, error) {
	verifier := &fbVerifier{buf: buf}
	root, err := verifier.root()
	if err != nil {
		return nil, err
	}
	if err = verifier.scalarField(root, manifestSlotUid, 8); err != nil {
		return nil, err
	}
	if err = verifier.scalarField(root, manifestSlotDefaultExists, 1); err != nil {
		return nil, err
	}
	if _, err = verifier.vectorField(root, manifestSlotSeparator, 1); err != nil {
		return nil, err
	}
	collectionTables, err := verifier.tableVectorField(root, manifestSlotCollections)
	if err != nil {
		return nil, err
	}
	for _, collectionTable := range collectionTables {
		if err = verifier.scalarField(collectionTable, collectionSlotUid, 4); err != nil {
			return nil, err
		}
		if _, err = verifier.vectorField(collectionTable, collectionSlotName, 1); err != nil {
			return nil, err
		}
	}

	table := &flatbuffers.Table{Bytes: buf, Pos: root}
	manifest := &Manifest{
		collections: make([]Collection, 0, len(collectionTables)),
		nameIndex:   make(map[string]int, len(collectionTables)),
	}
	if o := flatbuffers.UOffsetT(table.Offset(slotVOffset(manifestSlotUid))); o != 0 {
		manifest.uid = table.GetUint64(o + table.Pos)
	}
	if o := flatbuffers.UOffsetT(table.Offset(slotVOffset(manifestSlotSeparator))); o != 0 {
		manifest.separator = table.String(o + table.Pos)
	}
	defaultExists := false
	if o := flatbuffers.UOffsetT(table.Offset(slotVOffset(manifestSlotDefaultExists))); o != 0 {
		defaultExists = table.GetBool(o + table.Pos)
	}

	uidsSeen := make(map[base.CollectionID]string, len(collectionTables))
	for _, pos := range collectionTables {
		collectionTable := &flatbuffers.Table{Bytes: buf, Pos: pos}
		var collection Collection
		if o := flatbuffers.UOffsetT(collectionTable.Offset(slotVOffset(collectionSlotUid))); o != 0 {
			collection.Uid = base.CollectionID(collectionTable.GetUint32(o + collectionTable.Pos))
		}
		if o := flatbuffers.UOffsetT(collectionTable.Offset(slotVOffset(collectionSlotName))); o != 0 {
			collection.Name = collectionTable.String(o + collectionTable.Pos)
		}
		if err = manifest.addCollection(collection, uidsSeen); err != nil {
			return nil, fmt.Errorf("%w: %v", base.ErrorManifestVerificationFailed, err)
		}
	}
	if defaultExists != manifest.defaultCollectionExists {
		return nil, fmt.Errorf("%w: default_exists=%v disagrees with the collections", base.ErrorManifestVerificationFailed, defaultExists)
	}
	return manifest, nil
}

// EncodeManifestWithCrc wraps a payload in the {crc32c, bytes} envelope
func EncodeManifestWithCrc(payload []byte) []byte {
	builder := flatbuffers.NewBuilder(len(payload) + 32)
	payloadOffset := builder.CreateByteVector(payload)
	builder.StartObject(envelopeNumSlots)
	builder.PrependUint32Slot(envelopeSlotCrc, ManifestCrc(payload), 0)
	builder.PrependUOffsetTSlot(envelopeSlotManifest, payloadOffset, 0)
	builder.Finish(builder.EndObject())
	return builder.FinishedBytes()
}

// DecodeManifestWithCrc verifies the envelope and the payload checksum and
// returns the payload. Errors wrap ErrorManifestVerificationFailed or
// ErrorManifestCrcMismatch.
func DecodeManifestWithCrc(buf []byte) ([]byte, error) {
	verifier := &fbVerifier{buf: buf}
	root, err := verifier.root()
	if err != nil {
		return nil, err
	}
	if err = verifier.scalarField(root, envelopeSlotCrc, 4); err != nil {
		return nil, err
	}
	present, err := verifier.vectorField(root, envelopeSlotManifest, 1)
	if err != nil {
		return nil, err
	}
	if !present {
		return nil, fmt.Errorf("%w: envelope has no manifest", base.ErrorManifestVerificationFailed)
	}

	table := &flatbuffers.Table{Bytes: buf, Pos: root}
	var storedCrc uint32
	if o := flatbuffers.UOffsetT(table.Offset(slotVOffset(envelopeSlotCrc))); o != 0 {
		storedCrc = table.GetUint32(o + table.Pos)
	}
	o := flatbuffers.UOffsetT(table.Offset(slotVOffset(envelopeSlotManifest)))
	payload := table.ByteVector(o + table.Pos)
	if computed := ManifestCrc(payload); computed != storedCrc {
		return nil, fmt.Errorf("%w: stored %08x computed %08x", base.ErrorManifestCrcMismatch, storedCrc, computed)
	}
	return payload, nil
}

func slotVOffset(slot int) flatbuffers.VOffsetT {
	return flatbuffers.VOffsetT(4 + 2*slot)
}

// fbVerifier checks that every offset it is asked about stays inside buf, so
// the flatbuffers accessors never index out of range on a corrupt file
type fbVerifier struct {
	buf []byte
}

func (v *fbVerifier) fail(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %v", base.ErrorManifestVerificationFailed, fmt.Sprintf(format, args...))
}

func (v *fbVerifier) within(pos, size int) bool {
	return pos >= 0 && size >= 0 && pos <= len(v.buf) && size <= len(v.buf)-pos
}

func (v *fbVerifier) uoffset(pos int) (int, error) {
	if !v.within(pos, flatbuffers.SizeUOffsetT) {
		return 0, v.fail("offset at %v is out of range", pos)
	}
	return int(flatbuffers.GetUOffsetT(v.buf[pos:])), nil
}

func (v *fbVerifier) root() (flatbuffers.UOffsetT, error) {
	pos, err := v.uoffset(0)
	if err != nil {
		return 0, err
	}
	if err = v.table(pos); err != nil {
		return 0, err
	}
	return flatbuffers.UOffsetT(pos), nil
}

func (v *fbVerifier) table(pos int) error {
	if !v.within(pos, flatbuffers.SizeSOffsetT) {
		return v.fail("table at %v is out of range", pos)
	}
	vtable := pos - int(flatbuffers.GetSOffsetT(v.buf[pos:]))
	if !v.within(vtable, 2*flatbuffers.SizeVOffsetT) {
		return v.fail("vtable at %v is out of range", vtable)
	}
	vtableLen := int(flatbuffers.GetVOffsetT(v.buf[vtable:]))
	objectLen := int(flatbuffers.GetVOffsetT(v.buf[vtable+flatbuffers.SizeVOffsetT:]))
	if vtableLen < 4 || vtableLen%2 != 0 || !v.within(vtable, vtableLen) || !v.within(pos, objectLen) {
		return v.fail("vtable at %v has bad lengths %v/%v", vtable, vtableLen, objectLen)
	}
	return nil
}

// fieldPos returns the absolute position of a field, or 0 when the field is absent
func (v *fbVerifier) fieldPos(pos flatbuffers.UOffsetT, slot int, size int) (int, error) {
	tablePos := int(pos)
	vtable := tablePos - int(flatbuffers.GetSOffsetT(v.buf[tablePos:]))
	vtableLen := int(flatbuffers.GetVOffsetT(v.buf[vtable:]))
	objectLen := int(flatbuffers.GetVOffsetT(v.buf[vtable+flatbuffers.SizeVOffsetT:]))
	entry := int(slotVOffset(slot))
	if entry >= vtableLen {
		return 0, nil
	}
	fieldOffset := int(flatbuffers.GetVOffsetT(v.buf[vtable+entry:]))
	if fieldOffset == 0 {
		return 0, nil
	}
	if fieldOffset+size > objectLen || !v.within(tablePos+fieldOffset, size) {
		return 0, v.fail("field %v of table at %v is out of range", slot, tablePos)
	}
	return tablePos + fieldOffset, nil
}

func (v *fbVerifier) scalarField(pos flatbuffers.UOffsetT, slot int, size int) error {
	_, err := v.fieldPos(pos, slot, size)
	return err
}

// vectorField verifies a string or scalar vector field
func (v *fbVerifier) vectorField(pos flatbuffers.UOffsetT, slot int, elemSize int) (bool, error) {
	start, _, err := v.vector(pos, slot, elemSize)
	return start != 0, err
}

func (v *fbVerifier) vector(pos flatbuffers.UOffsetT, slot int, elemSize int) (int, int, error) {
	field, err := v.fieldPos(pos, slot, flatbuffers.SizeUOffsetT)
	if err != nil || field == 0 {
		return 0, 0, err
	}
	rel, err := v.uoffset(field)
	if err != nil {
		return 0, 0, err
	}
	vector := field + rel
	n, err := v.uoffset(vector)
	if err != nil {
		return 0, 0, err
	}
	if n > len(v.buf)/elemSize || !v.within(vector+flatbuffers.SizeUOffsetT, n*elemSize) {
		return 0, 0, v.fail("vector at %v with %v elements is out of range", vector, n)
	}
	return vector + flatbuffers.SizeUOffsetT, n, nil
}

func (v *fbVerifier) tableVectorField(pos flatbuffers.UOffsetT, slot int) ([]flatbuffers.UOffsetT, error) {
	start, n, err := v.vector(pos, slot, flatbuffers.SizeUOffsetT)
	if err != nil || start == 0 {
		return nil, err
	}
	tables := make([]flatbuffers.UOffsetT, n)
	for i := 0; i < n; i++ {
		elem := start + i*flatbuffers.SizeUOffsetT
		rel, err := v.uoffset(elem)
		if err != nil {
			return nil, err
		}
		if err = v.table(elem + rel); err != nil {
			return nil, err
		}
		tables[i] = flatbuffers.UOffsetT(elem + rel)
	}
	return tables, nil
}
