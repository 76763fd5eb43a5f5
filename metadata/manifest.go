// Copyright 2024-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package metadata

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/couchbase/goep/base"
)

type Collection struct {
	Name string
	Uid  base.CollectionID
}

func (c Collection) IsSameAs(other Collection) bool {
	return c.Name == other.Name && c.Uid == other.Uid
}

func (c Collection) String() string {
	return fmt.Sprintf("%v:%x", c.Name, uint32(c.Uid))
}

// Manifest is the collections configuration of a bucket at one revision.
// It is never modified after construction; a newer configuration is a new
// Manifest with a higher uid.
type Manifest struct {
	uid                     uint64
	separator               string
	collections             []Collection
	nameIndex               map[string]int
	defaultCollectionExists bool
}

// Wire form, keys ordered as they are emitted
type manifestJsonObj struct {
	Uid         string              `json:"uid"`
	Separator   string              `json:"separator"`
	Collections []collectionJsonObj `json:"collections"`
}

type collectionJsonObj struct {
	Name string `json:"name"`
	Uid  string `json:"uid"`
}

// NewDefaultManifest is the manifest of a bucket that has never been given
// one: uid 0 holding only the default collection
func NewDefaultManifest() *Manifest {
	return &Manifest{
		separator:               base.DefaultSeparator,
		collections:             []Collection{{Name: base.DefaultCollectionName, Uid: base.DefaultCollectionID}},
		nameIndex:               map[string]int{base.DefaultCollectionName: 0},
		defaultCollectionExists: true,
	}
}

// NewManifestFromJson validates and parses a collections manifest. Any
// validation failure rejects the whole manifest with base.ErrorInvalidArgument.
func NewManifestFromJson(data []byte, maxCollections int) (*Manifest, error) {
	// cheap checks first
	if !utf8.Valid(data) {
		return nil, base.InvalidArgumentf("manifest is not valid UTF-8")
	}
	if !json.Valid(data) {
		return nil, base.InvalidArgumentf("manifest is not valid JSON")
	}

	var manifestInfo map[string]interface{}
	if err := json.Unmarshal(data, &manifestInfo); err != nil {
		return nil, base.InvalidArgumentf("manifest is not a JSON object: %v", err)
	}

	uidStr, ok := manifestInfo[base.ManifestUidKey].(string)
	if !ok {
		return nil, base.InvalidArgumentf("%v is not a string but %v", base.ManifestUidKey, reflect.TypeOf(manifestInfo[base.ManifestUidKey]))
	}
	uid, err := parseHexUid(uidStr, 64)
	if err != nil {
		return nil, base.InvalidArgumentf("manifest %v %q: %v", base.ManifestUidKey, uidStr, err)
	}

	separator, ok := manifestInfo[base.ManifestSeparatorKey].(string)
	if !ok {
		return nil, base.InvalidArgumentf("%v is not a string but %v", base.ManifestSeparatorKey, reflect.TypeOf(manifestInfo[base.ManifestSeparatorKey]))
	}
	if len(separator) == 0 || len(separator) > base.MaxSeparatorLength {
		return nil, base.InvalidArgumentf("%v length %v is outside 1..%v", base.ManifestSeparatorKey, len(separator), base.MaxSeparatorLength)
	}

	collectionsInfo, ok := manifestInfo[base.ManifestCollectionsKey].([]interface{})
	if !ok {
		return nil, base.InvalidArgumentf("%v is not an array but %v", base.ManifestCollectionsKey, reflect.TypeOf(manifestInfo[base.ManifestCollectionsKey]))
	}
	if len(collectionsInfo) > maxCollections {
		return nil, base.InvalidArgumentf("%v collections exceed the maximum of %v", len(collectionsInfo), maxCollections)
	}

	manifest := &Manifest{
		uid:         uid,
		separator:   separator,
		collections: make([]Collection, 0, len(collectionsInfo)),
		nameIndex:   make(map[string]int, len(collectionsInfo)),
	}
	uidsSeen := make(map[base.CollectionID]string, len(collectionsInfo))

	for i, oneCollection := range collectionsInfo {
		collectionMap, ok := oneCollection.(map[string]interface{})
		if !ok {
			return nil, base.InvalidArgumentf("collections[%v] is not an object", i)
		}
		name, ok := collectionMap[base.CollectionNameKey].(string)
		if !ok {
			return nil, base.InvalidArgumentf("collections[%v] has no string %v", i, base.CollectionNameKey)
		}
		cidStr, ok := collectionMap[base.CollectionUidKey].(string)
		if !ok {
			return nil, base.InvalidArgumentf("collections[%v] has no string %v", i, base.CollectionUidKey)
		}
		cid, err := parseHexUid(cidStr, 32)
		if err != nil {
			return nil, base.InvalidArgumentf("collections[%v] %v %q: %v", i, base.CollectionUidKey, cidStr, err)
		}
		if err = manifest.addCollection(Collection{Name: name, Uid: base.CollectionID(cid)}, uidsSeen); err != nil {
			return nil, err
		}
	}
	return manifest, nil
}

func parseHexUid(uidStr string, bitSize int) (uint64, error) {
	if uidStr == "" {
		return 0, fmt.Errorf("empty")
	}
	return strconv.ParseUint(uidStr, base.CollectionsUidBase, bitSize)
}

// validCollectionName enforces the naming rules. The reserved default name is
// the only legal $-prefixed name and _-prefixed names are system only.
func validCollectionName(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("collection name is empty")
	}
	if len(name) > base.MaxCollectionNameLength {
		return fmt.Errorf("collection name is longer than %v", base.MaxCollectionNameLength)
	}
	switch name[0] {
	case '$':
		if name != base.DefaultCollectionName {
			return fmt.Errorf("collection name %q uses the reserved $ prefix", name)
		}
	case '_':
		return fmt.Errorf("collection name %q uses the reserved _ prefix", name)
	}
	return nil
}

func (m *Manifest) addCollection(collection Collection, uidsSeen map[base.CollectionID]string) error {
	if err := validCollectionName(collection.Name); err != nil {
		return base.InvalidArgumentf("%v", err)
	}
	if _, exists := m.nameIndex[collection.Name]; exists {
		return base.InvalidArgumentf("duplicate collection name %q", collection.Name)
	}
	isDefault := collection.Name == base.DefaultCollectionName
	if isDefault != (collection.Uid == base.DefaultCollectionID) {
		return base.InvalidArgumentf("collection %q cannot have uid %x", collection.Name, uint32(collection.Uid))
	}
	if other, exists := uidsSeen[collection.Uid]; exists {
		return base.InvalidArgumentf("collections %q and %q share uid %x", other, collection.Name, uint32(collection.Uid))
	}
	uidsSeen[collection.Uid] = collection.Name
	m.nameIndex[collection.Name] = len(m.collections)
	m.collections = append(m.collections, collection)
	if isDefault {
		m.defaultCollectionExists = true
	}
	return nil
}

// ToJson serializes deterministically: hex uids, collections in manifest order
func (m *Manifest) ToJson() []byte {
	obj := manifestJsonObj{
		Uid:         strconv.FormatUint(m.uid, base.CollectionsUidBase),
		Separator:   m.separator,
		Collections: make([]collectionJsonObj, 0, len(m.collections)),
	}
	for _, collection := range m.collections {
		obj.Collections = append(obj.Collections, collectionJsonObj{
			Name: collection.Name,
			Uid:  strconv.FormatUint(uint64(collection.Uid), base.CollectionsUidBase),
		})
	}
	out, _ := json.Marshal(obj)
	return out
}

func (m *Manifest) MarshalJSON() ([]byte, error) {
	return m.ToJson(), nil
}

func (m *Manifest) Uid() uint64 {
	return m.uid
}

func (m *Manifest) Separator() string {
	return m.separator
}

func (m *Manifest) DoesDefaultCollectionExist() bool {
	return m.defaultCollectionExists
}

func (m *Manifest) Count() int {
	return len(m.collections)
}

// Collections returns a copy in manifest order
func (m *Manifest) Collections() []Collection {
	out := make([]Collection, len(m.collections))
	copy(out, m.collections)
	return out
}

func (m *Manifest) FindCollection(name string) (Collection, bool) {
	idx, ok := m.nameIndex[name]
	if !ok {
		return Collection{}, false
	}
	return m.collections[idx], true
}

func (m *Manifest) FindCollectionByUid(cid base.CollectionID) (Collection, bool) {
	for _, collection := range m.collections {
		if collection.Uid == cid {
			return collection, true
		}
	}
	return Collection{}, false
}

// IsSameAs compares uid, separator, default collection flag and the set of collections
func (m *Manifest) IsSameAs(other *Manifest) bool {
	if m == nil || other == nil {
		return m == other
	}
	if m.uid != other.uid || m.separator != other.separator ||
		m.defaultCollectionExists != other.defaultCollectionExists ||
		len(m.collections) != len(other.collections) {
		return false
	}
	for _, collection := range m.collections {
		otherCollection, ok := other.FindCollection(collection.Name)
		if !ok || !collection.IsSameAs(otherCollection) {
			return false
		}
	}
	return true
}

func (m *Manifest) String() string {
	if m == nil {
		return ""
	}
	var output []string
	for _, collection := range m.collections {
		output = append(output, collection.String())
	}
	return fmt.Sprintf("Manifest{uid:%x separator:%q default:%v collections:[%v]}",
		m.uid, m.separator, m.defaultCollectionExists, strings.Join(output, ", "))
}
