// Copyright 2018-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included in
// the file licenses/BSL-Couchbase.txt.  As of the Change Date specified in that
// file, in accordance with the Business Source License, use of this software
// will be governed by the Apache License, Version 2.0, included in the file
// licenses/APL2.txt.

package generator

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/couchbase/goep/base"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateItems(t *testing.T) {
	fmt.Println("============== Test case start: TestGenerateItems =================")
	defer fmt.Println("============== Test case end: TestGenerateItems =================")
	assert := assert.New(t)

	items, totalBytes, err := GenerateItems(42, 8, 20)
	require.Nil(t, err)
	require.Len(t, items, 20)

	sum := 0
	for i, item := range items {
		assert.Equal(fmt.Sprintf("user::%06d", i), string(item.Key))
		assert.Equal(base.CollectionID(8), item.Cid)
		assert.Equal(base.DatatypeJSON, item.Datatype)
		assert.True(json.Valid(item.Value))
		sum += len(item.Value)
	}
	assert.Equal(sum, totalBytes)

	again, _, err := GenerateItems(42, 8, 20)
	require.Nil(t, err)
	assert.Equal(items[7].Value, again[7].Value)
}
