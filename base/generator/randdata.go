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
	"math/rand"
	"time"

	"github.com/couchbase/goep/base"
	"github.com/icrowley/fake"
)

// GenerateItems returns count JSON user documents for collection cid, keyed
// user::<n>. The same seed always produces the same documents.
func GenerateItems(seed int64, cid base.CollectionID, count int) ([]*base.Item, int, error) {
	items := make([]*base.Item, count)
	totalBytes, err := genRandomUsers(seed, cid, items)
	if err != nil {
		return nil, 0, err
	}
	return items, totalBytes, nil
}

func genRandomUsers(seed int64, cid base.CollectionID, items []*base.Item) (int, error) {
	// per-item seeds keep each document stable as the document shape grows
	seedVals := rand.New(rand.NewSource(seed))

	totalBytes := 0
	for i := 0; i < len(items); i++ {
		itemSeed := seedVals.Int63()
		r := rand.New(rand.NewSource(itemSeed))
		fake.Seed(itemSeed)

		registerTime, _ := time.Parse("2006-01-02", fmt.Sprintf("%04d-%02d-%02d", fake.Year(1950, 2016), fake.MonthNum(), fake.Day()))
		user := map[string]interface{}{
			"id":       r.Int(),
			"isActive": r.Int()%2 == 0,
			"balance":  fake.Currency(),
			"age":      20 + r.Int31n(50),
			"name": map[string]interface{}{
				"first": fake.FirstName(),
				"last":  fake.LastName(),
			},
			"company":    fake.Company(),
			"email":      fake.EmailAddress(),
			"address":    fake.StreetAddress(),
			"about":      fake.Sentences(),
			"registered": registerTime,
		}
		tags := make([]string, 3)
		for j := range tags {
			tags[j] = fake.Word()
		}
		user["tags"] = tags

		data, err := json.Marshal(user)
		if err != nil {
			return totalBytes, err
		}
		totalBytes += len(data)
		items[i] = &base.Item{
			Key:      []byte(fmt.Sprintf("user::%06d", i)),
			Value:    data,
			Cid:      cid,
			Datatype: base.DatatypeJSON,
		}
	}
	return totalBytes, nil
}
