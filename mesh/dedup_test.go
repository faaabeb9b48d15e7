/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import (
	"testing"
	"time"
)

func idAt(n byte) MessageID {
	var id MessageID
	id[0] = n
	return id
}

func TestDuplicateCacheDetectsRepeats(t *testing.T) {
	c := NewDuplicateCache()
	id := idAt(1)

	if c.IsDuplicate(id) {
		t.Fatal("fresh cache reports a duplicate before anything was marked")
	}
	c.MarkProcessed(id)
	if !c.IsDuplicate(id) {
		t.Fatal("cache did not remember a marked id")
	}
}

func TestCheckAndMarkReportsThenMarks(t *testing.T) {
	c := NewDuplicateCache()
	id := idAt(2)

	if wasDuplicate := c.CheckAndMark(id); wasDuplicate {
		t.Fatal("first CheckAndMark reported a duplicate")
	}
	if wasDuplicate := c.CheckAndMark(id); !wasDuplicate {
		t.Fatal("second CheckAndMark on the same id did not report a duplicate")
	}
}

func TestDuplicateCacheEvictsOverCap(t *testing.T) {
	c := NewDuplicateCache()
	for i := 0; i < DuplicateCacheSoftCap+10; i++ {
		var id MessageID
		id[0] = byte(i)
		id[1] = byte(i >> 8)
		c.MarkProcessed(id)
	}
	if c.Size() > DuplicateCacheSoftCap {
		t.Fatalf("cache size %d exceeds soft cap %d", c.Size(), DuplicateCacheSoftCap)
	}
}

func TestLoadSnapshotDiscardsExpiredEntries(t *testing.T) {
	c := NewDuplicateCache()
	expired := idAt(3)
	fresh := idAt(4)

	snapshot := map[MessageID]int64{
		expired: 1, // unix nano in the distant past
		fresh:   time.Now().Add(DuplicateCacheTTL).UnixNano(),
	}
	c.LoadSnapshot(snapshot)

	if c.IsDuplicate(expired) {
		t.Error("LoadSnapshot kept an already-expired entry")
	}
	if !c.IsDuplicate(fresh) {
		t.Error("LoadSnapshot dropped an entry that had not yet expired")
	}
}
