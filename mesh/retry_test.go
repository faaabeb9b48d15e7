/* SPDX-License-Identifier: MIT
 *
 * Copyright (C) 2017-2025 WireGuard LLC. All Rights Reserved.
 */

package mesh

import (
	"testing"
	"time"
)

func TestRetryQueueBackoffSchedule(t *testing.T) {
	q := NewRetryQueue()
	id := idAt(1)
	q.Enqueue(id, []byte("envelope"))

	if due := q.DueNow(time.Now()); len(due) != 0 {
		t.Fatal("entry is due immediately after Enqueue")
	}
	if due := q.DueNow(time.Now().Add(2 * retryBaseDelay)); len(due) != 1 {
		t.Fatal("entry never becomes due")
	}

	for attempt := 1; attempt < retryMaxAttempts; attempt++ {
		if _, exhausted := q.RecordFailure(id); exhausted {
			t.Fatalf("exhausted too early, on attempt %d", attempt)
		}
	}
	if _, exhausted := q.RecordFailure(id); !exhausted {
		t.Fatal("queue did not exhaust after retryMaxAttempts failures")
	}
	if q.Len() != 0 {
		t.Fatal("exhausted entry was not evicted")
	}
}

func TestRetryQueueRemoveOnSuccess(t *testing.T) {
	q := NewRetryQueue()
	id := idAt(2)
	q.Enqueue(id, []byte("envelope"))
	q.Remove(id)

	if q.Len() != 0 {
		t.Fatal("Remove did not clear the entry")
	}
	if _, ok := q.Envelope(id); ok {
		t.Fatal("removed entry still returns an envelope")
	}
}
