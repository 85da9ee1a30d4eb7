package ingest

import (
	"testing"
	"time"

	"snooze/internal/clock"
	"snooze/internal/config"
	"snooze/test/testutil"
)

func TestNATSSubscriberProcessesAndDropsInvalid(t *testing.T) {
	natsURL, stopNATS := testutil.StartLocalNATSServer(t)
	defer stopNATS()

	cfg := config.NATSIngestConfig{
		Enabled:     true,
		URL:         []string{natsURL},
		Stream:      "SNOOZE_ALERTS_TEST",
		Subject:     "snooze.test.alerts",
		QueueGroup:  "snooze-test",
		AckWaitSec:  2,
		NackDelayMS: 10,
		MaxDeliver:  -1,
	}
	processor := &testProcessor{}
	subscriber, err := NewNATSSubscriber(cfg, processor, clock.Fixed(testNow), nil)
	if err != nil {
		t.Fatalf("new subscriber: %v", err)
	}
	defer func() { _ = subscriber.Close() }()

	js := testutil.JetStream(t, natsURL)
	for _, payload := range []string{`{"host":`, testRecordJSON("h1")} {
		if _, err := js.Publish(cfg.Subject, []byte(payload)); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		processor.mu.Lock()
		count := len(processor.records)
		processor.mu.Unlock()
		if count == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one processed record, got %d", count)
		}
		time.Sleep(20 * time.Millisecond)
	}

	time.Sleep(200 * time.Millisecond)
	processor.mu.Lock()
	defer processor.mu.Unlock()
	if len(processor.records) != 1 {
		t.Fatalf("expected invalid payload to be dropped, got %d records", len(processor.records))
	}
}
