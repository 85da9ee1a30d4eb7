package e2e

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"snooze/internal/notifyqueue"
	"snooze/test/testutil"

	"github.com/nats-io/nats.go"
)

func TestMultiServiceNATSSingleNotification(t *testing.T) {
	natsURL, _ := testutil.StartLocalNATSServer(t)

	services := make([]*liveService, 0, 2)
	for i := 0; i < 2; i++ {
		name := fmt.Sprintf("svc-%d", i)
		services = append(services, startService(t, name, func(port int) string {
			return natsModeConfigTOML(port, natsURL, name)
		}))
	}

	js := testutil.JetStream(t, natsURL)

	alert := []byte(`{"host":"web01","message":"disk full","severity":"critical"}`)
	for i := 0; i < 4; i++ {
		if _, err := js.Publish("snooze.e2e.alerts", alert); err != nil {
			t.Fatalf("publish alert: %v", err)
		}
	}
	if _, err := js.Publish("snooze.e2e.alerts", []byte(`not json`)); err != nil {
		t.Fatalf("publish junk: %v", err)
	}

	sub, err := js.PullSubscribe("snooze.e2e.notifications", "e2e-reader", nats.BindStream("SNOOZE_E2E_NOTIFICATIONS"))
	if err != nil {
		t.Fatalf("pull subscribe: %v", err)
	}
	var decisions []notifyqueue.Decision
	collect := func() {
		messages, err := sub.Fetch(10, nats.MaxWait(500*time.Millisecond))
		if err != nil && !errors.Is(err, nats.ErrTimeout) {
			t.Fatalf("fetch decisions: %v", err)
		}
		for _, message := range messages {
			var decision notifyqueue.Decision
			if err := json.Unmarshal(message.Data, &decision); err != nil {
				t.Fatalf("decode decision: %v", err)
			}
			decisions = append(decisions, decision)
			_ = message.Ack()
		}
	}
	if !waitUntil(10*time.Second, func() bool {
		collect()
		return len(decisions) >= 1
	}) {
		t.Fatalf("no notification decision published")
	}

	time.Sleep(2 * time.Second)
	collect()
	if len(decisions) != 1 {
		t.Fatalf("expected exactly one decision across instances, got %d: %+v", len(decisions), decisions)
	}
	if decisions[0].Notification != "pager" || decisions[0].Actions[0] != "pagerduty" {
		t.Fatalf("unexpected decision %+v", decisions[0])
	}

	for _, service := range services {
		service.stop(t)
	}
}
