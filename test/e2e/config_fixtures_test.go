package e2e

import "fmt"

const definitionsTOML = `
[aggregate.by_host]
if = "host ~ /^web/"
fields = ["host", "message"]
throttle_sec = 60

[snooze.drop_debug]
if = "severity = debug"
discard = true

[notification.pager]
if = "severity = critical"
actions = ["pagerduty"]
`

// singleModeConfigTOML builds a single-mode config listening on port.
func singleModeConfigTOML(port int) string {
	return fmt.Sprintf(`
[service]
name = "snooze-single"
mode = "single"

[service.http]
listen = "127.0.0.1:%d"

[log.console]
enabled = true
level = "error"
format = "line"
`, port) + definitionsTOML
}

// natsModeConfigTOML builds a nats-mode config sharing store, ingest and notify streams.
// Params: HTTP port, NATS URL and service name.
// Returns: TOML body.
func natsModeConfigTOML(port int, natsURL, serviceName string) string {
	return fmt.Sprintf(`
[service]
name = "%[1]s"
mode = "nats"

[service.http]
listen = "127.0.0.1:%[2]d"

[log.console]
enabled = true
level = "error"
format = "line"

[ingest.http]
enabled = true

[ingest.nats]
enabled = true
url = ["%[3]s"]
stream = "SNOOZE_E2E_ALERTS"
subject = "snooze.e2e.alerts"
ack_wait_sec = 10
nack_delay_ms = 100

[store.nats]
bucket_prefix = "snooze_e2e"

[notify.queue]
backend = "nats"
stream = "SNOOZE_E2E_NOTIFICATIONS"
subject = "snooze.e2e.notifications"
`, serviceName, port, natsURL) + definitionsTOML
}
